package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/config"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/replay"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/state"
)

// #region main

func main() {
	dbPath := flag.String("db", "", "path to pulsemind.db")
	keys := flag.String("keys", os.Getenv("PULSEMIND_AUDIT_KEYS"), "audit keys, id=base64key[,id=base64key]")
	alg := flag.String("alg", string(cipher.AES256GCM), "audit cipher")
	session := flag.String("session", "", "session to export")
	last := flag.Int("last", 10, "number of most recent decisions to export")
	outPath := flag.String("out", "", "output fixture path (.yaml or .json)")
	flag.Parse()

	if *dbPath == "" || *session == "" || *outPath == "" {
		fmt.Fprintln(os.Stderr, "usage: fixture-export --db path/to/db --keys id=key --session id --out path/to/fixture.yaml [--last N]")
		os.Exit(2)
	}

	if err := run(*dbPath, *keys, *alg, *session, *last, *outPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// #endregion main

// #region extract

func run(dbPath, keySpec, alg, session string, last int, outPath string) error {
	store, err := state.NewStore(dbPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer store.Close()

	var active string
	if ids, err := cipher.ParseKeys(keySpec); err == nil {
		for id := range ids {
			active = id
			break
		}
	}
	keys, err := config.OpenKeyring(keySpec, active, alg)
	if err != nil {
		return err
	}

	// Newest first, then reverse for chronological order.
	recs, err := logging.ListDecisions(store.DB(), logging.Query{SessionID: session, Limit: last, Newest: true})
	if err != nil {
		return fmt.Errorf("list decisions: %w", err)
	}
	if len(recs) == 0 {
		return fmt.Errorf("no decisions recorded for session %q", session)
	}
	traces := make([]logging.DecisionTrace, len(recs))
	for i, rec := range recs {
		tr, err := audit.OpenTrace(keys, rec)
		if err != nil {
			return err
		}
		traces[len(recs)-1-i] = tr
	}

	desc := fmt.Sprintf("exported: session %s, seq %d..%d", session, traces[0].SequenceID, traces[len(traces)-1].SequenceID)
	f, err := replay.FromTraces(desc, traces)
	if err != nil {
		return err
	}

	var data []byte
	if strings.EqualFold(filepath.Ext(outPath), ".json") {
		data, err = json.MarshalIndent(f, "", "  ")
	} else {
		data, err = yaml.Marshal(f)
	}
	if err != nil {
		return fmt.Errorf("marshal fixture: %w", err)
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write fixture: %w", err)
	}

	fmt.Printf("Exported %d decisions to %s\n", len(f.Steps), outPath)
	return nil
}

// #endregion extract
