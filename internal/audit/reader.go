package audit

import (
	"encoding/json"
	"fmt"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/logging"
)

const (
	fieldRhythmClass = "rhythm_class"
	fieldHSIScore    = "hsi_score"
	fieldRationale   = "rationale"
	fieldPayload     = "full_payload"
)

// fieldAAD binds a sealed field to its row and column so ciphertexts cannot
// be moved between records. The full payload also carries the row's column
// digest, which authenticates the plaintext columns and the chain link.
func fieldAAD(rec logging.DecisionRecord, field string) []byte {
	if field == fieldPayload {
		return []byte(fmt.Sprintf("decision_log/%d/%s/%s", rec.SequenceID, field, logging.ColumnDigest(rec)))
	}
	return []byte(fmt.Sprintf("decision_log/%d/%s", rec.SequenceID, field))
}

// #region opened
// Opened is a decrypted decision_log row.
type Opened struct {
	Record      logging.DecisionRecord
	RhythmClass string
	HSIScore    string
	Rationale   string
	Trace       logging.DecisionTrace
}

// #endregion opened

// #region open
// Open decrypts every sealed field of rec.
func Open(s cipher.Sealer, rec logging.DecisionRecord) (Opened, error) {
	out := Opened{Record: rec}
	for _, f := range []struct {
		name   string
		sealed []byte
		dst    *string
	}{
		{fieldRhythmClass, rec.RhythmClass, &out.RhythmClass},
		{fieldHSIScore, rec.HSIScore, &out.HSIScore},
		{fieldRationale, rec.Rationale, &out.Rationale},
	} {
		plain, err := s.Open(rec.KeyID, f.sealed, fieldAAD(rec, f.name))
		if err != nil {
			return Opened{}, fmt.Errorf("seq %d %s: %w", rec.SequenceID, f.name, err)
		}
		*f.dst = string(plain)
	}

	trace, err := OpenTrace(s, rec)
	if err != nil {
		return Opened{}, err
	}
	out.Trace = trace
	return out, nil
}

// OpenTrace decrypts only the full payload. It fails if any plaintext
// column or the chain link of rec was altered after sealing.
func OpenTrace(s cipher.Sealer, rec logging.DecisionRecord) (logging.DecisionTrace, error) {
	plain, err := s.Open(rec.KeyID, rec.FullPayload, fieldAAD(rec, fieldPayload))
	if err != nil {
		return logging.DecisionTrace{}, fmt.Errorf("seq %d %s: %w", rec.SequenceID, fieldPayload, err)
	}
	var trace logging.DecisionTrace
	if err := json.Unmarshal(plain, &trace); err != nil {
		return logging.DecisionTrace{}, fmt.Errorf("seq %d: decode trace: %w", rec.SequenceID, err)
	}
	return trace, nil
}

// #endregion open
