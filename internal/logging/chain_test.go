package logging

import (
	"strings"
	"testing"
)

func linked(n int) []DecisionRecord {
	recs := make([]DecisionRecord, n)
	for i := range recs {
		recs[i] = record(uint64(i+1), "dev-1")
	}
	return chain(recs...)
}

func reasons(breaks []ChainBreak) string {
	var parts []string
	for _, b := range breaks {
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "; ")
}

func TestCheckChain_Intact(t *testing.T) {
	if breaks := CheckChain(linked(5)); len(breaks) > 0 {
		t.Fatalf("unexpected breaks: %s", reasons(breaks))
	}
}

func TestCheckChain_EditedPlaintextColumn(t *testing.T) {
	for name, edit := range map[string]func(*DecisionRecord){
		"pacing_mode":     func(r *DecisionRecord) { r.PacingMode = "emergency" },
		"system_mode":     func(r *DecisionRecord) { r.SystemMode = "SAFE_MODE" },
		"target_rate_bpm": func(r *DecisionRecord) { r.TargetRateBPM = 150 },
		"pacing_enabled":  func(r *DecisionRecord) { r.PacingEnabled = true },
		"rule":            func(r *DecisionRecord) { r.Rule = 1 },
		"sealed field":    func(r *DecisionRecord) { r.Rationale = []byte{0xff} },
	} {
		t.Run(name, func(t *testing.T) {
			recs := linked(3)
			edit(&recs[1])
			breaks := CheckChain(recs)
			if len(breaks) != 1 || breaks[0].SequenceID != 2 {
				t.Fatalf("expected one break at seq 2, got %s", reasons(breaks))
			}
		})
	}
}

func TestCheckChain_RemovedRow(t *testing.T) {
	recs := linked(4)
	recs = append(recs[:2], recs[3:]...)
	breaks := CheckChain(recs)
	if len(breaks) != 1 || breaks[0].SequenceID != 4 || !strings.Contains(breaks[0].Reason, "3..3 missing") {
		t.Fatalf("expected missing row 3 reported, got %s", reasons(breaks))
	}
}

func TestCheckChain_RenumberedAfterRemoval(t *testing.T) {
	// Row 2 dropped and row 3 renumbered into its place: the contents hash
	// no longer matches and the link from row 1 is gone.
	recs := linked(3)
	recs[2].SequenceID = 2
	recs = []DecisionRecord{recs[0], recs[2]}
	if breaks := CheckChain(recs); len(breaks) == 0 {
		t.Fatal("expected renumbered row to break the chain")
	}
}

func TestCheckChain_RelinkedRowIsStillCaught(t *testing.T) {
	// Recomputing a forged row's own chain hash does not repair the link
	// held by the row after it.
	recs := linked(3)
	recs[1].PacingMode = "emergency"
	recs[1].ChainHash = ChainHash(recs[1])
	breaks := CheckChain(recs)
	if len(breaks) != 1 || breaks[0].SequenceID != 3 {
		t.Fatalf("expected break at seq 3, got %s", reasons(breaks))
	}
}

func TestCheckChain_PageStartingMidLog(t *testing.T) {
	recs := linked(5)[2:]
	if breaks := CheckChain(recs); len(breaks) > 0 {
		t.Fatalf("a page that starts mid-log should verify on its own: %s", reasons(breaks))
	}
}

func TestColumnDigestCoversLink(t *testing.T) {
	a := record(2, "dev-1")
	b := a
	b.PrevHash = "00"
	if ColumnDigest(a) == ColumnDigest(b) {
		t.Fatal("expected prev_hash to change the column digest")
	}
}
