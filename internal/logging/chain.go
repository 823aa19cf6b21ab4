package logging

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"time"
)

// #region chain-hash
// ColumnDigest hashes a row's plaintext columns together with its link to
// the previous row. The recorder binds it into the additional data of the
// sealed payload, so a row whose columns or link were edited no longer
// opens.
func ColumnDigest(rec DecisionRecord) string {
	h := sha256.New()
	writeFields(h,
		[]byte(strconv.FormatUint(rec.SequenceID, 10)),
		[]byte(rec.DecisionID),
		[]byte(rec.SessionID),
		[]byte(rec.Timestamp.UTC().Format(time.RFC3339Nano)),
		[]byte(rec.SystemMode),
		[]byte(rec.PacingMode),
		[]byte(strconv.FormatBool(rec.PacingEnabled)),
		[]byte(strconv.FormatFloat(rec.TargetRateBPM, 'g', -1, 64)),
		[]byte(strconv.Itoa(rec.Rule)),
		[]byte(rec.KeyID),
		[]byte(rec.PrevHash),
	)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainHash covers the column digest and every sealed field of rec. The
// next row stores it as its PrevHash.
func ChainHash(rec DecisionRecord) string {
	h := sha256.New()
	writeFields(h,
		[]byte(ColumnDigest(rec)),
		rec.RhythmClass,
		rec.HSIScore,
		rec.Rationale,
		rec.FullPayload,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// writeFields length-prefixes each field so adjacent fields cannot trade
// bytes.
func writeFields(h hash.Hash, fields ...[]byte) {
	var n [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(n[:], uint64(len(f)))
		h.Write(n[:])
		h.Write(f)
	}
}

// #endregion chain-hash

// #region check-chain
// ChainBreak is a row where the hash chain does not hold.
type ChainBreak struct {
	SequenceID uint64
	Reason     string
}

func (b ChainBreak) String() string {
	return fmt.Sprintf("seq=%d chain: %s", b.SequenceID, b.Reason)
}

// CheckChain verifies a run of rows: each row's chain hash must match its
// contents, sequence ids must be contiguous, and each row must link to the
// one before it. The first row of the log (sequence 1) must link to nothing.
func CheckChain(recs []DecisionRecord) []ChainBreak {
	sorted := append([]DecisionRecord(nil), recs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SequenceID < sorted[j].SequenceID })

	var out []ChainBreak
	for i, rec := range sorted {
		if ChainHash(rec) != rec.ChainHash {
			out = append(out, ChainBreak{rec.SequenceID, "chain_hash does not match row contents"})
		}
		if i == 0 {
			if rec.SequenceID == 1 && rec.PrevHash != "" {
				out = append(out, ChainBreak{rec.SequenceID, "first row links to a predecessor"})
			}
			continue
		}
		prev := sorted[i-1]
		switch {
		case rec.SequenceID == prev.SequenceID:
			out = append(out, ChainBreak{rec.SequenceID, "duplicate sequence id"})
		case rec.SequenceID != prev.SequenceID+1:
			out = append(out, ChainBreak{rec.SequenceID, fmt.Sprintf("rows %d..%d missing", prev.SequenceID+1, rec.SequenceID-1)})
		case rec.PrevHash != prev.ChainHash:
			out = append(out, ChainBreak{rec.SequenceID, fmt.Sprintf("prev_hash does not match row %d", prev.SequenceID)})
		}
	}
	return out
}

// #endregion check-chain
