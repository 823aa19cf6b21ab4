package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
)

// pushRequest carries producer answers inline. A producer left out or sent
// as null counts as missing.
type pushRequest struct {
	Features   json.RawMessage `json:"features"`
	HSI        json.RawMessage `json:"hsi"`
	Rhythm     json.RawMessage `json:"rhythm"`
	ReceivedAt *time.Time      `json:"received_at,omitempty"`
}

// decodePush reports push=false for an empty body.
func decodePush(r *http.Request) (raw signals.RawInputs, push bool, err error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return signals.RawInputs{}, false, fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return signals.RawInputs{}, false, nil
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return signals.RawInputs{}, false, fmt.Errorf("decode body: %w", err)
	}
	at := time.Now()
	if req.ReceivedAt != nil {
		at = *req.ReceivedAt
	}
	return signals.RawInputs{
		Features: signals.DecodeFeatures(req.Features, at),
		HSI:      signals.DecodeHSI(req.HSI, at),
		Rhythm:   signals.DecodeRhythm(req.Rhythm, at),
	}, true, nil
}
