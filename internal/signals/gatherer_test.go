package signals

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// #region mocks

type stubFeatures struct {
	rec   FeatureRecord
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubFeatures) Features(ctx context.Context, _ string) (FeatureRecord, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return FeatureRecord{}, ctx.Err()
		}
	}
	return s.rec, s.err
}

type stubHSI struct {
	rec HSIRecord
	err error
}

func (s *stubHSI) HSI(_ context.Context, _ string) (HSIRecord, error) { return s.rec, s.err }

// slowRhythm ignores cancellation to prove the Gatherer does not wait for it.
type slowRhythm struct {
	rec     RhythmRecord
	delay   time.Duration
	session string
}

func (s *slowRhythm) Rhythm(_ context.Context, sessionID string) (RhythmRecord, error) {
	s.session = sessionID
	time.Sleep(s.delay)
	return s.rec, nil
}

// #endregion mocks

// #region gather-tests

func TestGather_AllProducersAnswer(t *testing.T) {
	feat := &stubFeatures{rec: FeatureRecord{HeartRateBPM: f(72)}}
	hsi := &stubHSI{rec: HSIRecord{Score: f(80), Trend: "rising"}}
	rhy := &slowRhythm{rec: RhythmRecord{Class: "normal_sinus", Confidence: f(0.9)}}

	g := NewGatherer(feat, hsi, rhy, time.Second)
	g.now = func() time.Time { return t0 }

	raw := g.Gather(context.Background(), "dev-1")

	if raw.Features.Status != StatusValid || raw.HSI.Status != StatusValid || raw.Rhythm.Status != StatusValid {
		t.Fatalf("expected all valid, got %s/%s/%s", raw.Features.Status, raw.HSI.Status, raw.Rhythm.Status)
	}
	if !raw.Rhythm.ReceivedAt.Equal(t0) {
		t.Errorf("expected receipt stamp t0, got %v", raw.Rhythm.ReceivedAt)
	}
	if rhy.session != "dev-1" {
		t.Errorf("expected session id to reach producer, got %q", rhy.session)
	}
}

func TestGather_TimeoutAbandonsProducer(t *testing.T) {
	feat := &stubFeatures{rec: FeatureRecord{HeartRateBPM: f(72)}}
	hsi := &stubHSI{rec: HSIRecord{Score: f(80)}}
	rhy := &slowRhythm{rec: RhythmRecord{Class: "normal_sinus", Confidence: f(0.9)}, delay: 2 * time.Second}

	g := NewGatherer(feat, hsi, rhy, 50*time.Millisecond)

	start := time.Now()
	raw := g.Gather(context.Background(), "dev-1")
	elapsed := time.Since(start)

	if elapsed > time.Second {
		t.Fatalf("gather waited %s for an abandoned producer", elapsed)
	}
	if raw.Rhythm.Status != StatusMissing {
		t.Fatalf("expected rhythm missing, got %s", raw.Rhythm.Status)
	}
	if !strings.Contains(raw.Rhythm.Reason, "timed out") {
		t.Errorf("expected timeout reason, got %q", raw.Rhythm.Reason)
	}
	if raw.Features.Status != StatusValid {
		t.Errorf("expected features valid, got %s", raw.Features.Status)
	}
}

func TestGather_ErrorsBecomeMissing(t *testing.T) {
	feat := &stubFeatures{err: errors.New("connection refused")}
	g := NewGatherer(feat, nil, nil, time.Second)

	raw := g.Gather(context.Background(), "dev-1")

	if raw.Features.Status != StatusMissing {
		t.Fatalf("expected missing, got %s", raw.Features.Status)
	}
	if raw.HSI.Status != StatusMissing || raw.HSI.Reason != "producer not configured" {
		t.Errorf("expected unconfigured HSI to be missing, got %+v", raw.HSI)
	}
}

func TestGather_MalformedBecomesInvalid(t *testing.T) {
	hsi := &stubHSI{err: &MalformedError{Producer: "hsi", Err: errors.New("bad json")}}
	g := NewGatherer(nil, hsi, nil, time.Second)

	raw := g.Gather(context.Background(), "dev-1")

	if raw.HSI.Status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", raw.HSI.Status)
	}
}

func TestGather_ParentCancellation(t *testing.T) {
	feat := &stubFeatures{delay: time.Second}
	g := NewGatherer(feat, nil, nil, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	raw := g.Gather(ctx, "dev-1")
	if raw.Features.Status != StatusMissing {
		t.Fatalf("expected missing on cancelled context, got %s", raw.Features.Status)
	}
}

func TestGather_FeedsValidator(t *testing.T) {
	feat := &stubFeatures{rec: FeatureRecord{HeartRateBPM: f(75)}}
	hsi := &stubHSI{rec: HSIRecord{Score: f(85)}}
	g := NewGatherer(feat, hsi, nil, time.Second)

	raw := g.Gather(context.Background(), "dev-1")
	_, c := Validate(raw, time.Now(), DefaultValidatorConfig())

	if c.Kind != KindPartial {
		t.Fatalf("expected PARTIAL with classifier unavailable, got %s", c.Kind)
	}
}

// #endregion gather-tests

// #region schema-tests

func TestDecode_ValidBodies(t *testing.T) {
	feat := DecodeFeatures([]byte(`{"heart_rate_bpm": 75, "hrv_sdnn_ms": 40, "pulse_amplitude": 1.2, "num_peaks": 9}`), t0)
	if feat.Status != StatusValid || *feat.Record.HeartRateBPM != 75 {
		t.Fatalf("unexpected features %+v", feat)
	}
	hsi := DecodeHSI([]byte(`{"hsi_score": 55.5, "trend": "falling"}`), t0)
	if hsi.Status != StatusValid || hsi.Record.Trend != "falling" {
		t.Fatalf("unexpected hsi %+v", hsi)
	}
	rhy := DecodeRhythm([]byte(`{"rhythm_class": "tachycardia", "confidence": 0.8}`), t0)
	if rhy.Status != StatusValid || rhy.Record.Class != "tachycardia" {
		t.Fatalf("unexpected rhythm %+v", rhy)
	}
}

func TestDecode_NonNumericIsInvalid(t *testing.T) {
	r := DecodeFeatures([]byte(`{"heart_rate_bpm": "seventy"}`), t0)
	if r.Status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", r.Status)
	}
	if !strings.Contains(r.Reason, "schema") {
		t.Errorf("expected schema reason, got %q", r.Reason)
	}
}

func TestDecode_BrokenJSON(t *testing.T) {
	r := DecodeRhythm([]byte(`{"rhythm_class": `), t0)
	if r.Status != StatusInvalid {
		t.Fatalf("expected invalid, got %s", r.Status)
	}
}

func TestDecode_EmptyBodyIsMissing(t *testing.T) {
	for _, body := range []string{"", "  ", "null"} {
		if r := DecodeHSI([]byte(body), t0); r.Status != StatusMissing {
			t.Errorf("body %q: expected missing, got %s", body, r.Status)
		}
	}
}

func TestCheckShape_UnknownProducer(t *testing.T) {
	if err := CheckShape("ecg", []byte(`{}`)); err == nil {
		t.Fatal("expected error for unknown producer")
	}
}

// #endregion schema-tests
