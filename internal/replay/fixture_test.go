package replay

import (
	"os"
	"path/filepath"
	"testing"
)

var base = FixtureEpoch

// #region fixture-tests

// TestFixtures replays every fixture under testdata and compares each step
// against its expectations. This is the primary regression test: if a
// threshold or transition changes, this catches the drift.
func TestFixtures(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(paths) == 0 {
		t.Fatal("no fixtures found")
	}
	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			f, err := LoadFixture(path)
			if err != nil {
				t.Fatalf("LoadFixture: %v", err)
			}
			cfg := f.Config.ToReplayConfig()
			results := Replay(f.StartState.ToSystemState(), f.ToSteps(base, cfg), cfg)
			for _, msg := range f.Check(results) {
				t.Error(msg)
			}
			for _, r := range results {
				if r.FailSafe {
					t.Errorf("step %s: evaluator output failed the guard: %v", r.StepID, r.Violations)
				}
			}
		})
	}
}

func TestFixtureConfigOverrides(t *testing.T) {
	f, err := LoadFixture(filepath.Join("testdata", "recovery_after_safe_mode.yaml"))
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	f.Config.RecoveryThreshold = 4
	cfg := f.Config.ToReplayConfig()

	results := Replay(f.StartState.ToSystemState(), f.ToSteps(base, cfg), cfg)
	if got := results[len(results)-1].State.Mode; got != "DEGRADED" {
		t.Fatalf("with a higher threshold recovery should not complete, got %s", got)
	}
	if len(f.Check(results)) == 0 {
		t.Fatal("expected Check to report the missed recovery")
	}
}

func TestLoadFixture_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.json")
	body := `{"description":"json","start_state":{"mode":"NORMAL"},
		"steps":[{"id":"j1","missing":["features","hsi","rhythm"]}],
		"expected":[{"id":"j1","mode":"SAFE_MODE"}]}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f, err := LoadFixture(path)
	if err != nil {
		t.Fatalf("LoadFixture: %v", err)
	}
	cfg := f.Config.ToReplayConfig()
	if msgs := f.Check(Replay(f.StartState.ToSystemState(), f.ToSteps(base, cfg), cfg)); len(msgs) > 0 {
		t.Fatalf("unexpected mismatches: %v", msgs)
	}
}

// TestLoadFixture_NotFound verifies error on missing file.
func TestLoadFixture_NotFound(t *testing.T) {
	if _, err := LoadFixture("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

// TestLoadFixture_Malformed verifies error on invalid content.
func TestLoadFixture_Malformed(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"bad.json": "{not valid json}",
		"bad.yaml": "steps: [unterminated",
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
		if _, err := LoadFixture(path); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}

// #endregion fixture-tests
