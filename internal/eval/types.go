package eval

// #region eval-config
// EvalConfig holds the hardware bounds every outgoing command must respect.
type EvalConfig struct {
	MinRateBPM     float64
	MaxRateBPM     float64
	MaxAmplitudeMA float64
}

// DefaultEvalConfig matches the policy defaults.
func DefaultEvalConfig() EvalConfig {
	return EvalConfig{
		MinRateBPM:     30,
		MaxRateBPM:     200,
		MaxAmplitudeMA: 10,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single invariant check result.
type EvalMetric struct {
	Name  string
	Value float64
	Pass  bool
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of command validation.
type EvalResult struct {
	Passed     bool
	Metrics    []EvalMetric
	Violations []string
	Reason     string
}

// #endregion eval-result
