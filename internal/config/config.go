// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/danielpatrickdp/pulsemind/control-engine/internal/audit"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/cipher"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/engine"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/policy"
	"github.com/danielpatrickdp/pulsemind/control-engine/internal/signals"
)

// #region config

// Config is everything the controller reads at startup.
type Config struct {
	DBPath   string `env:"PULSEMIND_DB"        envDefault:"pulsemind.db"`
	HTTPAddr string `env:"PULSEMIND_HTTP_ADDR" envDefault:":8090"`

	// JWTSecret enables bearer-token auth on the HTTP surface when set.
	JWTSecret string `env:"PULSEMIND_JWT_SECRET"`

	FeaturesAddr string `env:"PULSEMIND_FEATURES_ADDR"`
	HSIAddr      string `env:"PULSEMIND_HSI_ADDR"`
	RhythmAddr   string `env:"PULSEMIND_RHYTHM_ADDR"`

	GatherTimeout     time.Duration `env:"PULSEMIND_GATHER_TIMEOUT"     envDefault:"250ms"`
	DecideInterval    time.Duration `env:"PULSEMIND_DECIDE_INTERVAL"    envDefault:"0s"`
	DispatchTimeout   time.Duration `env:"PULSEMIND_DISPATCH_TIMEOUT"   envDefault:"1s"`
	CheckpointTimeout time.Duration `env:"PULSEMIND_CHECKPOINT_TIMEOUT" envDefault:"200ms"`

	OTelEndpoint string `env:"PULSEMIND_OTEL_ENDPOINT"`
	ServiceName  string `env:"PULSEMIND_SERVICE_NAME" envDefault:"pulsemind-control-engine"`

	Audit     AuditEnv     `envPrefix:"PULSEMIND_AUDIT_"`
	Policy    PolicyEnv    `envPrefix:"PULSEMIND_POLICY_"`
	Validator ValidatorEnv `envPrefix:"PULSEMIND_INPUT_"`
}

// AuditEnv configures the encrypted decision log.
type AuditEnv struct {
	Keys            string        `env:"KEYS"` // "id=base64,id2=base64"
	ActiveKey       string        `env:"ACTIVE_KEY"`
	Algorithm       string        `env:"ALGORITHM"        envDefault:"aes-256-gcm"`
	SpoolPath       string        `env:"SPOOL"            envDefault:"pulsemind_audit.jsonl"`
	MaxTries        uint          `env:"MAX_TRIES"        envDefault:"5"`
	InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"50ms"`
	MaxInterval     time.Duration `env:"MAX_INTERVAL"     envDefault:"2s"`
}

// PolicyEnv mirrors policy.Config. Defaults match policy.DefaultConfig.
type PolicyEnv struct {
	ConfidenceFloor        float64 `env:"CONFIDENCE_FLOOR"          envDefault:"0.5"`
	TachyRateAbove         float64 `env:"TACHY_RATE_ABOVE"          envDefault:"120"`
	UnstableHSIBelow       float64 `env:"UNSTABLE_HSI_BELOW"        envDefault:"40"`
	BradyRateBelow         float64 `env:"BRADY_RATE_BELOW"          envDefault:"50"`
	TachyTargetBPM         float64 `env:"TACHY_TARGET_BPM"          envDefault:"100"`
	BradyTargetBPM         float64 `env:"BRADY_TARGET_BPM"          envDefault:"60"`
	EmergencyApproach      float64 `env:"EMERGENCY_APPROACH"        envDefault:"0.75"`
	ModerateApproach       float64 `env:"MODERATE_APPROACH"         envDefault:"0.5"`
	BradyApproach          float64 `env:"BRADY_APPROACH"            envDefault:"1.0"`
	FallbackRateBPM        float64 `env:"FALLBACK_RATE_BPM"         envDefault:"70"`
	MinRateBPM             float64 `env:"MIN_RATE_BPM"              envDefault:"30"`
	MaxRateBPM             float64 `env:"MAX_RATE_BPM"              envDefault:"200"`
	MinAmplitudeMA         float64 `env:"MIN_AMPLITUDE_MA"          envDefault:"0.5"`
	MaxAmplitudeMA         float64 `env:"MAX_AMPLITUDE_MA"          envDefault:"10"`
	RecoveryThreshold      int     `env:"RECOVERY_THRESHOLD"        envDefault:"3"`
	SafeModeExitAfter      int     `env:"SAFE_MODE_EXIT_AFTER"      envDefault:"1"`
	UnknownRhythmAsMissing bool    `env:"UNKNOWN_RHYTHM_AS_MISSING" envDefault:"false"`
}

// ValidatorEnv mirrors signals.ValidatorConfig.
type ValidatorEnv struct {
	Freshness    time.Duration `env:"FRESHNESS"      envDefault:"5s"`
	MaxClockSkew time.Duration `env:"MAX_CLOCK_SKEW" envDefault:"500ms"`
	MinHeartRate float64       `env:"MIN_HEART_RATE" envDefault:"20"`
	MaxHeartRate float64       `env:"MAX_HEART_RATE" envDefault:"250"`
	MaxHRVSDNN   float64       `env:"MAX_HRV_SDNN"   envDefault:"500"`
	MaxHSI       float64       `env:"MAX_HSI"        envDefault:"100"`
}

// #endregion config

// #region load

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks settings that cannot be expressed as env defaults.
func (c Config) Validate() error {
	if err := c.Engine().Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DecideInterval < 0 {
		return fmt.Errorf("config: decide interval must not be negative")
	}
	if c.DecideInterval > 0 && c.DecideInterval < c.GatherTimeout {
		return fmt.Errorf("config: decide interval %s shorter than gather timeout %s", c.DecideInterval, c.GatherTimeout)
	}
	return nil
}

// #endregion load

// #region views

// Engine returns the engine configuration.
func (c Config) Engine() engine.Config {
	p := c.Policy
	return engine.Config{
		Policy: policy.Config{
			ConfidenceFloor:        p.ConfidenceFloor,
			TachyRateAbove:         p.TachyRateAbove,
			UnstableHSIBelow:       p.UnstableHSIBelow,
			BradyRateBelow:         p.BradyRateBelow,
			TachyTargetBPM:         p.TachyTargetBPM,
			BradyTargetBPM:         p.BradyTargetBPM,
			EmergencyApproach:      p.EmergencyApproach,
			ModerateApproach:       p.ModerateApproach,
			BradyApproach:          p.BradyApproach,
			FallbackRateBPM:        p.FallbackRateBPM,
			MinRateBPM:             p.MinRateBPM,
			MaxRateBPM:             p.MaxRateBPM,
			MinAmplitudeMA:         p.MinAmplitudeMA,
			MaxAmplitudeMA:         p.MaxAmplitudeMA,
			RecoveryThreshold:      p.RecoveryThreshold,
			SafeModeExitAfter:      p.SafeModeExitAfter,
			UnknownRhythmAsMissing: p.UnknownRhythmAsMissing,
		},
		Validator: signals.ValidatorConfig{
			Freshness:    c.Validator.Freshness,
			MaxClockSkew: c.Validator.MaxClockSkew,
			MinHeartRate: c.Validator.MinHeartRate,
			MaxHeartRate: c.Validator.MaxHeartRate,
			MaxHRVSDNN:   c.Validator.MaxHRVSDNN,
			MaxHSI:       c.Validator.MaxHSI,
		},
		GatherTimeout:     c.GatherTimeout,
		CheckpointTimeout: c.CheckpointTimeout,
	}
}

// AuditRecorder returns the recorder configuration.
func (c Config) AuditRecorder() audit.Config {
	return audit.Config{
		SpoolPath:       c.Audit.SpoolPath,
		MaxTries:        c.Audit.MaxTries,
		InitialInterval: c.Audit.InitialInterval,
		MaxInterval:     c.Audit.MaxInterval,
	}
}

// Keyring builds the audit keyring. Keys are required: the decision log is
// never written in plaintext.
func (c Config) Keyring() (*cipher.Keyring, error) {
	return OpenKeyring(c.Audit.Keys, c.Audit.ActiveKey, c.Audit.Algorithm)
}

// OpenKeyring builds a keyring from the PULSEMIND_AUDIT_KEYS format. A
// single key is active by default. Offline tools call this directly with
// flag values.
func OpenKeyring(keySpec, activeID, algorithm string) (*cipher.Keyring, error) {
	if keySpec == "" {
		return nil, fmt.Errorf("config: PULSEMIND_AUDIT_KEYS is required")
	}
	keys, err := cipher.ParseKeys(keySpec)
	if err != nil {
		return nil, fmt.Errorf("config: audit keys: %w", err)
	}
	if activeID == "" && len(keys) == 1 {
		for id := range keys {
			activeID = id
		}
	}
	k, err := cipher.NewKeyring(keys, activeID, cipher.Algorithm(algorithm))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return k, nil
}

// #endregion views
