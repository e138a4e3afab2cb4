package domain

import (
	"fmt"
	"math"
	"time"
)

// Config holds the complete Kestrel configuration. It is loaded once at
// startup and validated before any component is constructed; an invalid
// configuration is a fatal startup error, never a runtime fallback.
type Config struct {
	Server ServerConfig `yaml:"server" json:"server"`

	Engine    EngineConfig   `yaml:"engine" json:"engine"`
	Detectors DetectorConfig `yaml:"detectors" json:"detectors"`
	Account   AccountConfig  `yaml:"account" json:"account"`
	Alerts    AlertConfig    `yaml:"alerts" json:"alerts"`

	Repository RepositoryConfig `yaml:"repository" json:"repository"`
	Cache      CacheConfig      `yaml:"cache" json:"cache"`
	EventBus   EventBusConfig   `yaml:"eventBus" json:"eventBus"`

	Logging LoggingConfig `yaml:"logging" json:"logging"`
	Tracing TracingConfig `yaml:"tracing" json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `yaml:"host" json:"host"`
	Port         int    `yaml:"port" json:"port"`
	ReadTimeout  int    `yaml:"readTimeout" json:"readTimeout"`   // seconds
	WriteTimeout int    `yaml:"writeTimeout" json:"writeTimeout"` // seconds
}

// EngineConfig holds coordinator and scoring policy settings.
type EngineConfig struct {
	// Weights per detector kind. They must be >= 0 and sum to 1.
	Weights map[DetectorKind]float64 `yaml:"weights" json:"weights"`

	// FraudThreshold and HighRiskThreshold split the composite score
	// into Approve / Review / Block. 0 <= fraud < high <= 1.
	FraudThreshold    float64 `yaml:"fraudThreshold" json:"fraudThreshold"`
	HighRiskThreshold float64 `yaml:"highRiskThreshold" json:"highRiskThreshold"`

	// MaterialThreshold is the sub-score above which a detector is
	// recorded as a material contributor for explainability.
	MaterialThreshold float64 `yaml:"materialThreshold" json:"materialThreshold"`

	// MaxConcurrent bounds in-flight evaluations across all accounts.
	MaxConcurrent int `yaml:"maxConcurrent" json:"maxConcurrent"`

	// EvaluationTimeoutMs is the overall per-transaction deadline.
	// DetectorTimeoutMs is the sub-deadline per detector; a detector
	// exceeding it abstains rather than stalling the evaluation.
	EvaluationTimeoutMs int `yaml:"evaluationTimeoutMs" json:"evaluationTimeoutMs"`
	DetectorTimeoutMs   int `yaml:"detectorTimeoutMs" json:"detectorTimeoutMs"`
}

// EvaluationTimeout returns the overall evaluation deadline.
func (e EngineConfig) EvaluationTimeout() time.Duration {
	return time.Duration(e.EvaluationTimeoutMs) * time.Millisecond
}

// DetectorTimeout returns the per-detector sub-deadline.
func (e EngineConfig) DetectorTimeout() time.Duration {
	return time.Duration(e.DetectorTimeoutMs) * time.Millisecond
}

// DetectorConfig holds per-detector tuning.
type DetectorConfig struct {
	Velocity VelocityConfig `yaml:"velocity" json:"velocity"`
	Amount   AmountConfig   `yaml:"amount" json:"amount"`
	Geo      GeoConfig      `yaml:"geo" json:"geo"`
	Drift    DriftConfig    `yaml:"drift" json:"drift"`

	// MerchantRisk maps merchant categories to static risk weights in
	// [0,1]. Categories not in the table score MerchantDefaultRisk.
	MerchantRisk        map[string]float64 `yaml:"merchantRisk" json:"merchantRisk"`
	MerchantDefaultRisk float64            `yaml:"merchantDefaultRisk" json:"merchantDefaultRisk"`

	// Rules are operator-defined CEL expressions evaluated as an extra
	// detector. Each is compiled at startup; a compile failure is fatal.
	Rules []CustomRule `yaml:"rules" json:"rules"`
}

// VelocityConfig tunes the transaction-frequency detector.
type VelocityConfig struct {
	WindowSecs    int `yaml:"windowSecs" json:"windowSecs"`
	FreeThreshold int `yaml:"freeThreshold" json:"freeThreshold"`
	Ceiling       int `yaml:"ceiling" json:"ceiling"`
}

// Window returns the sliding window as a duration.
func (v VelocityConfig) Window() time.Duration {
	return time.Duration(v.WindowSecs) * time.Second
}

// AmountConfig tunes the amount-deviation detector.
type AmountConfig struct {
	// ZMax is the z-score at which the sub-score saturates at 1.
	ZMax float64 `yaml:"zMax" json:"zMax"`
}

// GeoConfig tunes the geographic plausibility detector.
type GeoConfig struct {
	// MaxSpeedKmh is the fastest plausible travel speed between two
	// consecutive transactions. Implied speeds above it saturate the
	// sub-score.
	MaxSpeedKmh float64 `yaml:"maxSpeedKmh" json:"maxSpeedKmh"`

	// Fallback scores when coordinates are unavailable.
	CountryChangeScore float64 `yaml:"countryChangeScore" json:"countryChangeScore"`
	CityChangeScore    float64 `yaml:"cityChangeScore" json:"cityChangeScore"`
}

// DriftConfig tunes the behavioral-drift detector.
type DriftConfig struct {
	// MinHistory is the minimum long-run transaction count before drift
	// is measured; below it the detector scores 0.
	MinHistory int `yaml:"minHistory" json:"minHistory"`
}

// CustomRule is a CEL expression contributing a fixed score when it
// evaluates to true.
type CustomRule struct {
	ID         string  `yaml:"id" json:"id"`
	Expression string  `yaml:"expression" json:"expression"`
	Score      float64 `yaml:"score" json:"score"`
}

// AccountConfig bounds the account state store.
type AccountConfig struct {
	// HistorySize is the ring buffer capacity N per account.
	HistorySize int `yaml:"historySize" json:"historySize"`

	// MaxAccounts is the LRU bound on distinct resident accounts.
	MaxAccounts int `yaml:"maxAccounts" json:"maxAccounts"`
}

// AlertConfig tunes the alert emitter.
type AlertConfig struct {
	// QueueSize bounds pending alerts. A full queue drops the oldest
	// pending alert rather than blocking the decision path.
	QueueSize int `yaml:"queueSize" json:"queueSize"`

	// MaxAttempts is the per-alert delivery attempt cap per sink.
	MaxAttempts int `yaml:"maxAttempts" json:"maxAttempts"`

	// RetryBackoffMs is the initial backoff between attempts; doubled
	// each retry up to MaxBackoffMs.
	RetryBackoffMs int `yaml:"retryBackoffMs" json:"retryBackoffMs"`
	MaxBackoffMs   int `yaml:"maxBackoffMs" json:"maxBackoffMs"`
}

// RetryBackoff returns the initial retry backoff.
func (a AlertConfig) RetryBackoff() time.Duration {
	return time.Duration(a.RetryBackoffMs) * time.Millisecond
}

// MaxBackoff returns the backoff cap.
func (a AlertConfig) MaxBackoff() time.Duration {
	return time.Duration(a.MaxBackoffMs) * time.Millisecond
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"serviceName" json:"serviceName"`
}

// DefaultConfig returns a runnable single-node configuration: SQLite
// repository, in-memory cache, channel event bus.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Engine: EngineConfig{
			Weights: map[DetectorKind]float64{
				DetectorVelocity:        0.25,
				DetectorAmountDeviation: 0.25,
				DetectorGeographic:      0.20,
				DetectorMerchantRisk:    0.15,
				DetectorBehavioralDrift: 0.15,
			},
			FraudThreshold:      0.7,
			HighRiskThreshold:   0.9,
			MaterialThreshold:   0.3,
			MaxConcurrent:       64,
			EvaluationTimeoutMs: 500,
			DetectorTimeoutMs:   100,
		},
		Detectors: DetectorConfig{
			Velocity: VelocityConfig{
				WindowSecs:    120,
				FreeThreshold: 2,
				Ceiling:       5,
			},
			Amount: AmountConfig{ZMax: 4.0},
			Geo: GeoConfig{
				MaxSpeedKmh:        900,
				CountryChangeScore: 0.8,
				CityChangeScore:    0.2,
			},
			Drift: DriftConfig{MinHistory: 10},
			MerchantRisk: map[string]float64{
				"grocery":    0.05,
				"fuel":       0.05,
				"restaurant": 0.05,
				"retail":     0.10,
				"clothing":   0.10,
				"online":     0.30,
				"transfer":   0.40,
				"gambling":   0.70,
				"crypto":     0.80,
			},
			MerchantDefaultRisk: 0.50,
		},
		Account: AccountConfig{
			HistorySize: 100,
			MaxAccounts: 100000,
		},
		Alerts: AlertConfig{
			QueueSize:      1024,
			MaxAttempts:    5,
			RetryBackoffMs: 50,
			MaxBackoffMs:   2000,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}

// Validate checks the configuration. It is idempotent: validating an
// already-valid configuration always succeeds.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: server.port %d out of range", ErrInvalidConfig, c.Server.Port)
	}

	if err := c.Engine.validate(); err != nil {
		return err
	}
	if err := c.Detectors.validate(); err != nil {
		return err
	}

	if c.Account.HistorySize <= 0 {
		return fmt.Errorf("%w: account.historySize must be positive", ErrInvalidConfig)
	}
	if c.Account.MaxAccounts <= 0 {
		return fmt.Errorf("%w: account.maxAccounts must be positive", ErrInvalidConfig)
	}

	if c.Alerts.QueueSize <= 0 {
		return fmt.Errorf("%w: alerts.queueSize must be positive", ErrInvalidConfig)
	}
	if c.Alerts.MaxAttempts <= 0 {
		return fmt.Errorf("%w: alerts.maxAttempts must be positive", ErrInvalidConfig)
	}
	if c.Alerts.RetryBackoffMs <= 0 || c.Alerts.MaxBackoffMs < c.Alerts.RetryBackoffMs {
		return fmt.Errorf("%w: alerts backoff settings out of order", ErrInvalidConfig)
	}

	return nil
}

func (e EngineConfig) validate() error {
	if len(e.Weights) == 0 {
		return fmt.Errorf("%w: engine.weights is empty", ErrInvalidConfig)
	}
	sum := 0.0
	for kind, w := range e.Weights {
		if w < 0 {
			return fmt.Errorf("%w: engine.weights[%s] is negative", ErrInvalidConfig, kind)
		}
		sum += w
	}
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("%w: engine.weights sum to %.6f, want 1", ErrInvalidConfig, sum)
	}

	if e.FraudThreshold < 0 || e.FraudThreshold >= e.HighRiskThreshold || e.HighRiskThreshold > 1 {
		return fmt.Errorf("%w: thresholds must satisfy 0 <= fraud < high <= 1 (fraud=%.3f high=%.3f)",
			ErrInvalidConfig, e.FraudThreshold, e.HighRiskThreshold)
	}
	if e.MaterialThreshold < 0 || e.MaterialThreshold > 1 {
		return fmt.Errorf("%w: engine.materialThreshold out of range", ErrInvalidConfig)
	}
	if e.MaxConcurrent <= 0 {
		return fmt.Errorf("%w: engine.maxConcurrent must be positive", ErrInvalidConfig)
	}
	if e.EvaluationTimeoutMs <= 0 || e.DetectorTimeoutMs <= 0 {
		return fmt.Errorf("%w: engine timeouts must be positive", ErrInvalidConfig)
	}
	return nil
}

func (d DetectorConfig) validate() error {
	v := d.Velocity
	if v.WindowSecs <= 0 {
		return fmt.Errorf("%w: detectors.velocity.windowSecs must be positive", ErrInvalidConfig)
	}
	if v.FreeThreshold < 0 || v.Ceiling <= v.FreeThreshold {
		return fmt.Errorf("%w: detectors.velocity requires 0 <= freeThreshold < ceiling", ErrInvalidConfig)
	}

	if d.Amount.ZMax <= 0 {
		return fmt.Errorf("%w: detectors.amount.zMax must be positive", ErrInvalidConfig)
	}

	g := d.Geo
	if g.MaxSpeedKmh <= 0 {
		return fmt.Errorf("%w: detectors.geo.maxSpeedKmh must be positive", ErrInvalidConfig)
	}
	if g.CountryChangeScore < 0 || g.CountryChangeScore > 1 || g.CityChangeScore < 0 || g.CityChangeScore > 1 {
		return fmt.Errorf("%w: detectors.geo fallback scores out of range", ErrInvalidConfig)
	}

	if d.Drift.MinHistory < 0 {
		return fmt.Errorf("%w: detectors.drift.minHistory must not be negative", ErrInvalidConfig)
	}

	for cat, risk := range d.MerchantRisk {
		if risk < 0 || risk > 1 {
			return fmt.Errorf("%w: detectors.merchantRisk[%s] out of range", ErrInvalidConfig, cat)
		}
	}
	if d.MerchantDefaultRisk < 0 || d.MerchantDefaultRisk > 1 {
		return fmt.Errorf("%w: detectors.merchantDefaultRisk out of range", ErrInvalidConfig)
	}

	seen := make(map[string]bool, len(d.Rules))
	for _, r := range d.Rules {
		if r.ID == "" || r.Expression == "" {
			return fmt.Errorf("%w: detectors.rules entries need id and expression", ErrInvalidConfig)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %q", ErrInvalidConfig, r.ID)
		}
		seen[r.ID] = true
		if r.Score < 0 || r.Score > 1 {
			return fmt.Errorf("%w: rule %q score out of range", ErrInvalidConfig, r.ID)
		}
	}

	return nil
}
