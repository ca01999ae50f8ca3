package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines feature availability
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`

	// Engine configurations
	Detector DetectorConfig `json:"detector"`
	Scoring  ScoringConfig  `json:"scoring"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the product tier.
type Tier string

const (
	// TierCommunity is the free tier with SQLite + channels
	TierCommunity Tier = "community"

	// TierPro is the paid tier with PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DetectorConfig holds the tunable thresholds for both detectors. The
// struct is validated once at load time and passed by value into each
// scoring run; runs never read mutable shared state.
type DetectorConfig struct {
	// Amount outlier check
	OutlierSigma      float64 `json:"outlierSigma"`      // stddev multiplier
	OutlierMinHistory int     `json:"outlierMinHistory"` // samples required

	// Date anomaly check
	FutureDateGraceDays int `json:"futureDateGraceDays"`

	// Duplicate detection
	DuplicateLookbackDays    int     `json:"duplicateLookbackDays"`
	DuplicateAmountTolerance float64 `json:"duplicateAmountTolerance"` // fraction, e.g. 0.01

	// Benford digit-distribution check
	BenfordMinSamples int     `json:"benfordMinSamples"`
	BenfordChiSquare  float64 `json:"benfordChiSquare"` // chi-square cutoff

	// Circular transaction detection
	CycleMaxLength int     `json:"cycleMaxLength"`
	CycleMinFlow   float64 `json:"cycleMinFlow"` // materiality threshold

	// Related-party clustering
	RelatedMinCluster     int     `json:"relatedMinCluster"`
	RelatedShareThreshold float64 `json:"relatedShareThreshold"` // fraction of volume

	// Invoice-number sequence check
	SequenceSkipTolerance int `json:"sequenceSkipTolerance"`

	// Rounding-pattern check
	RoundAmountMultiple float64 `json:"roundAmountMultiple"`
	RoundBaseline       float64 `json:"roundBaseline"` // expected proportion
	RoundMinSamples     int     `json:"roundMinSamples"`

	// Evaluation window for company-level pattern checks
	PatternWindowDays int `json:"patternWindowDays"`
}

// ScoringConfig holds aggregation and alerting settings.
type ScoringConfig struct {
	// DampingThreshold is the trigger count after which further rule
	// weights apply at DampingFactor.
	DampingThreshold int     `json:"dampingThreshold"`
	DampingFactor    float64 `json:"dampingFactor"`

	// AlertFloor is the minimum severity that creates an alert.
	AlertFloor Severity `json:"alertFloor"`

	// DedupWindow bounds the lookback for open-alert deduplication.
	DedupWindow time.Duration `json:"dedupWindow"`

	// RunTimeout bounds a single scoring run.
	RunTimeout time.Duration `json:"runTimeout"`
}

// DefaultConfig returns a default configuration for Community tier.
// Detector thresholds carry the documented defaults; they are tunable
// configuration, not verified ground truth.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./kestrel.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     300, // 5 minutes
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Detector: DefaultDetectorConfig(),
		Scoring: ScoringConfig{
			DampingThreshold: 5,
			DampingFactor:    0.5,
			AlertFloor:       SeverityHigh,
			DedupWindow:      30 * 24 * time.Hour,
			RunTimeout:       5 * time.Second,
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

// DefaultDetectorConfig returns the default detector thresholds.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		OutlierSigma:             3.0,
		OutlierMinHistory:        10,
		FutureDateGraceDays:      5,
		DuplicateLookbackDays:    90,
		DuplicateAmountTolerance: 0.01,
		BenfordMinSamples:        50,
		BenfordChiSquare:         15.51, // chi-square 0.05 critical value, 8 dof
		CycleMaxLength:           5,
		CycleMinFlow:             10000,
		RelatedMinCluster:        3,
		RelatedShareThreshold:    0.5,
		SequenceSkipTolerance:    3,
		RoundAmountMultiple:      100,
		RoundBaseline:            0.15,
		RoundMinSamples:          20,
		PatternWindowDays:        90,
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "kestrel",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
