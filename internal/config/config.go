// Package config provides configuration loading for orchestd.
package config

import (
	"fmt"
	"time"
)

// Config is the full orchestd configuration.
type Config struct {
	Bidding       BiddingConfig       `koanf:"bidding"`
	Workflow      WorkflowConfig      `koanf:"workflow"`
	Memory        MemoryConfig        `koanf:"memory"`
	Strategy      StrategyConfig      `koanf:"strategy"`
	Evaluation    EvaluationConfig    `koanf:"evaluation"`
	Engine        EngineConfig        `koanf:"engine"`
	Logging       LoggingConfig       `koanf:"logging"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// BiddingConfig tunes worker selection.
type BiddingConfig struct {
	// ClearWinnerThreshold is the confidence above which a sole bidder
	// wins outright.
	ClearWinnerThreshold float64 `koanf:"clear_winner_threshold"`

	// BidTimeout bounds each worker's bid independently.
	BidTimeout time.Duration `koanf:"bid_timeout"`

	// HistorySize bounds the retained routing decision log.
	HistorySize int `koanf:"history_size"`
}

// WorkflowConfig tunes the refinement loop.
type WorkflowConfig struct {
	// CompletionThreshold is the aggregate confidence that ends the loop.
	CompletionThreshold float64 `koanf:"completion_threshold"`

	// MaxIterations caps refinement attempts per task.
	MaxIterations int `koanf:"max_iterations"`

	// LearnThreshold is the minimum final confidence written back to
	// memory as a learned outcome.
	LearnThreshold float64 `koanf:"learn_threshold"`
}

// MemoryConfig tunes the learning store.
type MemoryConfig struct {
	// Provider selects the store backend: "bank" (in-memory word overlap)
	// or "vectorindex" (embedding-backed).
	Provider string `koanf:"provider"`

	// BucketCapacity caps records per domain.
	BucketCapacity int `koanf:"bucket_capacity"`

	// PitfallCapacity caps pitfalls per domain.
	PitfallCapacity int `koanf:"pitfall_capacity"`

	// MinSimilarity excludes weak matches from retrieval.
	MinSimilarity float64 `koanf:"min_similarity"`

	// SearchLimit is the default number of records retrieved per query.
	SearchLimit int `koanf:"search_limit"`

	// IndexPath is the vectorindex persistence directory. Empty keeps the
	// index in memory.
	IndexPath string `koanf:"index_path"`

	// IndexCompress enables gzip compression for persisted index data.
	IndexCompress bool `koanf:"index_compress"`
}

// StrategyConfig tunes the metacognitive analyzer.
type StrategyConfig struct {
	// NoProgressFloor is the average score below which a flat trend is
	// treated as stuck.
	NoProgressFloor float64 `koanf:"no_progress_floor"`

	// LowCompleteness triggers targeted completion work below it.
	LowCompleteness float64 `koanf:"low_completeness"`

	// TimeReserve aborts instead of starting an iteration that cannot
	// finish before the deadline.
	TimeReserve time.Duration `koanf:"time_reserve"`
}

// EvaluationConfig tunes scoring calibration.
type EvaluationConfig struct {
	// DefaultCalibrationFactor applies to domains without an explicit
	// factor.
	DefaultCalibrationFactor float64 `koanf:"default_calibration_factor"`

	// CalibrationFactors maps domain tags to calibration multipliers.
	CalibrationFactors map[string]float64 `koanf:"calibration_factors"`
}

// EngineConfig tunes the coordinating facade.
type EngineConfig struct {
	// ArchiveSize bounds retained terminal results.
	ArchiveSize int `koanf:"archive_size"`

	// Workers is the size of the refinement worker pool.
	Workers int `koanf:"workers"`
}

// LoggingConfig tunes structured logging.
type LoggingConfig struct {
	// Level is the minimum level emitted: trace, debug, info, warn, error.
	Level string `koanf:"level"`

	// Format is "json" or "console".
	Format string `koanf:"format"`
}

// ObservabilityConfig tunes OpenTelemetry export.
type ObservabilityConfig struct {
	// Enabled turns OTLP export on. Logging works regardless.
	Enabled bool `koanf:"enabled"`

	// ServiceName identifies this process in traces and metrics.
	ServiceName string `koanf:"service_name"`

	// Endpoint is the OTLP gRPC collector address (host:port).
	Endpoint string `koanf:"endpoint"`

	// Insecure disables TLS toward the collector.
	Insecure bool `koanf:"insecure"`
}

// thresholds that must sit in [0,1].
func unitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0,1], got %v", name, v)
	}
	return nil
}

// Validate checks cross-field constraints after defaults are applied.
func (c *Config) Validate() error {
	checks := []struct {
		name string
		val  float64
	}{
		{"bidding.clear_winner_threshold", c.Bidding.ClearWinnerThreshold},
		{"workflow.completion_threshold", c.Workflow.CompletionThreshold},
		{"workflow.learn_threshold", c.Workflow.LearnThreshold},
		{"memory.min_similarity", c.Memory.MinSimilarity},
		{"strategy.no_progress_floor", c.Strategy.NoProgressFloor},
		{"strategy.low_completeness", c.Strategy.LowCompleteness},
	}
	for _, ch := range checks {
		if err := unitInterval(ch.name, ch.val); err != nil {
			return err
		}
	}

	if c.Workflow.MaxIterations <= 0 {
		return fmt.Errorf("workflow.max_iterations must be positive, got %d", c.Workflow.MaxIterations)
	}
	if c.Bidding.BidTimeout <= 0 {
		return fmt.Errorf("bidding.bid_timeout must be positive, got %v", c.Bidding.BidTimeout)
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive, got %d", c.Engine.Workers)
	}
	if c.Evaluation.DefaultCalibrationFactor < 1.0 {
		return fmt.Errorf("evaluation.default_calibration_factor must be >= 1.0, got %v",
			c.Evaluation.DefaultCalibrationFactor)
	}
	for domain, f := range c.Evaluation.CalibrationFactors {
		if f < 1.0 {
			return fmt.Errorf("evaluation.calibration_factors[%s] must be >= 1.0, got %v", domain, f)
		}
	}

	switch c.Memory.Provider {
	case "bank", "vectorindex":
	default:
		return fmt.Errorf("memory.provider must be \"bank\" or \"vectorindex\", got %q", c.Memory.Provider)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be \"json\" or \"console\", got %q", c.Logging.Format)
	}

	if c.Observability.Enabled && c.Observability.Endpoint == "" {
		return fmt.Errorf("observability.endpoint is required when observability is enabled")
	}

	return nil
}
