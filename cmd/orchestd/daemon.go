package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/orchestd/internal/bidding"
	"github.com/fyrsmithlabs/orchestd/internal/config"
	"github.com/fyrsmithlabs/orchestd/internal/engine"
	"github.com/fyrsmithlabs/orchestd/internal/evaluate"
	"github.com/fyrsmithlabs/orchestd/internal/events"
	"github.com/fyrsmithlabs/orchestd/internal/gate"
	"github.com/fyrsmithlabs/orchestd/internal/logging"
	"github.com/fyrsmithlabs/orchestd/internal/memory"
	"github.com/fyrsmithlabs/orchestd/internal/stdio"
	"github.com/fyrsmithlabs/orchestd/internal/strategy"
	"github.com/fyrsmithlabs/orchestd/internal/telemetry"
	"github.com/fyrsmithlabs/orchestd/internal/vectorindex"
	"github.com/fyrsmithlabs/orchestd/internal/workflow"
)

// runDaemon wires the full stack and serves the stdio protocol until
// SIGINT/SIGTERM or stdin EOF.
//
// Initialization order:
//  1. Load and validate configuration
//  2. Start telemetry (disabled or degraded telemetry never blocks startup)
//  3. Build the stderr logger, bridged to OTLP when telemetry is on
//  4. Build the learning store (in-memory bank or embedding index)
//  5. Wire evaluator, analyzer, workflow driver, workers, gate, coordinator
//  6. Serve the protocol session on stdin/stdout
func runDaemon(configPath string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telCfg := telemetry.NewDefaultConfig()
	telCfg.Enabled = cfg.Observability.Enabled
	telCfg.ServiceName = cfg.Observability.ServiceName
	telCfg.ServiceVersion = version
	telCfg.Endpoint = cfg.Observability.Endpoint
	telCfg.Insecure = cfg.Observability.Insecure

	tel, err := telemetry.New(ctx, telCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logger, err := initLogger(cfg, tel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zl := logger.Underlying()

	zl.Info("starting orchestd",
		zap.String("version", version),
		zap.String("memory_provider", cfg.Memory.Provider),
		zap.Int("workers", cfg.Engine.Workers),
		zap.Bool("telemetry", tel.IsEnabled()))

	store, err := buildStore(cfg, zl)
	if err != nil {
		return fmt.Errorf("failed to initialize learning store: %w", err)
	}

	session := stdio.NewSession(os.Stdin, os.Stdout, stdio.Options{
		MaxIterations: cfg.Workflow.MaxIterations,
	}, zl)

	eval, err := evaluate.New(session, evaluate.Options{
		CompletionThreshold: cfg.Workflow.CompletionThreshold,
		CalibrationFactors:  cfg.Evaluation.CalibrationFactors,
		DefaultFactor:       cfg.Evaluation.DefaultCalibrationFactor,
	}, zl)
	if err != nil {
		return fmt.Errorf("failed to create evaluator: %w", err)
	}

	analyzer := strategy.New(nil, strategy.Options{
		NoProgressFloor:     cfg.Strategy.NoProgressFloor,
		CompletionThreshold: cfg.Workflow.CompletionThreshold,
		LowCompleteness:     cfg.Strategy.LowCompleteness,
		TimeReserve:         cfg.Strategy.TimeReserve,
	}, zl)

	emitter := events.NewEmitter(zl)

	driver, err := workflow.NewDriver(session, eval, analyzer, store, emitter, zl, workflow.Config{
		CompletionThreshold: cfg.Workflow.CompletionThreshold,
		LearnThreshold:      cfg.Workflow.LearnThreshold,
		RetrievalLimit:      cfg.Memory.SearchLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to create workflow driver: %w", err)
	}

	workers := make([]engine.Worker, cfg.Engine.Workers)
	for i := range workers {
		w, err := engine.NewRefinementWorker(fmt.Sprintf("worker-%d", i+1), driver, store, nil, zl)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}
		workers[i] = w
	}

	coordinator := bidding.NewCoordinator(bidding.Options{
		ClearWinnerThreshold: cfg.Bidding.ClearWinnerThreshold,
		BidTimeout:           cfg.Bidding.BidTimeout,
		HistorySize:          cfg.Bidding.HistorySize,
	}, emitter, zl)

	eng, err := engine.New(gate.NewMemoryGate(zl), coordinator, workers,
		engine.Options{ArchiveSize: cfg.Engine.ArchiveSize}, zl)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	session.SetSubmitHandler(eng.Submit)

	// Startup note on stderr: stdout belongs to the protocol.
	fmt.Fprintf(os.Stderr, "orchestd %s started (%d workers, %s memory)\n",
		version, cfg.Engine.Workers, cfg.Memory.Provider)

	// Signal-driven cancellation is a normal shutdown, not a failure.
	if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("session error: %w", err)
	}

	zl.Info("orchestd shutdown complete")
	return nil
}

// initLogger builds the stderr logger, with the OTLP bridge attached when
// telemetry export is enabled.
func initLogger(cfg *config.Config, tel *telemetry.Telemetry) (*logging.Logger, error) {
	level, err := logging.LevelFromString(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	logCfg := logging.NewDefaultConfig()
	logCfg.Level = level
	logCfg.Format = cfg.Logging.Format
	logCfg.Output.Stdout = false
	logCfg.Output.Stderr = true
	logCfg.Output.OTEL = tel.IsEnabled()

	return logging.NewLogger(logCfg, tel.LoggerProvider())
}

// buildStore selects the learning store backend.
func buildStore(cfg *config.Config, zl *zap.Logger) (memory.Store, error) {
	switch cfg.Memory.Provider {
	case "vectorindex":
		return vectorindex.New(vectorindex.Config{
			Path:            cfg.Memory.IndexPath,
			Compress:        cfg.Memory.IndexCompress,
			BucketCapacity:  cfg.Memory.BucketCapacity,
			PitfallCapacity: cfg.Memory.PitfallCapacity,
			LearnThreshold:  cfg.Workflow.LearnThreshold,
			MinSimilarity:   cfg.Memory.MinSimilarity,
		}, chromem.NewEmbeddingFuncDefault(), zl)
	default:
		return memory.NewBank(memory.Options{
			BucketCapacity:  cfg.Memory.BucketCapacity,
			PitfallCapacity: cfg.Memory.PitfallCapacity,
			LearnThreshold:  cfg.Workflow.LearnThreshold,
			MinSimilarity:   cfg.Memory.MinSimilarity,
		}, zl), nil
	}
}
