package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// LoadWithFile loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (WORKFLOW_MAX_ITERATIONS, BIDDING_BID_TIMEOUT, ...)
//  2. YAML config file (~/.config/orchestd/config.yaml by default)
//  3. Hardcoded defaults
//
// The config file must live under ~/.config/orchestd/ or /etc/orchestd/,
// carry 0600 or 0400 permissions, and stay under 1MB. Environment variables
// map section-first: WORKFLOW_MAX_ITERATIONS -> workflow.max_iterations.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "orchestd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// TOCTOU race between the permission check and the read.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Environment variables override the file. The transformer splits on
	// the first underscore: section, then field.
	//
	//	WORKFLOW_MAX_ITERATIONS -> workflow.max_iterations
	//	BIDDING_CLEAR_WINNER_THRESHOLD -> bidding.clear_winner_threshold
	if err := k.Load(env.Provider("", ".", func(s string) string {
		lower := strings.ToLower(s)
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// EnsureConfigDir creates the orchestd config directory with 0700
// permissions if it doesn't exist.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(home, ".config", "orchestd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path sits in an allowed directory. Runs
// even when the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so a link cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		// Path may not exist yet; validate the literal path instead.
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "orchestd"),
		"/etc/orchestd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/orchestd/ or /etc/orchestd/")
}

// validateConfigFileProperties checks permissions and size on an
// already-opened file.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}

	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// applyDefaults fills unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Bidding.ClearWinnerThreshold == 0 {
		cfg.Bidding.ClearWinnerThreshold = 0.8
	}
	if cfg.Bidding.BidTimeout == 0 {
		cfg.Bidding.BidTimeout = 2 * time.Second
	}
	if cfg.Bidding.HistorySize == 0 {
		cfg.Bidding.HistorySize = 64
	}

	if cfg.Workflow.CompletionThreshold == 0 {
		cfg.Workflow.CompletionThreshold = 0.8
	}
	if cfg.Workflow.MaxIterations == 0 {
		cfg.Workflow.MaxIterations = 5
	}
	if cfg.Workflow.LearnThreshold == 0 {
		cfg.Workflow.LearnThreshold = 0.7
	}

	if cfg.Memory.Provider == "" {
		cfg.Memory.Provider = "bank"
	}
	if cfg.Memory.BucketCapacity == 0 {
		cfg.Memory.BucketCapacity = 50
	}
	if cfg.Memory.PitfallCapacity == 0 {
		cfg.Memory.PitfallCapacity = 20
	}
	if cfg.Memory.MinSimilarity == 0 {
		cfg.Memory.MinSimilarity = 0.1
	}
	if cfg.Memory.SearchLimit == 0 {
		cfg.Memory.SearchLimit = 3
	}

	if cfg.Strategy.NoProgressFloor == 0 {
		cfg.Strategy.NoProgressFloor = 0.4
	}
	if cfg.Strategy.LowCompleteness == 0 {
		cfg.Strategy.LowCompleteness = 0.5
	}
	if cfg.Strategy.TimeReserve == 0 {
		cfg.Strategy.TimeReserve = 2 * time.Second
	}

	if cfg.Evaluation.DefaultCalibrationFactor == 0 {
		cfg.Evaluation.DefaultCalibrationFactor = 1.15
	}

	if cfg.Engine.ArchiveSize == 0 {
		cfg.Engine.ArchiveSize = 128
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 2
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "orchestd"
	}
}
