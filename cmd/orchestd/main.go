// Orchestd is a task orchestration daemon speaking a line-delimited JSON
// protocol on stdio.
//
// A reasoning client starts orchestd as a child process, submits tasks on
// stdin, answers the daemon's generation and scoring requests, and reads
// terminal results from stdout. Logs go to stderr; stdout carries only the
// protocol.
//
// Configuration is loaded from ~/.config/orchestd/config.yaml with
// environment variable overrides. See internal/config for details.
//
// Usage:
//
//	# Start the daemon with defaults
//	orchestd run
//
//	# Start with an explicit config file
//	orchestd run --config /etc/orchestd/config.yaml
//
//	# Override a setting via environment
//	WORKFLOW_MAX_ITERATIONS=3 orchestd run
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/orchestd/internal/config"
)

var (
	// configPath overrides the default config file location.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "orchestd",
	Short: "Self-improving task orchestration daemon",
	Long: `orchestd routes tasks to refinement workers through a trust gate and a
confidence-bidding coordinator, iterates each task through a bounded
generate-evaluate-revise loop, and learns from outcomes across runs.`,
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon on stdio",
	Long: `Run the daemon, speaking the line-delimited JSON task protocol on
stdin/stdout. The client process submits tasks and answers generation and
scoring requests; logs are written to stderr.

With memory.provider set to "vectorindex", similarity search uses OpenAI
embeddings and requires OPENAI_API_KEY in the environment.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(configPath)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config directory",
	Long:  `Create ~/.config/orchestd with owner-only permissions.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
		fmt.Println("Config directory ready.")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/orchestd/config.yaml)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(initCmd)
}
