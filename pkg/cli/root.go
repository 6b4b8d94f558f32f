package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/getmockd/imgtrace/pkg/config"
	"github.com/getmockd/imgtrace/pkg/logging"
)

var (
	// Persistent flags available to all subcommands
	jsonOutput bool
	logLevel   string
	logFormat  string
	logFile    string

	// Version is injected during build
	Version = "dev"
	// Commit is injected during build
	Commit = "none"
	// BuildDate is injected during build
	BuildDate = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imgtrace",
	Short: "imgtrace correlates browser image requests with their responses",
	Long: `imgtrace consumes request and response events from a browser extension,
pairs each GET request with its response, and records the URL, size, and
timing of every completed image served by the target host.

Once the configured number of records has been collected it emits a ready
signal so that an external capture process can stop.`,
	SilenceUsage:  true,
	SilenceErrors: true, // We handle errors in Execute()
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output command results in JSON format")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: text or json (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Also append JSON logs to this file (overrides config)")
}

// newLogger builds the stderr logger. Flags win over cfg; cfg may be nil.
// The returned func closes the log file, if one was opened.
func newLogger(cmd *cobra.Command, cfg *config.Config) (*slog.Logger, func(), error) {
	level, format, file := "info", "text", ""
	if cfg != nil {
		if cfg.Log.Level != "" {
			level = cfg.Log.Level
		}
		if cfg.Log.Format != "" {
			format = cfg.Log.Format
		}
		file = cfg.Log.File
	}
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	if logFile != "" {
		file = logFile
	}

	stderr := logging.Handler(logging.Config{
		Level:  logging.ParseLevel(level),
		Format: logging.ParseFormat(format),
		Output: cmd.ErrOrStderr(),
	})
	if file == "" {
		return slog.New(stderr), func() {}, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	toFile := logging.Handler(logging.Config{
		Level:  logging.ParseLevel(level),
		Format: logging.FormatJSON,
		Output: f,
	})
	return slog.New(logging.NewMultiHandler(stderr, toFile)), func() { _ = f.Close() }, nil
}
