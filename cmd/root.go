package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/proctor/internal/config"
	"github.com/andresmejia3/proctor/internal/logging"
	"github.com/andresmejia3/proctor/internal/store"
)

// Options holds shared configuration for the label and serve commands
type Options struct {
	InputPath     string
	OutputPath    string
	FramesDir     string
	Annotate      bool
	NumEngines    int
	Detector      string
	Decoder       string
	Cascade       string
	DecodeTimeout string
	Record        bool
}

var (
	// Cfg is the resolved configuration shared by subcommands
	Cfg *config.Config
	// Logger is the process logger, set up before any subcommand runs
	Logger *slog.Logger

	dbURL     string
	envFile   string
	logLevel  string
	logCloser io.Closer = io.NopCloser(nil)
)

var rootCmd = &cobra.Command{
	Use:     "proctor",
	Short:   "Exam video proctoring: frame sampling, face position labeling and annotation review",
	Version: config.Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		Cfg, err = config.Load(envFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if dbURL != "" {
			Cfg.DatabaseURL = dbURL
		}
		if logLevel != "" {
			Cfg.LogLevel = logLevel
		}

		format := logging.Console
		if cmd.Name() == "serve" {
			format = logging.JSON
		}
		Logger, logCloser = logging.New(logging.Options{
			Level:  Cfg.LogLevel,
			Format: format,
			File:   Cfg.LogFile,
		})
		slog.SetDefault(Logger)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logCloser.Close()
	},
}

// openStore connects to the configured database. The caller closes it.
func openStore(ctx context.Context) (store.Store, error) {
	db, err := store.Open(ctx, Cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL, postgres://... or sqlite://path (default: $PROCTOR_DB, DB_* variables, or sqlite://proctor.db)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file to load before reading configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: $PROCTOR_LOG_LEVEL or info)")
}
