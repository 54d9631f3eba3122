// Package cmd implements the restoctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.pilab.hu/restodb/config"
	"go.pilab.hu/restodb/log"
	"go.pilab.hu/restodb/tracing"
)

const appName = "restoctl"

var (
	cfgFile      string
	outputFormat string
	traceSpans   bool

	cfg            *config.Config
	appLogger      log.Logger
	logCloser      io.Closer
	tracerProvider *sdktrace.TracerProvider
)

var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "restoctl operates a restodb document store",
	Long: `A command-line interface for a restodb store: check connectivity, read and
write collections, seed data in bulk, manage users and serve the HTTP API.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		logger, closer, err := log.Setup(log.Options{
			Level:  cfg.LogLevel,
			Pretty: cfg.LogPretty,
			File:   cfg.LogFile,
		})
		if err != nil {
			return err
		}
		appLogger, logCloser = logger, closer

		if traceSpans {
			tp, err := tracing.InitTracerProvider(appName)
			if err != nil {
				return fmt.Errorf("failed to initialize tracer provider: %w", err)
			}
			tracerProvider = tp
		}

		appLogger.Debug(cmd.Context(), "configuration loaded", map[string]interface{}{
			"backend":   cfg.Backend,
			"data_path": cfg.DataPath,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		if tracerProvider != nil {
			if err := tracerProvider.Shutdown(context.Background()); err != nil {
				appLogger.Warn(cmd.Context(), "tracer provider shutdown failed", map[string]interface{}{"error": err.Error()})
			}
		}
		if logCloser != nil {
			_ = logCloser.Close()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if appLogger != nil {
			appLogger.Error(ctx, "command failed", err)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is ./restodb.yaml, /etc/restodb/restodb.yaml or $HOME/.restodb/restodb.yaml)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "yaml", "output format: yaml or json")
	rootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "export trace spans to stdout")
}
