package cmd

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	echoapi "go.pilab.hu/restodb/api/echo"
	"go.pilab.hu/restodb/internal/metrics"
	"go.pilab.hu/restodb/services"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the auth and collection HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.HTTP.Addr
		}
		hidden, _ := cmd.Flags().GetStringSlice("hide")
		sweepEvery, _ := cmd.Flags().GetDuration("sweep-interval")

		db, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer closeDB()
		svc, closeAuth, err := newAuthService(ctx, db)
		if err != nil {
			return err
		}
		defer closeAuth()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics.Register(reg)

		e := echoapi.NewServer(echoapi.NewAPI(db, svc, hidden...), appLogger, reg)

		svc.Sessions().RefreshGauge(ctx)
		if sweepEvery > 0 {
			go housekeeping(ctx, svc, sweepEvery)
		}

		errCh := make(chan error, 1)
		go func() {
			appLogger.Info(ctx, "HTTP server listening", map[string]interface{}{"addr": addr, "backend": cfg.Backend})
			if err := e.Start(addr); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		appLogger.Info(context.Background(), "shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	},
}

// housekeeping drops expired challenges and republishes the session gauge.
func housekeeping(ctx context.Context, svc *services.AuthService, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := svc.SweepExpired(ctx); n > 0 {
				appLogger.Debug(ctx, "expired challenges swept", map[string]interface{}{"count": n})
			}
			svc.Sessions().RefreshGauge(ctx)
		}
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("addr", "", "listen address (default from http.addr)")
	serveCmd.Flags().StringSlice("hide", nil, "collections never exposed over HTTP (users is always hidden)")
	serveCmd.Flags().Duration("sweep-interval", time.Minute, "how often expired one-time code challenges are dropped and the session gauge refreshed, 0 disables")
}
