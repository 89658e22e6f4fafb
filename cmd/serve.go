package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerdneilsfield/imagegen-broker/internal/api"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
)

func newServeCmd(version string, buildTime string) *cobra.Command {
	return &cobra.Command{
		Use:          "serve [config]",
		Short:        "Start the image generation broker HTTP server",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile := configPath
			if len(args) == 1 {
				configFile = args[0]
			}
			return runServe(cmd.Context(), configFile, version, buildTime)
		},
	}
}

func runServe(parent context.Context, configFile string, version string, buildTime string) error {
	a, err := bootstrap(configFile, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("Starting imagegen-broker...", zap.String("version", version), zap.String("buildTime", buildTime))
	if _, err := maxprocs.Set(maxprocs.Logger(a.logger.Sugar().Infof)); err != nil {
		a.logger.Warn("Failed to set GOMAXPROCS", zap.Error(err))
	}

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 上次进程崩溃遗留的预扣先退还
	a.sweepReservations(ctx)

	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", a.cfg.Credits.SweepInterval.Duration)
	if _, err := scheduler.AddFunc(schedule, func() { a.sweepReservations(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule reservation sweep: %w", err)
	}
	scheduler.Start()

	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	server := api.NewServer(api.Config{
		ListenAddress:  a.cfg.Server.ListenAddress,
		ReadTimeout:    a.cfg.Server.ReadTimeout.Duration,
		WriteTimeout:   a.cfg.Server.WriteTimeout.Duration,
		MaxUploadBytes: a.cfg.Server.MaxUploadBytes,
		ProbeTimeout:   a.cfg.Upstream.ProbeTimeout.Duration,
		TopUpCap:       a.cfg.Credits.TopUpCap,
		MetricsPath:    metricsPath,
		Debug:          verbose,

		GenerationsPerMinute: a.cfg.Server.GenerationsPerMinute,
		GenerationBurst:      a.cfg.Server.GenerationBurst,
		CORSOrigins:          a.cfg.Server.CORSOrigins,
	}, api.Deps{
		Broker:     a.broker,
		Ledger:     a.ledger,
		Profiles:   a.profiles,
		Upstream:   a.client,
		Gallery:    a.creations,
		Metrics:    a.metricRows,
		Authorizer: a.authorizer,
		I18n:       a.i18n,
		Gatherer:   a.registry,
		Logger:     a.logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err = <-errCh:
		stop()
	case <-ctx.Done():
		a.logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			a.logger.Error("Graceful shutdown failed", zap.Error(shutdownErr))
		}
		cancel()
		err = <-errCh
	}
	// 等待正在执行的清扫结束
	<-scheduler.Stop().Done()

	if err != nil {
		a.logger.Error("API server stopped with error", zap.Error(err))
		return err
	}
	a.logger.Info("imagegen-broker stopped")
	return nil
}

// sweepReservations resolves pending reservations older than the configured age:
// delivered ones are settled, the rest refunded.
func (a *app) sweepReservations(ctx context.Context) {
	n, err := a.ledger.RecoverStale(ctx, a.cfg.Credits.ReservationMaxAge.Duration)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			a.logger.Error("Reservation sweep failed", zap.Error(err))
		}
		return
	}
	for i := 0; i < n; i++ {
		a.recorder.ObserveReservation("recovered")
	}
	if n > 0 {
		a.logger.Warn("Refunded stale credit reservations", zap.Int("count", n))
	}
}
