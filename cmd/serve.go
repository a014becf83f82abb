package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/stayrace/internal/auth"
	"github.com/example/stayrace/internal/scheduler"
	"github.com/example/stayrace/internal/web"
)

func newServeCmd() *cobra.Command {
	var migrateUp bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the intake API, the scheduler and the booking engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			e, err := buildEngine(ctx, cfg, log, engineOptions{migrate: migrateUp})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				e.Close(shutdownCtx)
			}()

			srv := &web.Server{
				Engine:  e.orch,
				Handles: auth.NewHandleCodec(cfg.HandleHashKey, cfg.HandleBlockKey, 30*24*time.Hour),
				Guard:   auth.NewGuard(cfg.Keys.IntakeTokenHash),
				Metrics: promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{}),
				Health:  e.health,
				Logger:  log.Named("web"),
			}
			if !srv.Guard.Enabled() {
				log.Warn("intake token not configured; API is unauthenticated")
			}

			g, gctx := errgroup.WithContext(ctx)
			if e.store != nil {
				srv.Archive = e.store.requests
				sched := &scheduler.Scheduler{
					Queue:     e.store.requests,
					Submitter: e.orch,
					Interval:  cfg.Scheduler.Interval,
					Lead:      cfg.Scheduler.Lead,
					Logger:    log.Named("scheduler"),
				}
				g.Go(func() error {
					if err := sched.Run(gctx); err != nil && gctx.Err() == nil {
						return err
					}
					return nil
				})
			}
			g.Go(func() error {
				return web.Start(gctx, cfg.ListenAddr, srv.Routes(), log.Named("web"))
			})

			err = g.Wait()
			log.Info("shutting down", zap.Error(err))
			return err
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	return cmd
}
