package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/gotrs-io/shopdesk/internal/api"
	"github.com/gotrs-io/shopdesk/internal/config"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduled jobs and the operations API",
		Long: `Serve schedules the mailbox fetch and queue drain jobs and, when
server.enabled is set, serves /healthz, /readyz, /metrics and the operator
API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	reg, err := a.registry(false)
	if err != nil {
		return err
	}
	config.OnReload(func(*config.Config) {
		log.Printf("configuration changed on disk; restart shopdesk to apply schedule and connection changes")
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runner(reg).Start(gctx)
	})
	if a.cfg.Server.Enabled {
		srv := a.apiServer()
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}
	return g.Wait()
}

func (a *app) apiServer() *api.Server {
	if a.cfg.App.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	metricsPath := ""
	if a.cfg.Metrics.Enabled {
		metricsPath = a.cfg.Metrics.Path
	}
	opts := []api.Option{
		api.WithDatabaseCheck(a.db.DB.DB),
		api.WithReadinessCheck("attachments", a.files.HealthCheck),
		api.WithMetricsPath(metricsPath),
	}
	if a.redis != nil {
		opts = append(opts, api.WithReadinessCheck("redis", func() error {
			return a.redis.Ping(context.Background()).Err()
		}))
	}
	return api.NewServer(a.cfg.Server, a.queue, a.tickets, opts...)
}
