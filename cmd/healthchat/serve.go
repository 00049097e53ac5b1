package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/suPer8Hu/healthchat/internal/db"
	"github.com/suPer8Hu/healthchat/internal/httpapi"
	"github.com/suPer8Hu/healthchat/internal/httpapi/handlers"
	"github.com/suPer8Hu/healthchat/internal/store/rabbitmq"
)

func newServeCmd(root *rootFlags) *cobra.Command {
	var migrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the metrics listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			gdb, err := db.Connect(cfg.DBDriver, cfg.DBDSN)
			if err != nil {
				return err
			}
			if migrate {
				if err := db.Migrate(gdb); err != nil {
					return err
				}
			}

			locker, closeLocker := buildLocker(ctx, cfg)
			defer closeLocker()
			svc, err := buildService(gdb, cfg, locker)
			if err != nil {
				return err
			}

			var pub handlers.JobPublisher
			rp, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
			if err != nil {
				log.WithError(err).Warn("rabbitmq unavailable, async turns run in-process")
				pub = inlinePublisher{svc: svc}
			} else {
				defer rp.Close()
				pub = rp
			}

			router := httpapi.NewRouter(handlers.NewHandler(gdb, cfg, svc, pub))
			api := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			metrics := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

			g, gctx := errgroup.WithContext(ctx)
			for _, srv := range []*http.Server{api, metrics} {
				srv := srv
				g.Go(func() error {
					log.WithField("addr", srv.Addr).Info("listening")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.Wrapf(err, "listen %s", srv.Addr)
					}
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				_ = metrics.Shutdown(sctx)
				return api.Shutdown(sctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}
