package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/suPer8Hu/healthchat/internal/chat"
	"github.com/suPer8Hu/healthchat/internal/db"
	"github.com/suPer8Hu/healthchat/internal/store/rabbitmq"
)

// jobHandler retries only failures that left nothing behind. A turn that
// stored its apology is final.
func jobHandler(svc *chat.Service) rabbitmq.HandlerFunc {
	return func(ctx context.Context, jobID string) error {
		err := svc.ProcessJob(ctx, jobID)
		var te *chat.TurnError
		if errors.As(err, &te) {
			return nil
		}
		return err
	}
}

func newWorkerCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume queued turns from RabbitMQ",
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
			locker, closeLocker := buildLocker(ctx, cfg)
			defer closeLocker()
			svc, err := buildService(gdb, cfg, locker)
			if err != nil {
				return err
			}

			consumer, err := rabbitmq.NewConsumer(cfg.RabbitURL, cfg.RabbitQueue, rabbitmq.ConsumerOptions{
				Concurrency: cfg.WorkerConcurrency,
				MaxRetries:  cfg.WorkerMaxRetries,
				RetryDelay:  cfg.WorkerRetryDelay,
			})
			if err != nil {
				return err
			}
			defer consumer.Close()
			return consumer.Run(ctx, jobHandler(svc))
		},
	}
}
