package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/proctor/internal/batch"
	"github.com/felixgeelhaar/proctor/internal/config"
	"github.com/felixgeelhaar/proctor/internal/queue"
)

func queueNames(cfg config.QueueConfig) queue.Names {
	return queue.Names{Batches: cfg.BatchQueue, Results: cfg.ResultQueue}
}

func workerCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Grade batch requests from the RabbitMQ batch queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := opts.cfg
			if cfg.Queue.URL == "" {
				return fmt.Errorf("queue.url is not configured (set PROCTOR_RABBITMQ_URL)")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			logger := slog.Default()

			conn, err := queue.NewConnection(cfg.Queue.URL, queueNames(cfg.Queue), logger)
			if err != nil {
				return err
			}
			defer conn.Close()

			var sinks []batch.Sink
			if cfg.Queue.PublishResults {
				sinks = append(sinks, queue.NewProducer(conn))
			}
			a, err := newApp(ctx, cfg, logger, sinks...)
			if err != nil {
				return err
			}
			defer a.Close()
			a.serveMetrics(ctx)

			consumer := queue.NewConsumer(conn, queue.EngineHandler(a.engine), queue.ConsumerConfig{
				Workers: cfg.Queue.Workers,
			})
			if err := consumer.Start(ctx); err != nil {
				return fmt.Errorf("start consumer: %w", err)
			}

			logger.Info("worker ready", "queue", cfg.Queue.BatchQueue, "workers", cfg.Queue.Workers)
			<-ctx.Done()
			logger.Info("shutting down worker")
			consumer.Stop()
			return nil
		},
	}
}
