package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/mailer"
	"github.com/snapsift/snapsift/internal/pipeline"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start a pipeline worker",
	Long: `Start a SnapSift pipeline worker.
The worker consumes the culling, smart-sharing, and email queues and
executes the stage handlers. Run as many worker processes as needed;
task state lives in the database.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 0, "Simultaneous stages per queue (defaults to WORKER_CONCURRENCY)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	if n := mustGetInt(cmd, "concurrency"); n > 0 {
		cfg.Pipeline.WorkerConcurrency = n
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, objects, queue, err := connectBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer queue.Close()

	images := store.NewImageRepository(pool)
	events := store.NewEventRepository(pool)
	tasks := store.NewTaskRepository(pool)
	vec := vecstore.New(pool)
	models := vision.NewRegistry(cfg.Inference.URL)
	mail := mailer.New(cfg.SMTP)

	stages := pipeline.NewStages(cfg, images, events, tasks, objects, vec, models, queue, mail)

	consumerCfg := func(queueName string) taskq.ConsumerConfig {
		return taskq.ConsumerConfig{
			Queue:        queueName,
			Prefetch:     cfg.Broker.Prefetch,
			Concurrency:  cfg.Pipeline.WorkerConcurrency,
			StageTimeout: cfg.Pipeline.VisibilityTimeout,
			RetryMax:     cfg.Pipeline.RetryMaxAttempts,
			BackoffBase:  cfg.Pipeline.RetryBackoffBase,
		}
	}

	culling := taskq.NewConsumer(queue, tasks, consumerCfg(taskq.QueueCulling))
	stages.RegisterCulling(culling)

	sharing := taskq.NewConsumer(queue, tasks, consumerCfg(taskq.QueueSmartSharing))
	stages.RegisterSharing(sharing)

	email := taskq.NewConsumer(queue, tasks, consumerCfg(taskq.QueueEmail))
	stages.RegisterEmail(email)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nShutting down worker...")
		cancel()
	}()

	fmt.Printf("Worker consuming %s, %s, %s (concurrency %d)\n",
		taskq.QueueCulling, taskq.QueueSmartSharing, taskq.QueueEmail,
		cfg.Pipeline.WorkerConcurrency)
	fmt.Println("Press Ctrl+C to stop")

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	for _, consumer := range []*taskq.Consumer{culling, sharing, email} {
		wg.Add(1)
		go func(c *taskq.Consumer) {
			defer wg.Done()
			if err := c.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
				cancel()
			}
		}(consumer)
	}
	wg.Wait()

	select {
	case err := <-errCh:
		return fmt.Errorf("consumer stopped: %w", err)
	default:
		return nil
	}
}
