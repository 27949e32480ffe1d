package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapsift/snapsift/internal/config"
	"github.com/snapsift/snapsift/internal/objstore"
	"github.com/snapsift/snapsift/internal/pipeline"
	"github.com/snapsift/snapsift/internal/store"
	"github.com/snapsift/snapsift/internal/taskq"
	"github.com/snapsift/snapsift/internal/vecstore"
	"github.com/snapsift/snapsift/internal/vision"
	"github.com/snapsift/snapsift/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the SnapSift API server.
The server exposes the workspace and event endpoints, enqueues pipeline
chains on the broker, and streams culling progress to clients.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

// resolveServeHostPort resolves port and host from flags and environment variables.
func resolveServeHostPort(cmd *cobra.Command) (int, string) {
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if envPort := os.Getenv("WEB_PORT"); envPort != "" {
		fmt.Sscanf(envPort, "%d", &port)
	}
	if envHost := os.Getenv("WEB_HOST"); envHost != "" {
		host = envHost
	}
	return port, host
}

// connectBackends opens the metadata store, object store, and broker
// shared by the serve and worker commands.
func connectBackends(ctx context.Context, cfg *config.Config) (*store.Pool, *objstore.Store, *taskq.Client, error) {
	if cfg.Database.URL == "" {
		return nil, nil, nil, errors.New("DATABASE_URL environment variable is required")
	}
	if cfg.Broker.URL == "" {
		return nil, nil, nil, errors.New("BROKER_URL environment variable is required")
	}

	fmt.Printf("Connecting to PostgreSQL database...\n")
	pool, err := store.Initialize(&cfg.Database)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}

	fmt.Printf("Connecting to object store...\n")
	objects, err := objstore.New(ctx, cfg.ObjectStore)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to initialize object store: %w", err)
	}

	fmt.Printf("Connecting to message broker...\n")
	queue, err := taskq.Dial(cfg.Broker.URL)
	if err != nil {
		pool.Close()
		return nil, nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	return pool, objects, queue, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, objects, queue, err := connectBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer pool.Close()
	defer queue.Close()

	workspaces := store.NewWorkspaceRepository(pool)
	events := store.NewEventRepository(pool)
	images := store.NewImageRepository(pool)
	users := store.NewUserRepository(pool)
	tasks := store.NewTaskRepository(pool)
	quota := store.NewQuotaManager(pool, cfg.Quota.MaxCullBytes, cfg.Quota.MaxShareBytes)
	vec := vecstore.New(pool)
	models := vision.NewRegistry(cfg.Inference.URL)

	coordinator := pipeline.NewCoordinator(
		cfg, workspaces, events, images, users, tasks, quota, objects, vec, models, queue)

	port, host := resolveServeHostPort(cmd)
	server := web.NewServer(cfg, port, host, web.Deps{
		Workspaces: workspaces,
		Events:     events,
		Images:     images,
		Users:      users,
		Quota:      quota,
		Objects:    objects,
		Pipeline:   coordinator,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")

		shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 30*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			fmt.Printf("Error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("Starting SnapSift API on http://%s:%d\n", host, port)
	fmt.Println("Press Ctrl+C to stop")

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	return nil
}
