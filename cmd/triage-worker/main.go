// triage-worker is the feedback-intelligence pipeline: it ingests support
// messages over HTTP, maintains a cumulative per-thread state with an LLM,
// and emits work items for actionable threads.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"triage/internal/config"
	"triage/internal/ingress"
	"triage/internal/llm"
	"triage/internal/logging"
	"triage/internal/observability"
	"triage/internal/pipeline"
	"triage/internal/queue"
	"triage/internal/server"
	"triage/internal/store"
	"triage/internal/transport"
	"triage/internal/updater"
	"triage/internal/workitem"
)

var version = "dev"

func main() {
	var configFile string

	root := &cobra.Command{
		Use:           "triage-worker",
		Short:         "Feedback-intelligence pipeline worker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configFile)
		},
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "optional YAML config file")

	root.AddCommand(&cobra.Command{
		Use:           "migrate",
		Short:         "Apply database migrations and exit",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			return store.Migrate(cfg.DatabaseURL)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, config.ErrBadConfig) {
			os.Exit(config.ExitBadConfig)
		}
		if errors.Is(err, errDepsDown) {
			os.Exit(config.ExitDepsDown)
		}
		os.Exit(1)
	}
	os.Exit(config.ExitOK)
}

// errDepsDown maps required-dependency startup failures to exit code 3.
var errDepsDown = errors.New("required dependencies unavailable")

func run(ctx context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger := logging.NewComponentLogger("main")
	logger.Info("triage-worker %s starting", version)

	metrics := observability.NewMetrics()

	// Required dependencies get the startup grace window; a backend that is
	// still down after it means exit 3 and let the platform restart us.
	pool, err := connectPostgres(ctx, cfg)
	if err != nil {
		return fmt.Errorf("%w: postgres: %v", errDepsDown, err)
	}
	defer pool.Close()

	if err := store.Migrate(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("%w: migrate: %v", errDepsDown, err)
	}
	st := store.NewPostgresStore(pool)

	redisClient, err := queue.NewRedisClient(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrBadConfig, err)
	}
	defer func() {
		_ = redisClient.Close()
	}()
	if err := waitForRedis(ctx, cfg, redisClient); err != nil {
		return fmt.Errorf("%w: redis: %v", errDepsDown, err)
	}

	tr := transport.NewClient(cfg.LLMRequestTimeout, cfg.MeshDomainSuffix)
	llmClient := llm.NewClient(llm.Config{
		BaseURL: cfg.LLMBaseURL,
		APIKey:  cfg.LLMAPIKey,
		Model:   cfg.LLMModel,
	}, tr, cfg.LLMRequestTimeout, metrics)

	ingestQueue := queue.NewRedisQueue(redisClient, queue.IngestQueue)
	workItemQueue := queue.NewRedisQueue(redisClient, queue.WorkItemQueue)

	deduper, err := workitem.NewDeduper(redisClient)
	if err != nil {
		return err
	}
	emitter := workitem.NewQueueEmitter(workItemQueue)
	upd := updater.New(st, llmClient)
	orchestrator := pipeline.New(st, upd, deduper, emitter, ingestQueue, metrics, cfg.WorkerConcurrency)

	ingressHandler, err := ingress.NewHandler(st, ingestQueue, metrics)
	if err != nil {
		return err
	}

	srv := server.New(cfg.HTTPAddr, st, redisClient, llmClient, map[string]queue.Queue{
		queue.IngestQueue:   ingestQueue,
		queue.WorkItemQueue: workItemQueue,
	}, metrics, func(r gin.IRouter) {
		ingressHandler.Register(r)
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() {
		errCh <- srv.Start()
	}()
	go func() {
		errCh <- orchestrator.Run(runCtx)
	}()
	go ingestQueue.RunMover(runCtx, time.Second)
	go workItemQueue.RunMover(runCtx, time.Second)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			cancel()
			shutdownServer(srv, logger)
			return err
		}
	}

	cancel()

	shutdownServer(srv, logger)
	if err := <-errCh; err != nil {
		logger.Warn("component exited with error during shutdown: %v", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func shutdownServer(srv *server.Server, logger logging.Logger) {
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown: %v", err)
	}
}

// connectPostgres retries the connection for the startup grace period.
func connectPostgres(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	var lastErr error
	deadline := time.Now().Add(cfg.StartupGrace)
	for {
		pool, err := store.Connect(ctx, cfg.DatabaseURL)
		if err == nil {
			return pool, nil
		}
		lastErr = err
		if time.Now().After(deadline) || ctx.Err() != nil {
			return nil, lastErr
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// waitForRedis pings until the broker answers or the grace period runs out.
func waitForRedis(ctx context.Context, cfg config.Config, client *redis.Client) error {
	deadline := time.Now().Add(cfg.StartupGrace)
	for {
		err := client.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
