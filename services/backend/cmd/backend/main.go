package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"reviewbot/pkg/db"
	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
	"reviewbot/pkg/queue"
	"reviewbot/pkg/s3"
	"reviewbot/pkg/telemetry"
	"reviewbot/services/backend"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		seedPRs     []int
		dryRun      bool
		databaseURL string
	)

	cmd := &cobra.Command{
		Use:           "backend",
		Short:         "Pulls build jobs off this architecture's queue and runs them",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(seedPRs, dryRun, databaseURL)
		},
	}

	cmd.Flags().IntSliceVar(&seedPRs, "seed-prs", nil, "Pull request numbers to build immediately, bypassing the queue")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Build seeds only; no queue, no uploads, no scaling calls")
	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	cmd.AddCommand(newPostHookCommand())
	return cmd
}

func runWorker(seedPRs []int, dryRun bool, databaseURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, logger, err := telemetry.Init(ctx, "reviewbot-backend")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			fmt.Fprintf(os.Stderr, "telemetry shutdown error: %v\n", err)
		}
	}()

	cfg, err := backend.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SeedPRs = seedPRs
	cfg.DryRun = dryRun
	cfg.DatabaseURL = databaseURL

	if cfg.GithubToken == "" && !cfg.DryRun {
		logger.Printf("error: no GITHUB_TOKEN, forcing dry run")
		cfg.DryRun = true
	}
	if cfg.DryRun {
		// The flag must survive into the post-build hook subprocess.
		os.Setenv("REVIEWBOT_DRY_RUN", "1")
	}

	instance, onEC2 := backend.DetectInstance(ctx)
	logger.Printf("worker starting, system=%s instance=%s dry_run=%t", cfg.System, instance.ID, cfg.DryRun)

	var (
		finished *backend.FinishedStore
		pool     *pgxpool.Pool
	)
	if cfg.DatabaseURL != "" {
		pool, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		finished = backend.NewFinishedStore(pool, cfg.System, instance)
	}

	var uploader *backend.Uploader
	if cfg.DryRun {
		uploader = backend.NewUploader(nil, cfg.Bucket, cfg.Machine(), true, logger)
	} else {
		artifacts, err := s3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		uploader = backend.NewUploader(artifacts, cfg.Bucket, cfg.Machine(), false, logger)
	}

	builder := backend.NewBuilder(cfg, uploader, finished, logger)

	// Seeds run first, outside the queue.
	for _, pr := range cfg.SeedPRs {
		if err := builder.Run(ctx, queue.Message{PR: pr}); err != nil {
			return err
		}
	}
	if cfg.DryRun {
		logger.Printf("dry run finished")
		return nil
	}

	startOpsServer(logger, pool)

	queues, err := queue.Connect(cfg.NATSURL)
	if err != nil {
		return fmt.Errorf("connect queue broker: %w", err)
	}
	defer queues.Close()

	receiver, err := queues.Receiver(cfg.System)
	if err != nil {
		return fmt.Errorf("bind queue consumer: %w", err)
	}
	defer receiver.Close()

	var scaler backend.Scaler
	if onEC2 {
		scaler, err = backend.NewASGScaler(ctx, instance, logger)
		if err != nil {
			logger.Printf("error: scaler unavailable: %v", err)
			scaler = nil
		}
	}

	worker := backend.NewWorker(backend.NewQueueFetcher(receiver), builder, scaler, logger, cfg.DryRun)
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newPostHookCommand() *cobra.Command {
	return &cobra.Command{
		Use:           "post-hook",
		Short:         "Post-build step invoked by the build tool in its shell",
		Hidden:        true,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPostHook()
		},
	}
}

func runPostHook() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, logger, err := telemetry.Init(ctx, "reviewbot-post-hook")
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutdownCtx)
	}()

	cfg, err := backend.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.DryRun = os.Getenv("REVIEWBOT_DRY_RUN") != ""

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}

	gh := github.New(cfg.GithubToken)
	gate := backend.NewGate(backend.SystemdJournal{}, gh, pol, logger, cfg.System, cfg.DryRun)

	var lock backend.Locker
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		lock, err = db.NewPublishLock(pool)
		if err != nil {
			return err
		}
	} else if !cfg.DryRun {
		return errors.New("DATABASE_URL is required to publish: the per-PR lock lives there")
	} else {
		lock = noopLock{}
	}

	hook := backend.NewPostHook(gh, gate, lock, backend.ExecHammer{Logger: logger}, logger)

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	return hook.Run(ctx, cwd)
}

type noopLock struct{}

func (noopLock) Acquire(ctx context.Context, pr int) (func(), error) {
	return func() {}, nil
}

func startOpsServer(logger *log.Logger, pool *pgxpool.Pool) {
	addr := os.Getenv("REVIEWBOT_METRICS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:9090"
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if pool != nil {
			if err := db.Ping(req.Context(), pool); err != nil {
				logger.Printf("error: health check database ping: %v", err)
				http.Error(w, "database unreachable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			logger.Printf("error: ops server: %v", err)
		}
	}()
}
