package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"reviewbot/pkg/db"
	"reviewbot/pkg/github"
	"reviewbot/pkg/policy"
	"reviewbot/pkg/queue"
	"reviewbot/pkg/telemetry"
	"reviewbot/services/frontend"
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
		Use:   "frontend",
		Short: "Watches the package collection for new pull requests and dispatches build jobs",
		Long: `Listens to the repository event stream and posts pull request numbers to the
per-architecture build queues every time a new pull request is opened with a
completed evaluation.

Extra pull requests can be seeded on startup via --seed-prs, or submitted at
runtime to the loopback endpoint:

    curl -d '{"pr": 119054}' 127.0.0.1:8080
`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(seedPRs, dryRun, databaseURL)
		},
	}

	cmd.Flags().IntSliceVar(&seedPRs, "seed-prs", nil, "Pull request numbers to process on startup")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Don't send jobs downstream")
	cmd.Flags().StringVar(&databaseURL, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")
	return cmd
}

func run(seedPRs []int, dryRun bool, databaseURL string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, logger, err := telemetry.Init(ctx, "reviewbot-frontend")
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

	cfg, err := frontend.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg.SeedPRs = seedPRs
	cfg.DryRun = dryRun
	cfg.DatabaseURL = databaseURL

	pol, err := policy.Load(cfg.PolicyFile)
	if err != nil {
		return err
	}

	gh := github.New(cfg.GithubToken)

	var (
		store *frontend.DispatchStore
		ready func(context.Context) error
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		store = frontend.NewDispatchStore(pool)
		ready = func(ctx context.Context) error { return db.Ping(ctx, pool) }
	} else if !cfg.DryRun {
		return errors.New("--database-url is required outside dry runs")
	}

	var sender frontend.Sender
	if !cfg.DryRun {
		queues, err := queue.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("connect queue broker: %w", err)
		}
		defer queues.Close()
		for _, system := range frontend.BuildSystems {
			if err := queues.EnsureStream(system); err != nil {
				return fmt.Errorf("ensure stream for %s: %w", system, err)
			}
		}
		sender = queues
	}

	submissions := make(chan int, 16)
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: frontend.NewSubmitServer(logger, submissions, store, ready).Routes(),
	}
	go func() {
		logger.Printf("submission endpoint listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("error: submission server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	watcher := frontend.NewWatcher(gh, logger, cfg.PollInterval)
	resolver := frontend.NewResolver(gh, pol, logger)
	dispatcher := frontend.NewDispatcher(sender, store, logger)

	pipeline := frontend.NewPipeline(gh, pol, watcher, resolver, dispatcher, logger, cfg.SeedPRs, submissions)

	logger.Printf("pipeline starting, dry_run=%t", cfg.DryRun)
	if err := pipeline.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
