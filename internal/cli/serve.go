package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relay "github.com/DarlingtonDeveloper/fiscal-relay"
	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/config"
	"github.com/DarlingtonDeveloper/fiscal-relay/dedupe"
	"github.com/DarlingtonDeveloper/fiscal-relay/queue"
)

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay daemon",
		Long: `Run the worker, the reconciliation scheduler and the ops HTTP API.

Events arrive over POST /api/v1/events and, when nats.url is set, on the
ingress subject. Dead letters are published to fiscal.dlq.* when NATS is
configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, rootOpts)
		},
	}
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("relayd: starting",
		"addr", cfg.Server.Addr,
		"queue", cfg.Queue.Path,
		"store", cfg.Store.Driver,
		"remote", cfg.Remote.BaseURL,
		"nats_enabled", cfg.NATS.URL != "",
		"reconcile_enabled", cfg.Reconcile.Enabled,
	)

	q, err := queue.Open(cfg.Queue.Path, queue.Options{MaxRetries: cfg.Queue.MaxRetries, Logger: logger})
	if err != nil {
		return WrapExitError(ExitCommandError, "open queue", err)
	}
	defer func() {
		if err := q.Close(); err != nil {
			logger.Error("queue: final flush failed", "error", err)
		}
	}()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "open store", err)
	}
	defer st.close()

	reg := breaker.NewRegistry()
	guard, remote := newGuard(cfg, st, reg, logger)

	var notifier relay.DeadLetterNotifier
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("fiscal-relay"),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			return WrapExitError(ExitCommandError, "connect nats", err)
		}
		defer nc.Drain()

		if _, err := relay.NewProcessor(q).Subscribe(nc, cfg.NATS.IngressSubject, cfg.NATS.QueueGroup); err != nil {
			return WrapExitError(ExitCommandError, "subscribe ingress", err)
		}
		notifier = relay.NewPublisher(nc, relay.SourceWorker)
		logger.Info("nats: connected",
			"url", cfg.NATS.URL,
			"subject", cfg.NATS.IngressSubject,
			"group", cfg.NATS.QueueGroup,
		)
	}

	var rec relay.Reconciler
	var scanner *relay.Scanner
	if cfg.Reconcile.Enabled {
		svc := newReconciler(cfg, st, guard, remote, logger)
		rec = svc
		scanner = relay.NewScanner(svc, cfg.Reconcile.FullInterval, cfg.Reconcile.QuickInterval, cfg.Reconcile.QuickLimit)
	}

	window := dedupe.New(cfg.Dedupe.TTL, dedupe.WithLogger(logger))
	worker := relay.NewWorker(q, window, relay.OrderRules{}, guard, notifier, relay.WorkerOptions{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logger,
	})

	router := chi.NewRouter()
	router.Mount("/api/v1", relay.NewHandler(q, reg, rec).Routes())
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	sweeping := cfg.Dedupe.SweepInterval > 0
	if sweeping {
		window.Start(gctx, cfg.Dedupe.SweepInterval)
	}
	worker.Start(gctx)
	if scanner != nil {
		scanner.Start(gctx)
	}

	g.Go(func() error {
		logger.Info("http: listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if cfg.Queue.FlushInterval > 0 {
		g.Go(func() error {
			flushLoop(gctx, cfg, q, st, logger)
			return nil
		})
	}

	err = g.Wait()
	logger.Info("relayd: shutting down")

	worker.Wait()
	if scanner != nil {
		scanner.Wait()
	}
	if sweeping {
		window.Wait()
	}
	if err := st.flush(); err != nil {
		logger.Error("store: flush on shutdown failed", "error", err)
	}

	if err != nil {
		return WrapExitError(ExitFailure, "serve", err)
	}
	logger.Info("relayd: stopped")
	return nil
}

// flushLoop retries failed queue and record writes until ctx is done.
func flushLoop(ctx context.Context, cfg *config.Config, q *queue.Queue, st *stores, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Queue.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Flush(); err != nil {
				logger.Warn("queue: flush failed", "error", err)
			}
			if err := st.flush(); err != nil {
				logger.Warn("store: flush failed", "error", err)
			}
		}
	}
}
