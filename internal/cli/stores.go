package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	relay "github.com/DarlingtonDeveloper/fiscal-relay"
	"github.com/DarlingtonDeveloper/fiscal-relay/breaker"
	"github.com/DarlingtonDeveloper/fiscal-relay/config"
	"github.com/DarlingtonDeveloper/fiscal-relay/idempotency"
	"github.com/DarlingtonDeveloper/fiscal-relay/reconcile"
)

// remoteBreaker names the breaker guarding the fiscal API.
const remoteBreaker = "fiscal-api"

// stores bundles the record cache and the discrepancy store for the
// configured driver.
type stores struct {
	records       idempotency.Store
	discrepancies reconcile.Store
	flush         func() error
	close         func()
}

// openStores opens the file driver (records on disk, discrepancies in
// memory) or the postgres driver (both in Postgres, schema migrated).
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*stores, error) {
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := relay.NewStore(pool)
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("store: using postgres")
		return &stores{
			records:       s,
			discrepancies: s,
			flush:         func() error { return nil },
			close:         pool.Close,
		}, nil

	default:
		fs, err := idempotency.OpenFileStore(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store: using file records, discrepancies kept in memory", "path", cfg.Store.Path)
		return &stores{
			records:       fs,
			discrepancies: reconcile.NewMemoryStore(),
			flush:         fs.Flush,
			close: func() {
				if err := fs.Close(); err != nil {
					logger.Error("store: final flush failed", "error", err)
				}
			},
		}, nil
	}
}

// newGuard wires the fiscal API client behind its breaker and retry policy.
func newGuard(cfg *config.Config, st *stores, reg *breaker.Registry, logger *slog.Logger) (*idempotency.Guard, *relay.RemoteClient) {
	remote := relay.NewRemoteClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, cfg.Remote.Timeout)
	b := reg.Register(breaker.New(cfg.BreakerSettings(remoteBreaker)))
	guard := idempotency.NewGuard(st.records, remote, b, cfg.Retry, idempotency.WithLogger(logger))
	return guard, remote
}

func newReconciler(cfg *config.Config, st *stores, guard *idempotency.Guard, remote *relay.RemoteClient, logger *slog.Logger) *reconcile.Service {
	return reconcile.New(st.records, guard, st.discrepancies, reconcile.Options{
		CallDelay:  cfg.Reconcile.CallDelay,
		QuickLimit: cfg.Reconcile.QuickLimit,
		Lookback:   cfg.Reconcile.Lookback,
		Lister:     remote,
		Logger:     logger,
	})
}
