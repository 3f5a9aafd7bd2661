package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"creditscribe.org/internal/config"
	"creditscribe.org/internal/ledger"
	"creditscribe.org/internal/migrate"
	"creditscribe.org/internal/obs"
	"creditscribe.org/internal/store/mongo"
	"creditscribe.org/internal/store/pg"
	"creditscribe.org/internal/store/sqlite"
	"creditscribe.org/migrations"
)

// openStore opens the configured backend. Postgres is migrated to the
// latest embedded schema before use.
func openStore(ctx context.Context, cfg config.Store) (ledger.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		obs.Logger().Warn("using in-memory store; balances are lost on restart")
		return ledger.NewInMemory(), nil
	case config.DriverSQLite:
		return sqlite.New(cfg.DSN)
	case config.DriverMongo:
		return mongo.Open(ctx, cfg.DSN, cfg.Database)
	case config.DriverPostgres:
		store, err := pg.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		mgr := migrate.NewManager(store.DB(), migrations.Migrations(), migrations.Seeds())
		if err := mgr.Up(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		applied, _ := mgr.Status(ctx)
		obs.Logger().Info("postgres schema ready", zap.Strings("migrations", applied))
		drifts, err := mgr.Verify(ctx)
		if err != nil {
			obs.Logger().Warn("ledger verification failed", zap.Error(err))
		}
		for _, d := range drifts {
			obs.Logger().Error("account out of balance with history", zap.Stringer("drift", d))
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}
