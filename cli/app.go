package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/api"
	"github.com/warp/commission-engine/config"
	"github.com/warp/commission-engine/logging"
	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/store/postgres"
	"github.com/warp/commission-engine/store/sqlite"
	"github.com/warp/commission-engine/wallet"
)

// app holds the wired dependencies shared by every command.
type app struct {
	cfg        config.Config
	logger     *zap.Logger
	store      storeCloser
	dispatcher *notify.Dispatcher
	redis      *redis.Client
	ledger     *wallet.Ledger
	services   api.Services
}

type storeCloser interface {
	api.Store
	Close() error
}

// newApp loads configuration and builds the engine. The caller must
// call close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := logging.New(cfg.IsProduction(), cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	var sink notify.Sink = notify.LogSink{Logger: logger.Named("events")}
	if cfg.Redis.Addr != "" {
		a.redis = notify.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		sink = notify.MultiSink{sink, notify.NewRedisSink(a.redis, cfg.Redis.Channel)}
		logger.Info("publishing ledger events to redis",
			zap.String("addr", cfg.Redis.Addr),
			zap.String("channel", cfg.Redis.Channel))
	}
	a.dispatcher = notify.NewDispatcher(sink, cfg.Engine.NotifyQueueSize, logger.Named("notify"))
	a.dispatcher.Start()

	a.ledger = wallet.NewLedger(store,
		wallet.WithNotifier(a.dispatcher),
		wallet.WithLogger(logger.Named("ledger")),
		wallet.WithRetryPolicy(wallet.RetryPolicy{
			Attempts: cfg.Engine.RetryAttempts,
			Backoff:  cfg.Engine.RetryBackoff.Duration,
		}))

	a.services = api.NewServices(store, a.ledger, api.Options{
		Logger:                   logger,
		BlockedCountries:         cfg.Engine.BlockedCountries,
		DefaultMinimumWithdrawal: decimal.NewFromInt(cfg.Engine.DefaultMinimumWithdrawal),
		Vouchers:                 cfg.VoucherAmounts(),
		TaskRewardCommission:     cfg.Engine.TaskRewardCommission,
	})
	return a, nil
}

func openStore(ctx context.Context, db config.DatabaseConfig) (storeCloser, error) {
	switch db.Driver {
	case "postgres":
		s, err := postgres.New(ctx, db.URL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.New(db.URL)
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", db.URL, err)
		}
		return s, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", db.Driver)
}

// close drains pending events before the store goes away.
func (a *app) close() error {
	a.dispatcher.Close()
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	errs = append(errs, a.store.Close())
	a.logger.Sync()
	return errors.Join(errs...)
}
