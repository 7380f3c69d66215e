package api

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/plans"
	"github.com/warp/commission-engine/referral"
	"github.com/warp/commission-engine/tasks"
	"github.com/warp/commission-engine/voucher"
	"github.com/warp/commission-engine/wallet"
	"github.com/warp/commission-engine/withdrawal"
)

// Store is the full persistence surface the API serves from. Both
// store/sqlite and store/postgres implement it.
type Store interface {
	wallet.TxStore
	wallet.AuditStore
	referral.DirectoryStore
	referral.RateStore
	plans.Store
	tasks.CatalogStore
	withdrawal.Lister
	voucher.Store

	Ping(ctx context.Context) error
	// Reset deletes every row. Scenarios only.
	Reset(ctx context.Context) error
}

// Services is the engine assembled over one store and one ledger.
type Services struct {
	Store       Store
	Ledger      *wallet.Ledger
	Directory   *referral.Directory
	Tree        *referral.Tree
	Enrollment  *referral.Enrollment
	Plans       *plans.Registry
	Tasks       *tasks.Engine
	Withdrawals *withdrawal.Service
	Vouchers    *voucher.Service
}

// Options tunes NewServices. The zero value is usable.
type Options struct {
	Logger                   *zap.Logger
	BlockedCountries         []string
	DefaultMinimumWithdrawal decimal.Decimal
	// Vouchers are config-provisioned codes; the vouchers table is
	// consulted after them.
	Vouchers             map[string]decimal.Decimal
	TaskRewardCommission bool
	Clock                func() time.Time
}

// NewServices wires every service over store and ledger.
func NewServices(store Store, ledger *wallet.Ledger, opts Options) Services {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := plans.NewRegistry(store)
	tree := referral.NewTree(store, logger.Named("referral"))
	enrollment := referral.NewEnrollment(ledger, tree, registry, store, logger.Named("enrollment"))

	taskOpts := []tasks.Option{
		tasks.WithBlockedCountries(opts.BlockedCountries),
		tasks.WithLogger(logger.Named("tasks")),
	}
	if opts.Clock != nil {
		taskOpts = append(taskOpts, tasks.WithClock(opts.Clock))
	}
	if opts.TaskRewardCommission {
		taskOpts = append(taskOpts, tasks.WithUplineCommission(enrollment))
	}

	withdrawals := withdrawal.NewService(ledger, registry, store, logger.Named("withdrawal"))
	withdrawals.SetDefaultMinimum(opts.DefaultMinimumWithdrawal)

	allow := voucher.ChainAllowList{
		voucher.StaticAllowList(opts.Vouchers),
		voucher.StoreAllowList{Store: store},
	}

	return Services{
		Store:       store,
		Ledger:      ledger,
		Directory:   referral.NewDirectory(store, logger.Named("directory")),
		Tree:        tree,
		Enrollment:  enrollment,
		Plans:       registry,
		Tasks:       tasks.NewEngine(ledger, registry, store, taskOpts...),
		Withdrawals: withdrawals,
		Vouchers:    voucher.NewService(ledger, allow, store, logger.Named("voucher")),
	}
}
