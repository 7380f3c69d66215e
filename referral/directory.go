package referral

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/wallet"
)

// ReferralCodeLength is the length of generated referral codes.
const ReferralCodeLength = 8

// ErrReferralCodeTaken is returned by CreateAccount when a generated code
// collides with an existing one.
var ErrReferralCodeTaken = errors.New("referral code already taken")

// DirectoryStore creates accounts and updates their settings.
type DirectoryStore interface {
	Store
	CreateAccount(ctx context.Context, acc wallet.Account) error
	// UpdateAccountSettings writes TasksEnabled, Country and
	// MinimumWithdrawal only.
	UpdateAccountSettings(ctx context.Context, acc wallet.Account) error
	ListAccounts(ctx context.Context) ([]wallet.Account, error)
}

// SignupInput is a new member. SponsorCode may be empty.
type SignupInput struct {
	SponsorCode string
	Country     string
}

// Settings is a partial update; nil fields are left alone.
type Settings struct {
	TasksEnabled           *bool
	Country                *string
	MinimumWithdrawal      *decimal.Decimal
	ClearMinimumWithdrawal bool
}

// Directory owns account creation so referral codes stay unique and
// sponsor edges always point at an existing account.
type Directory struct {
	store  DirectoryStore
	logger *zap.Logger
	now    func() time.Time
}

func NewDirectory(store DirectoryStore, logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{store: store, logger: logger, now: time.Now}
}

// NewReferralCode returns 8 upper-case alphanumerics.
func NewReferralCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return strings.ToUpper(raw[:ReferralCodeLength])
}

// NormalizeCode trims and upper-cases a referral code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Signup creates an INACTIVE account. An unknown sponsor code is
// treated as no sponsor.
func (d *Directory) Signup(ctx context.Context, in SignupInput) (*wallet.Account, error) {
	var referredBy string
	if code := NormalizeCode(in.SponsorCode); code != "" {
		sponsor, err := d.store.GetAccountByReferralCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("resolve sponsor: %w", err)
		}
		if sponsor != nil {
			referredBy = sponsor.ReferralCode
		} else {
			d.logger.Info("unknown sponsor code at signup, creating root account",
				zap.String("sponsor_code", code))
		}
	}

	now := d.now().UTC()
	acc := wallet.Account{
		ID:                  wallet.AccountID(uuid.NewString()),
		ReferredBy:          referredBy,
		Balance:             decimal.Zero,
		AvailableVoucherPKR: decimal.Zero,
		MembershipStatus:    wallet.MembershipInactive,
		Country:             strings.ToUpper(strings.TrimSpace(in.Country)),
		TasksEnabled:        true,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	const attempts = 5
	for i := 0; i < attempts; i++ {
		acc.ReferralCode = NewReferralCode()
		err := d.store.CreateAccount(ctx, acc)
		if err == nil {
			return &acc, nil
		}
		if !errors.Is(err, ErrReferralCodeTaken) {
			return nil, fmt.Errorf("create account: %w", err)
		}
	}
	return nil, fmt.Errorf("create account: %w after %d attempts", ErrReferralCodeTaken, attempts)
}

// UpdateSettings applies s to the account.
func (d *Directory) UpdateSettings(ctx context.Context, id wallet.AccountID, s Settings) (*wallet.Account, error) {
	acc, err := d.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.TasksEnabled != nil {
		acc.TasksEnabled = *s.TasksEnabled
	}
	if s.Country != nil {
		acc.Country = strings.ToUpper(strings.TrimSpace(*s.Country))
	}
	switch {
	case s.ClearMinimumWithdrawal:
		acc.MinimumWithdrawal = nil
	case s.MinimumWithdrawal != nil:
		if s.MinimumWithdrawal.IsNegative() {
			return nil, wallet.ErrInvalidAmount
		}
		m := *s.MinimumWithdrawal
		acc.MinimumWithdrawal = &m
	}
	acc.UpdatedAt = d.now().UTC()

	if err := d.store.UpdateAccountSettings(ctx, *acc); err != nil {
		return nil, fmt.Errorf("update settings: %w", err)
	}
	return acc, nil
}

func (d *Directory) Get(ctx context.Context, id wallet.AccountID) (*wallet.Account, error) {
	return d.store.GetAccount(ctx, id)
}

func (d *Directory) List(ctx context.Context) ([]wallet.Account, error) {
	return d.store.ListAccounts(ctx)
}
