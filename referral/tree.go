/*
Package referral resolves sponsor chains and pays referral commissions.

PURPOSE:
  Each account may name a sponsor by referral code at signup. Those
  edges form a forest. This package walks it (upward for payouts,
  downward for reporting), turns a base amount into per-level payouts,
  and runs the enrollment flow that pays them.

KEY CONCEPTS:
  - Tree: bounded walks over the sponsor edges (tree.go)
  - RateTable: immutable snapshot of the level rates (calculator.go)
  - Calculate: pure payout computation (calculator.go)
  - Directory: signup and account settings (directory.go)
  - Enrollment: plan activation plus commission batch (enrollment.go)

DEPTH:
  Commission depth is capped at MaxDepth (5) no matter how long the real
  chain is. Level 1 is the direct sponsor.

CYCLES:
  The forest invariant is enforced at signup, but data can still be
  corrupted by hand. Both walks keep a visited set; on a revisit they
  log, count and stop, returning what they have. A cycle is never an
  error to the caller.

SEE ALSO:
  - wallet/ledger.go: BatchCredit used by Enrollment
*/
package referral

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/warp/commission-engine/metrics"
	"github.com/warp/commission-engine/wallet"
)

// MaxDepth is the deepest level that can earn commission.
const MaxDepth = 5

// ErrCycleDetected is logged when a walk revisits an account. It is
// never returned.
var ErrCycleDetected = errors.New("referral cycle detected")

// =============================================================================
// STORE
// =============================================================================

// Store is the read side of the sponsor edges.
type Store interface {
	GetAccount(ctx context.Context, id wallet.AccountID) (*wallet.Account, error)

	// GetAccountByReferralCode returns nil, nil for unknown codes.
	GetAccountByReferralCode(ctx context.Context, code string) (*wallet.Account, error)

	// ListReferrals returns accounts whose ReferredBy is one of codes.
	ListReferrals(ctx context.Context, codes []string) ([]wallet.Account, error)
}

// =============================================================================
// RESULT TYPES
// =============================================================================

// Ancestor is one sponsor above the starting account.
type Ancestor struct {
	Level   int
	Account wallet.Account
}

// Chain is the result of Ancestors, ordered by level.
type Chain struct {
	AccountID     wallet.AccountID
	Ancestors     []Ancestor
	CycleDetected bool
}

// Len returns the number of resolved ancestors.
func (c Chain) Len() int {
	return len(c.Ancestors)
}

// Node is one account below the starting account.
type Node struct {
	Level            int
	AccountID        wallet.AccountID
	ReferralCode     string
	SponsorCode      string
	MembershipPlan   string
	MembershipStatus wallet.MembershipStatus
	CreatedAt        time.Time
}

// =============================================================================
// TREE
// =============================================================================

type Tree struct {
	store    Store
	logger   *zap.Logger
	maxDepth int
}

func NewTree(store Store, logger *zap.Logger) *Tree {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tree{store: store, logger: logger, maxDepth: MaxDepth}
}

// Ancestors follows referredBy one level at a time, at most MaxDepth
// levels. Roots and unknown sponsor codes yield an empty chain.
func (t *Tree) Ancestors(ctx context.Context, id wallet.AccountID) (Chain, error) {
	acc, err := t.store.GetAccount(ctx, id)
	if err != nil {
		return Chain{}, err
	}

	chain := Chain{AccountID: id}
	visited := map[wallet.AccountID]bool{acc.ID: true}
	current := acc

	for level := 1; level <= t.maxDepth && current.HasSponsor(); level++ {
		sponsor, err := t.store.GetAccountByReferralCode(ctx, current.ReferredBy)
		if err != nil {
			return Chain{}, fmt.Errorf("resolve sponsor %s: %w", current.ReferredBy, err)
		}
		if sponsor == nil {
			break
		}
		if visited[sponsor.ID] {
			t.cycle(id, sponsor.ID, level, "ancestors")
			chain.CycleDetected = true
			break
		}
		visited[sponsor.ID] = true
		chain.Ancestors = append(chain.Ancestors, Ancestor{Level: level, Account: *sponsor})
		current = sponsor
	}
	return chain, nil
}

// Downline walks breadth-first with one query per level.
func (t *Tree) Downline(ctx context.Context, id wallet.AccountID) ([]Node, error) {
	acc, err := t.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}

	var nodes []Node
	visited := map[wallet.AccountID]bool{acc.ID: true}
	frontier := []string{acc.ReferralCode}

	for level := 1; level <= t.maxDepth && len(frontier) > 0; level++ {
		children, err := t.store.ListReferrals(ctx, frontier)
		if err != nil {
			return nil, fmt.Errorf("list level %d referrals: %w", level, err)
		}

		var next []string
		for _, c := range children {
			if visited[c.ID] {
				t.cycle(id, c.ID, level, "downline")
				continue
			}
			visited[c.ID] = true
			nodes = append(nodes, Node{
				Level:            level,
				AccountID:        c.ID,
				ReferralCode:     c.ReferralCode,
				SponsorCode:      c.ReferredBy,
				MembershipPlan:   c.MembershipPlan,
				MembershipStatus: c.MembershipStatus,
				CreatedAt:        c.CreatedAt,
			})
			next = append(next, c.ReferralCode)
		}
		frontier = next
	}
	return nodes, nil
}

func (t *Tree) cycle(start, revisited wallet.AccountID, level int, walk string) {
	metrics.CycleDetections.Inc()
	t.logger.Warn("CycleDetected",
		zap.Error(ErrCycleDetected),
		zap.String("walk", walk),
		zap.String("account_id", string(start)),
		zap.String("revisited", string(revisited)),
		zap.Int("level", level))
}
