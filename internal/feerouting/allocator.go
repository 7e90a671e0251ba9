package feerouting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
)

// Allocator hands out shell wallets with room under the balance cap.
//
// Selection reads the pool and then, if nothing qualifies, creates a new
// wallet. Two concurrent callers may pick the same wallet and push it past
// the cap; the next allocation then rolls over to another wallet.
type Allocator struct {
	store  Store
	config *ConfigHolder
	logger *slog.Logger
	now    func() time.Time
}

// NewAllocator creates a wallet allocator.
func NewAllocator(store Store, config *ConfigHolder) *Allocator {
	return &Allocator{
		store:  store,
		config: config,
		logger: logging.Discard(),
		now:    time.Now,
	}
}

// WithLogger sets the allocator logger.
func (a *Allocator) WithLogger(l *slog.Logger) *Allocator {
	a.logger = l
	return a
}

// GetAvailableWallet returns the least-filled active wallet under the cap,
// creating and persisting a fresh one when the pool has none.
func (a *Allocator) GetAvailableWallet(ctx context.Context) (*ShellWallet, error) {
	cfg := a.config.Get()

	wallets, err := a.store.ListEligibleWallets(ctx, cfg.MaxWalletBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to list shell wallets: %w", err)
	}
	for _, w := range wallets {
		if w.IsActive && w.Balance < cfg.MaxWalletBalance {
			return w, nil
		}
	}

	w := CreateShellWallet(a.now(), cfg)
	if err := a.store.CreateWallet(ctx, w); err != nil {
		return nil, fmt.Errorf("failed to create shell wallet: %w", err)
	}
	metrics.ShellWalletsCreatedTotal.Inc()
	a.logger.Info("shell wallet created", "walletId", w.ID, "cycle", w.CycleNumber)
	return w, nil
}

// CreateShellWallet builds an empty active wallet. It does not persist it.
func CreateShellWallet(now time.Time, cfg RoutingConfig) *ShellWallet {
	return &ShellWallet{
		ID:          idgen.WithPrefix("sw_"),
		Address:     address.Legacy(),
		IsActive:    true,
		CycleNumber: cfg.CycleNumber(now),
		CreatedAt:   now,
	}
}
