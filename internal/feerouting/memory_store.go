package feerouting

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory fee routing store used when no durable
// backend is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*ShellWallet
	fees    map[string]*FeeTransaction
}

// NewMemoryStore creates a new in-memory fee routing store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*ShellWallet),
		fees:    make(map[string]*FeeTransaction),
	}
}

func copyWallet(w *ShellWallet) *ShellWallet {
	cp := *w
	if w.LastUsedAt != nil {
		v := *w.LastUsedAt
		cp.LastUsedAt = &v
	}
	return &cp
}

func copyFee(ft *FeeTransaction) *FeeTransaction {
	cp := *ft
	if ft.CompletedAt != nil {
		v := *ft.CompletedAt
		cp.CompletedAt = &v
	}
	return &cp
}

func (m *MemoryStore) CreateWallet(ctx context.Context, w *ShellWallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallets[w.ID] = copyWallet(w)
	return nil
}

func (m *MemoryStore) GetWallet(ctx context.Context, id string) (*ShellWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return copyWallet(w), nil
}

func (m *MemoryStore) ListEligibleWallets(ctx context.Context, maxBalance int64) ([]*ShellWallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*ShellWallet{}
	for _, w := range m.wallets {
		if w.IsActive && w.Balance < maxBalance {
			result = append(result, copyWallet(w))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Balance != result[j].Balance {
			return result[i].Balance < result[j].Balance
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AddToBalance(ctx context.Context, walletID string, amount int64, usedAt time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return 0, ErrWalletNotFound
	}
	w.Balance += amount
	t := usedAt
	w.LastUsedAt = &t
	return w.Balance, nil
}

func (m *MemoryStore) CountActiveWallets(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n int64
	for _, w := range m.wallets {
		if w.IsActive {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateFeeTransaction(ctx context.Context, ft *FeeTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.wallets[ft.ShellWalletID]; !ok {
		return ErrWalletNotFound
	}
	m.fees[ft.ID] = copyFee(ft)
	return nil
}

func (m *MemoryStore) GetFeeTransaction(ctx context.Context, id string) (*FeeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ft, ok := m.fees[id]
	if !ok {
		return nil, ErrFeeTransactionNotFound
	}
	return copyFee(ft), nil
}

func (m *MemoryStore) CompleteIfPending(ctx context.Context, id, destination string, completedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ft, ok := m.fees[id]
	if !ok {
		return false, ErrFeeTransactionNotFound
	}
	if ft.Status != FeeStatusPending {
		return false, nil
	}
	t := completedAt
	ft.Status = FeeStatusCompleted
	ft.DestinationAddress = destination
	ft.CompletedAt = &t
	ft.UpdatedAt = completedAt
	return true, nil
}

func (m *MemoryStore) ListDuePending(ctx context.Context, before time.Time, limit int) ([]*FeeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*FeeTransaction{}
	for _, ft := range m.fees {
		if ft.Status == FeeStatusPending && !ft.DueAt.After(before) {
			result = append(result, copyFee(ft))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(result[j].DueAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) Totals(ctx context.Context) (*Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t := &Totals{}
	for _, ft := range m.fees {
		t.TotalFeesRouted += ft.Amount
		t.TransactionCount++
		switch {
		case ft.Status.InFlight():
			t.FeesInMixing += ft.Amount
		case ft.Status.Settled():
			t.FeesDispersed += ft.Amount
		}
	}
	return t, nil
}

func (m *MemoryStore) VendorSummary(ctx context.Context, vendorID string) (*VendorSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := &VendorSummary{VendorID: vendorID}
	var last time.Time
	for _, ft := range m.fees {
		if ft.VendorID != vendorID {
			continue
		}
		summary.TotalFees += ft.Amount
		summary.TransactionsCount++
		if ft.CreatedAt.After(last) {
			last = ft.CreatedAt
		}
	}
	if !last.IsZero() {
		summary.LastFeeTime = last.UnixMilli()
	}
	return summary, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
