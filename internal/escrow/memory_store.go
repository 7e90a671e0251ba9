package escrow

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is an in-memory escrow store used when no durable backend is
// configured.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	messages     map[string][]*Message
	feeSettings  []*FeeSettings
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*Transaction),
		messages:     make(map[string][]*Message),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions[tx.ID] = tx.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tx, ok := m.transactions[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	return tx.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.transactions[tx.ID]
	if !ok {
		return ErrTransactionNotFound
	}
	updated := tx.clone()
	// Addresses and creation data are immutable.
	updated.BuyerAddress = existing.BuyerAddress
	updated.SellerAddress = existing.SellerAddress
	updated.EscrowAddress = existing.EscrowAddress
	updated.CreatedAt = existing.CreatedAt
	m.transactions[tx.ID] = updated
	return nil
}

func (m *MemoryStore) List(ctx context.Context, userID string) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := []*Transaction{}
	for _, tx := range m.transactions {
		if userID == "" || tx.Involves(userID) {
			result = append(result, tx.clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (m *MemoryStore) AddMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.transactions[msg.TransactionID]; !ok {
		return ErrTransactionNotFound
	}
	cp := *msg
	m.messages[msg.TransactionID] = append(m.messages[msg.TransactionID], &cp)
	return nil
}

func (m *MemoryStore) MessagesFor(ctx context.Context, transactionIDs []string) (map[string][]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string][]*Message, len(transactionIDs))
	for _, id := range transactionIDs {
		thread := m.messages[id]
		out := make([]*Message, len(thread))
		for i, msg := range thread {
			cp := *msg
			out[i] = &cp
		}
		result[id] = out
	}
	return result, nil
}

func (m *MemoryStore) LatestFeeSettings(ctx context.Context) (*FeeSettings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.feeSettings) == 0 {
		return nil, ErrFeeSettingsNotFound
	}
	cp := *m.feeSettings[len(m.feeSettings)-1]
	return &cp, nil
}

func (m *MemoryStore) AddFeeSettings(ctx context.Context, fs *FeeSettings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *fs
	m.feeSettings = append(m.feeSettings, &cp)
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
