// Package feerouting moves collected platform fees through a pool of shell
// wallets before settling each fee to a fresh destination address.
//
// A routed fee is recorded as a FeeTransaction in the pending state and
// credited to a shell wallet picked by the Allocator. The Scheduler later
// completes it exactly once:
//
//	pending ──► completed (destination address assigned)
//
// mixing and dispersed are reserved for multi-hop routing and are counted
// by the aggregates, but nothing produces them yet.
package feerouting

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrFeeTransactionNotFound = errors.New("fee transaction not found")
	ErrWalletNotFound         = errors.New("shell wallet not found")
)

// FeeStatus is the state of a FeeTransaction.
type FeeStatus string

const (
	FeeStatusPending   FeeStatus = "pending"
	FeeStatusMixing    FeeStatus = "mixing"
	FeeStatusCompleted FeeStatus = "completed"
	FeeStatusDispersed FeeStatus = "dispersed"
)

// InFlight reports whether the fee is still held in a shell wallet.
func (s FeeStatus) InFlight() bool {
	return s == FeeStatusPending || s == FeeStatusMixing
}

// Settled reports whether the fee has left the shell wallet pool.
func (s FeeStatus) Settled() bool {
	return s == FeeStatusCompleted || s == FeeStatusDispersed
}

// UnknownVendor is recorded when a fee arrives without a vendor.
const UnknownVendor = "unknown"

// ShellWallet is an intermediate holding account. Its balance only grows.
type ShellWallet struct {
	ID          string     `json:"id"`
	Address     string     `json:"address"`
	Balance     int64      `json:"balance"`
	IsActive    bool       `json:"isActive"`
	CycleNumber int64      `json:"cycleNumber"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastUsedAt  *time.Time `json:"lastUsedAt,omitempty"`
}

// FeeTransaction is one fee passing through a shell wallet.
type FeeTransaction struct {
	ID                  string     `json:"id"`
	SourceTransactionID string     `json:"sourceTransactionId"`
	VendorID            string     `json:"vendorId"`
	Amount              int64      `json:"amount"`
	ShellWalletID       string     `json:"shellWalletId"`
	Status              FeeStatus  `json:"status"`
	MixingRounds        int        `json:"mixingRounds"`
	DelayMinutes        int        `json:"delayMinutes"`
	DestinationAddress  string     `json:"destinationAddress,omitempty"`
	DueAt               time.Time  `json:"dueAt"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
	CompletedAt         *time.Time `json:"completedAt,omitempty"`
}

// Totals aggregates amounts over every fee transaction.
type Totals struct {
	TotalFeesRouted  int64 `json:"totalFeesRouted"`
	FeesInMixing     int64 `json:"feesInMixing"`
	FeesDispersed    int64 `json:"feesDispersed"`
	TransactionCount int64 `json:"transactionCount"`
}

// StatusReport is the response of GET /fee-routing/status.
type StatusReport struct {
	Totals
	ActiveWallets int64 `json:"activeWallets"`
}

// VendorSummary aggregates one vendor's fees. LastFeeTime is unix millis,
// zero when the vendor has no fees.
type VendorSummary struct {
	VendorID          string `json:"vendorId"`
	TotalFees         int64  `json:"totalFees"`
	TransactionsCount int64  `json:"transactionsCount"`
	LastFeeTime       int64  `json:"lastFeeTime"`
}

// RouteResult is returned by RouteFee. EstimatedCompletionTime is derived
// from DelayMinutes and is informational only.
type RouteResult struct {
	TransactionID           string    `json:"transactionId"`
	ShellWalletID           string    `json:"shellWalletId"`
	EstimatedCompletionTime time.Time `json:"estimatedCompletionTime"`
}

// RouteFeeRequest is the body of POST /fee-routing/route-fee.
type RouteFeeRequest struct {
	SourceTransactionID string `json:"sourceTransactionId"`
	Amount              int64  `json:"amount"`
	VendorID            string `json:"vendorId"`
}

// Store persists shell wallets and fee transactions.
type Store interface {
	CreateWallet(ctx context.Context, w *ShellWallet) error
	GetWallet(ctx context.Context, id string) (*ShellWallet, error)
	// ListEligibleWallets returns active wallets with balance below
	// maxBalance, lowest balance first.
	ListEligibleWallets(ctx context.Context, maxBalance int64) ([]*ShellWallet, error)
	// AddToBalance atomically adds amount to the wallet balance, stamps
	// LastUsedAt and returns the resulting balance.
	AddToBalance(ctx context.Context, walletID string, amount int64, usedAt time.Time) (int64, error)
	CountActiveWallets(ctx context.Context) (int64, error)

	CreateFeeTransaction(ctx context.Context, ft *FeeTransaction) error
	GetFeeTransaction(ctx context.Context, id string) (*FeeTransaction, error)
	// CompleteIfPending moves a pending fee transaction to completed. It
	// reports false, with no mutation, when the transaction is in any
	// other state.
	CompleteIfPending(ctx context.Context, id, destination string, completedAt time.Time) (bool, error)
	// ListDuePending returns pending fee transactions with DueAt at or
	// before the given time, oldest due first.
	ListDuePending(ctx context.Context, before time.Time, limit int) ([]*FeeTransaction, error)

	Totals(ctx context.Context) (*Totals, error)
	VendorSummary(ctx context.Context, vendorID string) (*VendorSummary, error)
}

// EventEmitter receives fee routing activity for live subscribers.
type EventEmitter interface {
	EmitFeeRouted(ft *FeeTransaction)
	EmitFeeCompleted(ft *FeeTransaction)
}

// RoutingConfig holds the tunables of the routing engine.
type RoutingConfig struct {
	MinMixingRounds         int   `json:"minMixingRounds"`
	MaxMixingRounds         int   `json:"maxMixingRounds"`
	MinDelayMinutes         int   `json:"minDelayMinutes"`
	MaxDelayMinutes         int   `json:"maxDelayMinutes"`
	MaxWalletBalance        int64 `json:"maxWalletBalance"`
	CycleIntervalHours      int   `json:"cycleIntervalHours"`
	CompletionDelaySeconds  int   `json:"completionDelaySeconds"`
	RecoveryIntervalSeconds int   `json:"recoveryIntervalSeconds"`
}

// DefaultRoutingConfig returns the built-in tunables.
func DefaultRoutingConfig() RoutingConfig {
	return RoutingConfig{
		MinMixingRounds:         3,
		MaxMixingRounds:         7,
		MinDelayMinutes:         10,
		MaxDelayMinutes:         120,
		MaxWalletBalance:        10_000_000,
		CycleIntervalHours:      24,
		CompletionDelaySeconds:  60,
		RecoveryIntervalSeconds: 30,
	}
}

// Upper bounds for RoutingConfig. Rounds and counts are stored as 32-bit
// integers; delays must convert to a time.Duration without overflow.
const (
	MaxConfigCount        = math.MaxInt32
	MaxConfigDelayMinutes = int(math.MaxInt64 / int64(time.Minute))
	MaxConfigSeconds      = math.MaxInt32
)

// Validate checks that every value is positive, bounded and every range
// ordered.
func (c RoutingConfig) Validate() error {
	switch {
	case c.MinMixingRounds <= 0 || c.MaxMixingRounds <= 0:
		return fmt.Errorf("%w: mixing rounds must be positive", ErrValidation)
	case c.MaxMixingRounds > MaxConfigCount:
		return fmt.Errorf("%w: maxMixingRounds exceeds %d", ErrValidation, MaxConfigCount)
	case c.MinMixingRounds > c.MaxMixingRounds:
		return fmt.Errorf("%w: minMixingRounds exceeds maxMixingRounds", ErrValidation)
	case c.MinDelayMinutes <= 0 || c.MaxDelayMinutes <= 0:
		return fmt.Errorf("%w: delay minutes must be positive", ErrValidation)
	case c.MaxDelayMinutes > MaxConfigDelayMinutes:
		return fmt.Errorf("%w: maxDelayMinutes exceeds %d", ErrValidation, MaxConfigDelayMinutes)
	case c.MinDelayMinutes > c.MaxDelayMinutes:
		return fmt.Errorf("%w: minDelayMinutes exceeds maxDelayMinutes", ErrValidation)
	case c.MaxWalletBalance <= 0:
		return fmt.Errorf("%w: maxWalletBalance must be positive", ErrValidation)
	case c.CycleIntervalHours <= 0 || c.CycleIntervalHours > MaxConfigCount:
		return fmt.Errorf("%w: cycleIntervalHours must be in 1..%d", ErrValidation, MaxConfigCount)
	case c.CompletionDelaySeconds <= 0 || c.CompletionDelaySeconds > MaxConfigSeconds:
		return fmt.Errorf("%w: completionDelaySeconds must be in 1..%d", ErrValidation, MaxConfigSeconds)
	case c.RecoveryIntervalSeconds <= 0 || c.RecoveryIntervalSeconds > MaxConfigSeconds:
		return fmt.Errorf("%w: recoveryIntervalSeconds must be in 1..%d", ErrValidation, MaxConfigSeconds)
	}
	return nil
}

// CompletionDelay is the operational delay before a routed fee completes.
func (c RoutingConfig) CompletionDelay() time.Duration {
	return time.Duration(c.CompletionDelaySeconds) * time.Second
}

// RecoveryInterval is the period of the overdue-fee sweep.
func (c RoutingConfig) RecoveryInterval() time.Duration {
	return time.Duration(c.RecoveryIntervalSeconds) * time.Second
}

// CycleNumber buckets t into cycles of CycleIntervalHours.
func (c RoutingConfig) CycleNumber(t time.Time) int64 {
	hours := t.Unix() / 3600
	return hours / int64(c.CycleIntervalHours)
}

// ConfigPatch carries a partial RoutingConfig update. Nil fields keep
// their current value.
type ConfigPatch struct {
	MinMixingRounds         *int   `json:"minMixingRounds"`
	MaxMixingRounds         *int   `json:"maxMixingRounds"`
	MinDelayMinutes         *int   `json:"minDelayMinutes"`
	MaxDelayMinutes         *int   `json:"maxDelayMinutes"`
	MaxWalletBalance        *int64 `json:"maxWalletBalance"`
	CycleIntervalHours      *int   `json:"cycleIntervalHours"`
	CompletionDelaySeconds  *int   `json:"completionDelaySeconds"`
	RecoveryIntervalSeconds *int   `json:"recoveryIntervalSeconds"`
}

// Apply returns c with the patch merged in.
func (p ConfigPatch) Apply(c RoutingConfig) RoutingConfig {
	setInt := func(dst *int, v *int) {
		if v != nil {
			*dst = *v
		}
	}
	setInt(&c.MinMixingRounds, p.MinMixingRounds)
	setInt(&c.MaxMixingRounds, p.MaxMixingRounds)
	setInt(&c.MinDelayMinutes, p.MinDelayMinutes)
	setInt(&c.MaxDelayMinutes, p.MaxDelayMinutes)
	if p.MaxWalletBalance != nil {
		c.MaxWalletBalance = *p.MaxWalletBalance
	}
	setInt(&c.CycleIntervalHours, p.CycleIntervalHours)
	setInt(&c.CompletionDelaySeconds, p.CompletionDelaySeconds)
	setInt(&c.RecoveryIntervalSeconds, p.RecoveryIntervalSeconds)
	return c
}

// ConfigHolder is the process-wide RoutingConfig. Readers get a snapshot;
// updates replace it whole.
type ConfigHolder struct {
	mu  sync.RWMutex
	cfg RoutingConfig
}

// NewConfigHolder validates cfg and wraps it.
func NewConfigHolder(cfg RoutingConfig) (*ConfigHolder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &ConfigHolder{cfg: cfg}, nil
}

// Get returns the current configuration.
func (h *ConfigHolder) Get() RoutingConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cfg
}

// Update merges patch into the current configuration. An invalid result
// leaves the configuration untouched.
func (h *ConfigHolder) Update(patch ConfigPatch) (RoutingConfig, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := patch.Apply(h.cfg)
	if err := next.Validate(); err != nil {
		return h.cfg, err
	}
	h.cfg = next
	return next, nil
}
