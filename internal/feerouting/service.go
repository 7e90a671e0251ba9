package feerouting

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
	"github.com/mbd888/escrowd/internal/validation"
)

// Service routes fees into shell wallets and reports on them.
type Service struct {
	store     Store
	allocator *Allocator
	scheduler *Scheduler
	config    *ConfigHolder
	events    EventEmitter
	logger    *slog.Logger
	now       func() time.Time
	intN      func(n int) int
}

// NewService creates a fee routing service.
func NewService(store Store, config *ConfigHolder, scheduler *Scheduler) *Service {
	return &Service{
		store:     store,
		allocator: NewAllocator(store, config),
		scheduler: scheduler,
		config:    config,
		logger:    logging.Discard(),
		now:       time.Now,
		intN:      rand.IntN,
	}
}

// WithEvents attaches a live event sink.
func (s *Service) WithEvents(e EventEmitter) *Service {
	s.events = e
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	s.allocator.WithLogger(l)
	return s
}

// uniform draws from [lo, hi].
func (s *Service) uniform(lo, hi int) int {
	return lo + s.intN(hi-lo+1)
}

// RouteFee records a fee against a shell wallet and schedules its
// completion.
func (s *Service) RouteFee(ctx context.Context, req RouteFeeRequest) (*RouteResult, error) {
	source := strings.TrimSpace(req.SourceTransactionID)
	if errs := validation.Validate(
		validation.Required("sourceTransactionId", source),
		validation.PositiveAmount("amount", req.Amount),
	); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrValidation, errs.Error())
	}
	vendor := strings.TrimSpace(req.VendorID)
	if vendor == "" {
		vendor = UnknownVendor
	}

	ctx, span := traces.StartSpan(ctx, "feerouting.RouteFee",
		traces.SourceTransactionID(source), traces.VendorID(vendor), traces.Amount(req.Amount))
	defer span.End()

	cfg := s.config.Get()
	wallet, err := s.allocator.GetAvailableWallet(ctx)
	if err != nil {
		return nil, traces.Fail(span, err, "wallet allocation failed")
	}

	now := s.now()
	ft := &FeeTransaction{
		ID:                  idgen.WithPrefix("fee_"),
		SourceTransactionID: source,
		VendorID:            vendor,
		Amount:              req.Amount,
		ShellWalletID:       wallet.ID,
		Status:              FeeStatusPending,
		MixingRounds:        s.uniform(cfg.MinMixingRounds, cfg.MaxMixingRounds),
		DelayMinutes:        s.uniform(cfg.MinDelayMinutes, cfg.MaxDelayMinutes),
		DueAt:               now.Add(cfg.CompletionDelay()),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.store.CreateFeeTransaction(ctx, ft); err != nil {
		return nil, traces.Fail(span, fmt.Errorf("failed to create fee transaction: %w", err), "store create failed")
	}

	// Not atomic with the insert above. On failure the fee transaction
	// still completes through the recovery sweep.
	balance, err := s.store.AddToBalance(ctx, wallet.ID, req.Amount, now)
	if err != nil {
		return nil, traces.Fail(span, fmt.Errorf("failed to credit shell wallet: %w", err), "balance update failed")
	}
	if balance > cfg.MaxWalletBalance {
		metrics.WalletCapOvershootTotal.Inc()
		s.logger.Warn("shell wallet above balance cap",
			"walletId", wallet.ID, "balance", balance, "cap", cfg.MaxWalletBalance)
	}

	s.scheduler.Schedule(ft.ID, cfg.CompletionDelay())

	metrics.FeesRoutedTotal.Inc()
	metrics.FeeAmountRoutedTotal.Add(float64(req.Amount))
	if s.events != nil {
		s.events.EmitFeeRouted(ft)
	}
	logging.L(ctx).Info("fee routed",
		"feeTransactionId", ft.ID,
		"source", source,
		"vendor", vendor,
		"walletId", wallet.ID,
		"amount", req.Amount,
	)

	return &RouteResult{
		TransactionID:           ft.ID,
		ShellWalletID:           wallet.ID,
		EstimatedCompletionTime: now.Add(time.Duration(ft.DelayMinutes) * time.Minute),
	}, nil
}

// Status aggregates every fee transaction and counts active wallets.
func (s *Service) Status(ctx context.Context) (*StatusReport, error) {
	totals, err := s.store.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate fee transactions: %w", err)
	}
	active, err := s.store.CountActiveWallets(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count shell wallets: %w", err)
	}
	return &StatusReport{Totals: *totals, ActiveWallets: active}, nil
}

// TransactionStatus returns one fee transaction.
func (s *Service) TransactionStatus(ctx context.Context, id string) (*FeeTransaction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: transactionId is required", ErrValidation)
	}
	return s.store.GetFeeTransaction(ctx, id)
}

// VendorSummary aggregates one vendor's fees. A vendor without fees gets a
// zero summary.
func (s *Service) VendorSummary(ctx context.Context, vendorID string) (*VendorSummary, error) {
	vendorID = strings.TrimSpace(vendorID)
	if vendorID == "" {
		return nil, fmt.Errorf("%w: vendorId is required", ErrValidation)
	}
	summary, err := s.store.VendorSummary(ctx, vendorID)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize vendor fees: %w", err)
	}
	return summary, nil
}

// Config returns the routing configuration in force.
func (s *Service) Config() RoutingConfig {
	return s.config.Get()
}

// UpdateConfig merges patch into the routing configuration.
func (s *Service) UpdateConfig(ctx context.Context, patch ConfigPatch) (RoutingConfig, error) {
	cfg, err := s.config.Update(patch)
	if err != nil {
		return cfg, err
	}
	logging.L(ctx).Info("routing config updated",
		"mixingRounds", fmt.Sprintf("%d-%d", cfg.MinMixingRounds, cfg.MaxMixingRounds),
		"delayMinutes", fmt.Sprintf("%d-%d", cfg.MinDelayMinutes, cfg.MaxDelayMinutes),
		"maxWalletBalance", cfg.MaxWalletBalance,
	)
	return cfg, nil
}
