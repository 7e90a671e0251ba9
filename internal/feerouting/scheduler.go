package feerouting

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/traces"
)

// fireTimeout bounds one deferred completion attempt.
const fireTimeout = 30 * time.Second

type stopper interface {
	Stop() bool
}

// afterFunc matches time.AfterFunc.
type afterFunc func(d time.Duration, f func()) stopper

func runtimeAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Scheduler completes routed fees after a delay. Each Schedule call fires
// once; the pending check inside Complete makes repeated firing harmless.
type Scheduler struct {
	store     Store
	events    EventEmitter
	logger    *slog.Logger
	now       func() time.Time
	afterFunc afterFunc

	mu     sync.Mutex
	timers map[uint64]stopper
	seq    uint64
	closed bool
}

// NewScheduler creates a scheduler backed by runtime timers.
func NewScheduler(store Store) *Scheduler {
	return &Scheduler{
		store:     store,
		logger:    logging.Discard(),
		now:       time.Now,
		afterFunc: runtimeAfterFunc,
		timers:    make(map[uint64]stopper),
	}
}

// WithLogger sets the scheduler logger.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	s.logger = l
	return s
}

// WithEvents attaches a live event sink.
func (s *Scheduler) WithEvents(e EventEmitter) *Scheduler {
	s.events = e
	return s
}

// Schedule arranges for id to be completed after delay.
func (s *Scheduler) Schedule(id string, delay time.Duration) {
	s.mu.Lock()
	if s.closed {
		// Left pending; the recovery sweep picks it up after restart.
		s.mu.Unlock()
		return
	}
	s.seq++
	key := s.seq
	s.timers[key] = nil
	s.mu.Unlock()

	t := s.afterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, key)
		s.mu.Unlock()
		s.fire(id)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if t != nil {
			t.Stop()
		}
		delete(s.timers, key)
		return
	}
	if _, waiting := s.timers[key]; waiting {
		s.timers[key] = t
	}
}

// Pending returns the number of scheduled completions not yet fired.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Close stops every timer that has not fired. Their transactions stay
// pending with a DueAt in the past, so the next recovery sweep finishes
// them.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for key, t := range s.timers {
		if t != nil {
			t.Stop()
		}
		delete(s.timers, key)
	}
}

func (s *Scheduler) fire(id string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.MixingCompletionsTotal.WithLabelValues("failed").Inc()
			s.logger.Error("panic in fee completion", "feeTransactionId", id, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	if _, err := s.Complete(ctx, id); err != nil {
		// Not retried from here; the transaction stays pending.
		s.logger.Error("fee completion failed", "feeTransactionId", id, "error", err)
	}
}

// Complete moves a pending fee transaction to completed with a freshly
// generated destination address. It reports whether this call performed
// the transition; any state other than pending is left untouched.
func (s *Scheduler) Complete(ctx context.Context, id string) (bool, error) {
	ctx, span := traces.StartSpan(ctx, "feerouting.Complete", traces.FeeTransactionID(id))
	defer span.End()

	ft, err := s.store.GetFeeTransaction(ctx, id)
	if err != nil {
		metrics.MixingCompletionsTotal.WithLabelValues("failed").Inc()
		return false, traces.Fail(span, fmt.Errorf("failed to load fee transaction: %w", err), "get failed")
	}
	if ft.Status != FeeStatusPending {
		metrics.MixingCompletionsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}

	now := s.now()
	dest := address.Segwit()
	ok, err := s.store.CompleteIfPending(ctx, id, dest, now)
	if err != nil {
		metrics.MixingCompletionsTotal.WithLabelValues("failed").Inc()
		return false, traces.Fail(span, fmt.Errorf("failed to complete fee transaction: %w", err), "complete failed")
	}
	if !ok {
		// Lost the race to another completion.
		metrics.MixingCompletionsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}
	metrics.MixingCompletionsTotal.WithLabelValues("completed").Inc()

	ft.Status = FeeStatusCompleted
	ft.DestinationAddress = dest
	ft.CompletedAt = &now
	ft.UpdatedAt = now
	if s.events != nil {
		s.events.EmitFeeCompleted(ft)
	}
	s.logger.Info("fee transaction completed",
		"feeTransactionId", id, "walletId", ft.ShellWalletID, "amount", ft.Amount)
	return true, nil
}

// RecoveryTimer re-triggers pending fee transactions whose due time has
// passed, covering completions lost to a restart or a failed timer.
type RecoveryTimer struct {
	scheduler *Scheduler
	store     Store
	config    *ConfigHolder
	logger    *slog.Logger
	now       func() time.Time
	stop      chan struct{}
	running   atomic.Bool
}

const recoveryBatchSize = 100

// NewRecoveryTimer creates a recovery sweep timer.
func NewRecoveryTimer(scheduler *Scheduler, store Store, config *ConfigHolder, logger *slog.Logger) *RecoveryTimer {
	return &RecoveryTimer{
		scheduler: scheduler,
		store:     store,
		config:    config,
		logger:    logger,
		now:       time.Now,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *RecoveryTimer) Running() bool {
	return t.running.Load()
}

// Start sweeps once immediately, then on every recovery interval. Call in
// a goroutine.
func (t *RecoveryTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	t.safeSweep(ctx)

	interval := t.config.Get().RecoveryInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeSweep(ctx)
			if next := t.config.Get().RecoveryInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Stop signals the timer to stop.
func (t *RecoveryTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *RecoveryTimer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in fee recovery sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.Sweep(ctx)
}

// Sweep completes every overdue pending fee transaction and returns how
// many it completed.
func (t *RecoveryTimer) Sweep(ctx context.Context) int {
	due, err := t.store.ListDuePending(ctx, t.now(), recoveryBatchSize)
	if err != nil {
		t.logger.Warn("failed to list overdue fee transactions", "error", err)
		return 0
	}

	recovered := 0
	for _, ft := range due {
		ok, err := t.scheduler.Complete(ctx, ft.ID)
		if err != nil {
			t.logger.Warn("failed to recover fee transaction",
				"feeTransactionId", ft.ID,
				"error", err,
			)
			continue
		}
		if ok {
			recovered++
			metrics.MixingRecoveredTotal.Inc()
		}
	}
	if recovered > 0 {
		t.logger.Info("recovered overdue fee transactions", "count", recovered, "due", len(due))
	}
	return recovered
}
