package feerouting

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mbd888/escrowd/internal/address"
	"github.com/mbd888/escrowd/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// manualTimers records scheduled callbacks so tests decide when they fire.
type manualTimers struct {
	mu     sync.Mutex
	funcs  []func()
	delays []time.Duration
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) stopper {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funcs = append(m.funcs, f)
	m.delays = append(m.delays, d)
	return nil
}

func (m *manualTimers) fireAll() {
	m.mu.Lock()
	funcs := m.funcs
	m.funcs = nil
	m.mu.Unlock()
	for _, f := range funcs {
		f()
	}
}

type recordingEmitter struct {
	mu        sync.Mutex
	routed    []string
	completed []string
}

func (r *recordingEmitter) EmitFeeRouted(ft *FeeTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, ft.ID)
}

func (r *recordingEmitter) EmitFeeCompleted(ft *FeeTransaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, ft.ID)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store     *MemoryStore
	config    *ConfigHolder
	timers    *manualTimers
	scheduler *Scheduler
	service   *Service
}

func newTestEnv(t *testing.T, store Store) *testEnv {
	t.Helper()
	mem, _ := store.(*MemoryStore)

	cfg, err := NewConfigHolder(DefaultRoutingConfig())
	require.NoError(t, err)

	timers := &manualTimers{}
	sched := NewScheduler(store)
	sched.afterFunc = timers.afterFunc

	svc := NewService(store, cfg, sched)
	svc.now = func() time.Time { return testNow }
	svc.allocator.now = svc.now

	return &testEnv{store: mem, config: cfg, timers: timers, scheduler: sched, service: svc}
}

func TestRouteFee_EmptyPoolScenario(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	ctx := context.Background()

	res, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-1", Amount: 5000, VendorID: "V1"})
	require.NoError(t, err)

	active, err := env.store.CountActiveWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	wallet, err := env.store.GetWallet(ctx, res.ShellWalletID)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), wallet.Balance)
	assert.True(t, address.IsLegacy(wallet.Address))
	require.NotNil(t, wallet.LastUsedAt)

	status, err := env.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), status.TotalFeesRouted)
	assert.Equal(t, int64(5000), status.FeesInMixing)
	assert.Equal(t, int64(0), status.FeesDispersed)
	assert.Equal(t, int64(1), status.ActiveWallets)

	require.Len(t, env.timers.delays, 1)
	assert.Equal(t, 60*time.Second, env.timers.delays[0])
	env.timers.fireAll()

	status, err = env.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.FeesInMixing)
	assert.Equal(t, int64(5000), status.FeesDispersed)
	assert.Equal(t, int64(1), status.TransactionCount)

	ft, err := env.service.TransactionStatus(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, FeeStatusCompleted, ft.Status)
	assert.True(t, address.IsSegwit(ft.DestinationAddress), "bad destination %q", ft.DestinationAddress)
	assert.NotNil(t, ft.CompletedAt)
}

func TestRouteFee_Validation(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	ctx := context.Background()

	_, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-1", Amount: 0})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-1", Amount: -10})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "  ", Amount: 10})
	assert.ErrorIs(t, err, ErrValidation)

	active, err := env.store.CountActiveWallets(ctx)
	require.NoError(t, err)
	assert.Zero(t, active, "rejected fees must not allocate wallets")
}

func TestRouteFee_DefaultsAndRandomRanges(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	ctx := context.Background()
	cfg := env.config.Get()

	for i := 0; i < 50; i++ {
		res, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-r", Amount: 1})
		require.NoError(t, err)

		ft, err := env.store.GetFeeTransaction(ctx, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, UnknownVendor, ft.VendorID)
		assert.GreaterOrEqual(t, ft.MixingRounds, cfg.MinMixingRounds)
		assert.LessOrEqual(t, ft.MixingRounds, cfg.MaxMixingRounds)
		assert.GreaterOrEqual(t, ft.DelayMinutes, cfg.MinDelayMinutes)
		assert.LessOrEqual(t, ft.DelayMinutes, cfg.MaxDelayMinutes)
		assert.Equal(t, testNow.Add(time.Duration(ft.DelayMinutes)*time.Minute), res.EstimatedCompletionTime)
		assert.Equal(t, testNow.Add(cfg.CompletionDelay()), ft.DueAt)
	}
}

func TestRouteFee_UniformBounds(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())

	env.service.intN = func(n int) int { return 0 }
	assert.Equal(t, 3, env.service.uniform(3, 7))

	env.service.intN = func(n int) int { return n - 1 }
	assert.Equal(t, 7, env.service.uniform(3, 7))
	assert.Equal(t, 5, env.service.uniform(5, 5))
}

func TestRouteFee_EmitsEvents(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	rec := &recordingEmitter{}
	env.service.WithEvents(rec)
	env.scheduler.WithEvents(rec)

	res, err := env.service.RouteFee(context.Background(), RouteFeeRequest{SourceTransactionID: "tx-e", Amount: 42})
	require.NoError(t, err)
	env.timers.fireAll()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{res.TransactionID}, rec.routed)
	assert.Equal(t, []string{res.TransactionID}, rec.completed)
}

func TestScheduler_DoubleFireMutatesOnce(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	ctx := context.Background()

	res, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-d", Amount: 10})
	require.NoError(t, err)

	ok, err := env.scheduler.Complete(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.True(t, ok)

	first, err := env.store.GetFeeTransaction(ctx, res.TransactionID)
	require.NoError(t, err)

	ok, err = env.scheduler.Complete(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.False(t, ok)

	// The scheduled timer firing afterwards is also a no-op.
	env.timers.fireAll()

	second, err := env.store.GetFeeTransaction(ctx, res.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestScheduler_NonPendingUntouched(t *testing.T) {
	store := NewMemoryStore()
	env := newTestEnv(t, store)
	ctx := context.Background()

	w := CreateShellWallet(testNow, env.config.Get())
	require.NoError(t, store.CreateWallet(ctx, w))
	require.NoError(t, store.CreateFeeTransaction(ctx, &FeeTransaction{
		ID: "fee_mixing", SourceTransactionID: "tx", Amount: 5, ShellWalletID: w.ID,
		Status: FeeStatusMixing, DueAt: testNow, CreatedAt: testNow, UpdatedAt: testNow,
	}))

	ok, err := env.scheduler.Complete(ctx, "fee_mixing")
	require.NoError(t, err)
	assert.False(t, ok)

	ft, err := store.GetFeeTransaction(ctx, "fee_mixing")
	require.NoError(t, err)
	assert.Equal(t, FeeStatusMixing, ft.Status)
	assert.Empty(t, ft.DestinationAddress)

	_, err = env.scheduler.Complete(ctx, "fee_missing")
	assert.ErrorIs(t, err, ErrFeeTransactionNotFound)
}

// brokenStore fails or panics on completion.
type brokenStore struct {
	*MemoryStore
	panicOnComplete bool
}

func (b *brokenStore) CompleteIfPending(ctx context.Context, id, destination string, completedAt time.Time) (bool, error) {
	if b.panicOnComplete {
		panic("store exploded")
	}
	return false, errors.New("connection reset")
}

func TestScheduler_FailureLeavesPending(t *testing.T) {
	for _, panics := range []bool{false, true} {
		store := &brokenStore{MemoryStore: NewMemoryStore(), panicOnComplete: panics}
		env := newTestEnv(t, store)
		env.scheduler.WithLogger(logging.Discard())
		ctx := context.Background()

		res, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-f", Amount: 10})
		require.NoError(t, err)

		assert.NotPanics(t, env.timers.fireAll)

		ft, err := store.GetFeeTransaction(ctx, res.TransactionID)
		require.NoError(t, err)
		assert.Equal(t, FeeStatusPending, ft.Status)
	}
}

func TestScheduler_RealTimerCompletes(t *testing.T) {
	store := NewMemoryStore()
	env := newTestEnv(t, store)
	env.scheduler.afterFunc = runtimeAfterFunc
	ctx := context.Background()

	res, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-t", Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, env.scheduler.Pending())
	env.scheduler.Schedule(res.TransactionID, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		ft, err := store.GetFeeTransaction(ctx, res.TransactionID)
		return err == nil && ft.Status == FeeStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	env.scheduler.Close()
	assert.Zero(t, env.scheduler.Pending())
}

func TestScheduler_CloseStopsTimers(t *testing.T) {
	sched := NewScheduler(NewMemoryStore())

	sched.Schedule("fee_a", time.Hour)
	sched.Schedule("fee_b", time.Hour)
	assert.Equal(t, 2, sched.Pending())

	sched.Close()
	assert.Zero(t, sched.Pending())

	sched.Schedule("fee_c", time.Millisecond)
	assert.Zero(t, sched.Pending())
}

func TestRecoveryTimer_SweepsOverdue(t *testing.T) {
	store := NewMemoryStore()
	env := newTestEnv(t, store)
	ctx := context.Background()

	w := CreateShellWallet(testNow, env.config.Get())
	require.NoError(t, store.CreateWallet(ctx, w))
	for _, ft := range []*FeeTransaction{
		{ID: "fee_overdue", DueAt: testNow.Add(-time.Minute), Status: FeeStatusPending},
		{ID: "fee_due_now", DueAt: testNow, Status: FeeStatusPending},
		{ID: "fee_future", DueAt: testNow.Add(time.Hour), Status: FeeStatusPending},
		{ID: "fee_done", DueAt: testNow.Add(-time.Hour), Status: FeeStatusCompleted},
	} {
		ft.SourceTransactionID = "tx"
		ft.Amount = 1
		ft.ShellWalletID = w.ID
		require.NoError(t, store.CreateFeeTransaction(ctx, ft))
	}

	timer := NewRecoveryTimer(env.scheduler, store, env.config, logging.Discard())
	timer.now = func() time.Time { return testNow }

	assert.Equal(t, 2, timer.Sweep(ctx))
	assert.Zero(t, timer.Sweep(ctx))

	for id, want := range map[string]FeeStatus{
		"fee_overdue": FeeStatusCompleted,
		"fee_due_now": FeeStatusCompleted,
		"fee_future":  FeeStatusPending,
	} {
		ft, err := store.GetFeeTransaction(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, ft.Status, id)
	}

	done, err := store.GetFeeTransaction(ctx, "fee_done")
	require.NoError(t, err)
	assert.Empty(t, done.DestinationAddress)
}

func TestRecoveryTimer_StartSweepsImmediately(t *testing.T) {
	store := NewMemoryStore()
	env := newTestEnv(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := CreateShellWallet(testNow, env.config.Get())
	require.NoError(t, store.CreateWallet(ctx, w))
	require.NoError(t, store.CreateFeeTransaction(ctx, &FeeTransaction{
		ID: "fee_restart", SourceTransactionID: "tx", Amount: 1, ShellWalletID: w.ID,
		Status: FeeStatusPending, DueAt: time.Now().Add(-time.Minute),
	}))

	timer := NewRecoveryTimer(env.scheduler, store, env.config, logging.Discard())
	go timer.Start(ctx)

	require.Eventually(t, func() bool {
		ft, err := store.GetFeeTransaction(ctx, "fee_restart")
		return err == nil && ft.Status == FeeStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, timer.Running())

	timer.Stop()
	cancel()
	require.Eventually(t, func() bool { return !timer.Running() }, 2*time.Second, 10*time.Millisecond)
}

func TestVendorSummary(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())
	ctx := context.Background()

	summary, err := env.service.VendorSummary(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, &VendorSummary{VendorID: "nobody"}, summary)

	_, err = env.service.VendorSummary(ctx, "")
	assert.ErrorIs(t, err, ErrValidation)

	for _, amt := range []int64{100, 250} {
		_, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-v", Amount: amt, VendorID: "V1"})
		require.NoError(t, err)
	}
	_, err = env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-v", Amount: 999, VendorID: "V2"})
	require.NoError(t, err)

	summary, err = env.service.VendorSummary(ctx, "V1")
	require.NoError(t, err)
	assert.Equal(t, int64(350), summary.TotalFees)
	assert.Equal(t, int64(2), summary.TransactionsCount)
	assert.Equal(t, testNow.UnixMilli(), summary.LastFeeTime)
}

func TestTransactionStatus_NotFound(t *testing.T) {
	env := newTestEnv(t, NewMemoryStore())

	_, err := env.service.TransactionStatus(context.Background(), "fee_missing")
	assert.ErrorIs(t, err, ErrFeeTransactionNotFound)

	_, err = env.service.TransactionStatus(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestAllocator_NeverReturnsInactiveOrFull(t *testing.T) {
	store := NewMemoryStore()
	cfg, err := NewConfigHolder(DefaultRoutingConfig())
	require.NoError(t, err)
	alloc := NewAllocator(store, cfg)
	ctx := context.Background()
	max := cfg.Get().MaxWalletBalance

	require.NoError(t, store.CreateWallet(ctx, &ShellWallet{ID: "sw_inactive", Address: address.Legacy(), IsActive: false}))
	require.NoError(t, store.CreateWallet(ctx, &ShellWallet{ID: "sw_full", Address: address.Legacy(), Balance: max, IsActive: true}))

	for i := 0; i < 5; i++ {
		w, err := alloc.GetAvailableWallet(ctx)
		require.NoError(t, err)
		assert.True(t, w.IsActive)
		assert.NotEqual(t, "sw_inactive", w.ID)
		assert.NotEqual(t, "sw_full", w.ID)
	}

	// The first fresh wallet is reused rather than creating more.
	active, err := store.CountActiveWallets(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
}

func TestAllocator_PrefersLowestBalance(t *testing.T) {
	store := NewMemoryStore()
	cfg, err := NewConfigHolder(DefaultRoutingConfig())
	require.NoError(t, err)
	alloc := NewAllocator(store, cfg)
	ctx := context.Background()

	require.NoError(t, store.CreateWallet(ctx, &ShellWallet{ID: "sw_busy", Address: address.Legacy(), Balance: 900, IsActive: true}))
	require.NoError(t, store.CreateWallet(ctx, &ShellWallet{ID: "sw_light", Address: address.Legacy(), Balance: 10, IsActive: true}))

	w, err := alloc.GetAvailableWallet(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sw_light", w.ID)
}

func TestCreateShellWallet_Pure(t *testing.T) {
	cfg := DefaultRoutingConfig()
	w := CreateShellWallet(testNow, cfg)

	assert.True(t, address.IsLegacy(w.Address))
	assert.True(t, w.IsActive)
	assert.Zero(t, w.Balance)
	assert.Nil(t, w.LastUsedAt)
	assert.Equal(t, testNow.Unix()/3600/24, w.CycleNumber)
	assert.NotEqual(t, w.ID, CreateShellWallet(testNow, cfg).ID)
}

// gatedStore holds the first two wallet reads until both have happened, so
// both callers see the same pre-allocation snapshot.
type gatedStore struct {
	*MemoryStore
	reads atomic.Int32
	gate  sync.WaitGroup
}

func (g *gatedStore) ListEligibleWallets(ctx context.Context, maxBalance int64) ([]*ShellWallet, error) {
	ws, err := g.MemoryStore.ListEligibleWallets(ctx, maxBalance)
	if g.reads.Add(1) <= 2 {
		g.gate.Done()
		g.gate.Wait()
	}
	return ws, err
}

func TestRouteFee_ConcurrentSoftOvershoot(t *testing.T) {
	store := &gatedStore{MemoryStore: NewMemoryStore()}
	store.gate.Add(2)
	env := newTestEnv(t, store)
	ctx := context.Background()
	max := env.config.Get().MaxWalletBalance

	require.NoError(t, store.CreateWallet(ctx, &ShellWallet{
		ID: "sw_edge", Address: address.Legacy(), Balance: max - 1, IsActive: true, CreatedAt: testNow,
	}))

	var wg sync.WaitGroup
	results := make([]*RouteResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-c", Amount: 500})
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, "sw_edge", results[0].ShellWalletID)
	assert.Equal(t, "sw_edge", results[1].ShellWalletID)

	w, err := store.GetWallet(ctx, "sw_edge")
	require.NoError(t, err)
	assert.Equal(t, max-1+1000, w.Balance, "both credits land; the cap is overshot, nothing is lost")

	status, err := env.service.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), status.TotalFeesRouted)
	assert.Equal(t, int64(1), status.ActiveWallets)

	// The next allocation rolls over to a fresh wallet.
	next, err := env.service.RouteFee(ctx, RouteFeeRequest{SourceTransactionID: "tx-c", Amount: 1})
	require.NoError(t, err)
	assert.NotEqual(t, "sw_edge", next.ShellWalletID)
}

func TestConfigHolder_Update(t *testing.T) {
	h, err := NewConfigHolder(DefaultRoutingConfig())
	require.NoError(t, err)

	rounds := 5
	cfg, err := h.Update(ConfigPatch{MinMixingRounds: &rounds})
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MinMixingRounds)
	assert.Equal(t, 7, cfg.MaxMixingRounds)
	assert.Equal(t, cfg, h.Get())

	tooMany := 9
	tooFew := 2
	_, err = h.Update(ConfigPatch{MinMixingRounds: &tooMany, MaxMixingRounds: &tooFew})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, 5, h.Get().MinMixingRounds, "invalid patch leaves config untouched")

	var zero int64
	_, err = h.Update(ConfigPatch{MaxWalletBalance: &zero})
	assert.ErrorIs(t, err, ErrValidation)

	hugeDelay, hugeMinutes := 10_000_000_000, 1<<40
	_, err = h.Update(ConfigPatch{CompletionDelaySeconds: &hugeDelay, MaxDelayMinutes: &hugeMinutes})
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, DefaultRoutingConfig().CompletionDelay(), h.Get().CompletionDelay())

	_, err = NewConfigHolder(RoutingConfig{})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestRoutingConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*RoutingConfig)
	}{
		{"rounds inverted", func(c *RoutingConfig) { c.MinMixingRounds = 8 }},
		{"delay inverted", func(c *RoutingConfig) { c.MinDelayMinutes = 500 }},
		{"zero delay", func(c *RoutingConfig) { c.MinDelayMinutes = 0 }},
		{"negative cap", func(c *RoutingConfig) { c.MaxWalletBalance = -1 }},
		{"zero cycle", func(c *RoutingConfig) { c.CycleIntervalHours = 0 }},
		{"zero completion delay", func(c *RoutingConfig) { c.CompletionDelaySeconds = 0 }},
		{"zero recovery interval", func(c *RoutingConfig) { c.RecoveryIntervalSeconds = 0 }},
		{"rounds beyond int32", func(c *RoutingConfig) { c.MaxMixingRounds = MaxConfigCount + 1 }},
		{"delay minutes overflow duration", func(c *RoutingConfig) { c.MaxDelayMinutes = 1 << 40 }},
		{"completion delay overflow", func(c *RoutingConfig) { c.CompletionDelaySeconds = 10_000_000_000 }},
		{"recovery interval overflow", func(c *RoutingConfig) { c.RecoveryIntervalSeconds = MaxConfigSeconds + 1 }},
		{"cycle beyond int32", func(c *RoutingConfig) { c.CycleIntervalHours = MaxConfigCount + 1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultRoutingConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrValidation)
		})
	}
	assert.NoError(t, DefaultRoutingConfig().Validate())

	edge := DefaultRoutingConfig()
	edge.MaxMixingRounds = MaxConfigCount
	edge.MaxDelayMinutes = MaxConfigDelayMinutes
	edge.CompletionDelaySeconds = MaxConfigSeconds
	edge.RecoveryIntervalSeconds = MaxConfigSeconds
	require.NoError(t, edge.Validate())
	assert.Positive(t, edge.CompletionDelay())
	assert.Positive(t, time.Duration(edge.MaxDelayMinutes)*time.Minute)
}

func TestFeeStatus_Buckets(t *testing.T) {
	assert.True(t, FeeStatusPending.InFlight())
	assert.True(t, FeeStatusMixing.InFlight())
	assert.True(t, FeeStatusCompleted.Settled())
	assert.True(t, FeeStatusDispersed.Settled())
	assert.False(t, FeeStatusPending.Settled())
}
