package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/remsettle/internal/adapters/storage"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ledger"
	"github.com/alejandrodnm/remsettle/internal/resolution"
	"github.com/alejandrodnm/remsettle/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- mocks ---

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type mockTransfer struct {
	mu      sync.Mutex
	failFor map[string]int  // idempotency key → fallos restantes
	reject  map[string]bool // cuentas sin fondos
	calls   []string
	keys    map[string]bool
}

func newMockTransfer() *mockTransfer {
	return &mockTransfer{failFor: map[string]int{}, reject: map[string]bool{}, keys: map[string]bool{}}
}

func (m *mockTransfer) do(kind, account string, amount int64, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf("%s:%s:%d", kind, account, amount))
	if m.reject[account] {
		return "", fmt.Errorf("402 insufficient funds: %w", domain.ErrTransferRejected)
	}
	if m.failFor[key] > 0 {
		m.failFor[key]--
		return "", errors.New("custody unavailable")
	}
	m.keys[key] = true
	return "ref-" + key[:8], nil
}

func (m *mockTransfer) Escrow(_ context.Context, from string, amount int64, _, key string) (string, error) {
	return m.do("escrow", from, amount, key)
}

func (m *mockTransfer) Transfer(_ context.Context, to string, amount int64, _, key string) (string, error) {
	return m.do("transfer", to, amount, key)
}

type mockArchive struct {
	mu       sync.Mutex
	failures int // próximas subidas que fallan
	receipts []domain.Receipt
}

func (a *mockArchive) PutReceipt(_ context.Context, r domain.Receipt) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failures > 0 {
		a.failures--
		return errors.New("bucket unavailable")
	}
	a.receipts = append(a.receipts, r)
	return nil
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *recordingAlerter) Alert(_ context.Context, al domain.Alert) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, al)
	return nil
}

type mockNotifier struct {
	reports []domain.SweepReport
}

func (n *mockNotifier) NotifySweep(_ context.Context, r domain.SweepReport) error {
	n.reports = append(n.reports, r)
	return nil
}

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (func(), error) {
	return nil, domain.ErrLockHeld
}

// scriptedResolver devuelve respuestas fijas por market ID.
type scriptedResolver struct {
	entered chan struct{} // se cierra en la primera llamada
	once    sync.Once
	block   chan struct{}
	fn      func(id string) (resolution.Result, error)
}

func (r *scriptedResolver) Resolve(_ context.Context, id string) (resolution.Result, error) {
	if r.entered != nil {
		r.once.Do(func() { close(r.entered) })
	}
	if r.block != nil {
		<-r.block
	}
	return r.fn(id)
}

// --- fixtures ---

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *storage.MemoryStorage
	clock    *fakeClock
	ledger   *ledger.Ledger
	engine   *resolution.Engine
	transfer *mockTransfer
	archive  *mockArchive
	notifier *mockNotifier
	alerter  *recordingAlerter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStorage(),
		clock:    &fakeClock{now: t0},
		transfer: newMockTransfer(),
		archive:  &mockArchive{},
		notifier: &mockNotifier{},
		alerter:  &recordingAlerter{},
	}
	f.ledger = ledger.New(f.store, f.clock)
	f.engine = resolution.NewEngine(f.ledger, f.store, f.clock, nil, resolution.DefaultConfig())
	return f
}

func (f *fixture) scheduler(r settlement.Resolver) *settlement.Scheduler {
	return f.schedulerWith(settlement.Config{Workers: 3}, r)
}

func (f *fixture) schedulerWith(cfg settlement.Config, r settlement.Resolver) *settlement.Scheduler {
	if r == nil {
		r = f.engine
	}
	return settlement.New(cfg, settlement.Deps{
		Ledger:   f.ledger,
		Resolver: r,
		Outbox:   f.store,
		Transfer: f.transfer,
		Archive:  f.archive,
		Notifier: f.notifier,
		Alerter:  f.alerter,
		Clock:    f.clock,
	})
}

func (f *fixture) market(t *testing.T, subject string, bets map[string]domain.Direction) domain.Market {
	t.Helper()
	return f.marketBy(t, "creator", subject, bets)
}

func (f *fixture) marketBy(t *testing.T, creator, subject string, bets map[string]domain.Direction) domain.Market {
	t.Helper()
	ctx := context.Background()
	m, err := f.ledger.CreateMarket(ctx, ledger.CreateMarketRequest{
		Creator:   creator,
		Subject:   subject,
		Predicate: domain.PredicateDuration,
		Target:    7,
		Deadline:  t0.Add(time.Hour),
		Stake:     5,
	})
	require.NoError(t, err)
	for who, d := range bets {
		_, err := f.ledger.PlaceBet(ctx, m.ID, who, 10, d)
		require.NoError(t, err)
	}
	return m
}

func (f *fixture) night(t *testing.T, subject string, hours float64) {
	t.Helper()
	tel := domain.Telemetry{TotalMinutes: hours * 60, Efficiency: 90}
	require.NoError(t, f.store.SaveSleepRecord(context.Background(), domain.SleepRecord{
		ID: "rec-" + subject, Subject: subject, RecordedAt: t0.Add(30 * time.Minute),
		Telemetry: tel, Scores: domain.Score(tel), Source: domain.SourceManual,
	}))
}

func TestRunOnce_ResolvesArchivesAndDispatches(t *testing.T) {
	f := newFixture(t)
	a := f.market(t, "alice", map[string]domain.Direction{"bob": domain.Yes, "carol": domain.No})
	b := f.market(t, "dave", map[string]domain.Direction{"erin": domain.Yes})
	f.night(t, "alice", 8)
	f.clock.Set(t0.Add(2 * time.Hour))

	report, err := f.scheduler(nil).RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Markets, 2)
	assert.Equal(t, 1, report.Count(domain.ActionResolved))
	assert.Equal(t, 1, report.Count(domain.ActionPending), "dave has no record, still in grace window")
	assert.Equal(t, 1, report.Archived)
	require.Len(t, f.archive.receipts, 1)
	assert.Equal(t, a.ID, f.archive.receipts[0].MarketID)

	// 2 creator escrows + 3 bet escrows + payout(bob) + house refund(alice)
	assert.Equal(t, 7, report.TransfersSent)
	assert.Zero(t, report.TransfersFailed)
	assert.Contains(t, f.transfer.calls, "transfer:bob:20")
	require.Len(t, f.notifier.reports, 1)

	m, err := f.ledger.GetMarket(context.Background(), b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, m.State)
}

func TestRunOnce_SecondSweepIsNoop(t *testing.T) {
	f := newFixture(t)
	f.market(t, "alice", map[string]domain.Direction{"bob": domain.Yes})
	f.night(t, "alice", 8)
	f.clock.Set(t0.Add(2 * time.Hour))
	s := f.scheduler(nil)

	_, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	calls := len(f.transfer.calls)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Markets, "terminal markets are no longer listed")
	assert.Zero(t, report.TransfersSent)
	assert.Len(t, f.transfer.calls, calls)
}

func TestRunOnce_FailedTransferRetriesNextSweep(t *testing.T) {
	f := newFixture(t)
	m := f.market(t, "alice", nil)
	key := domain.InstructionID(m.ID, "", domain.TransferEscrow)
	f.transfer.failFor[key] = 1
	s := f.scheduler(nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersFailed)
	assert.Zero(t, report.TransfersSent)

	outbox := f.store.Transfers()
	require.Len(t, outbox, 1)
	assert.Equal(t, domain.TransferPending, outbox[0].Status)
	assert.Equal(t, "custody unavailable", outbox[0].LastError)
	assert.Equal(t, t0.Add(time.Minute), outbox[0].NextAttemptAt)

	// todavía en backoff
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TransfersSent)
	assert.Zero(t, report.TransfersFailed)
	assert.Len(t, f.transfer.calls, 1)

	f.clock.Set(t0.Add(time.Minute))
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersSent)
	assert.True(t, f.transfer.keys[key])
}

func TestRunOnce_BackoffDoublesUpToMax(t *testing.T) {
	f := newFixture(t)
	m := f.market(t, "alice", nil)
	key := domain.InstructionID(m.ID, "", domain.TransferEscrow)
	f.transfer.failFor[key] = 100
	s := f.schedulerWith(settlement.Config{RetryBase: time.Minute, RetryMax: 5 * time.Minute}, nil)

	now := t0
	var waits []time.Duration
	for n := 0; n < 5; n++ {
		_, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		next := f.store.Transfers()[0].NextAttemptAt
		waits = append(waits, next.Sub(now))
		now = next
		f.clock.Set(now)
	}
	assert.Equal(t, []time.Duration{
		time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute,
	}, waits)
}

func TestRunOnce_RejectedEscrowsDoNotStarveOutbox(t *testing.T) {
	f := newFixture(t)
	bad1 := f.marketBy(t, "bad1", "x", nil)
	f.marketBy(t, "bad2", "y", nil)
	good := f.marketBy(t, "good", "z", nil)
	f.transfer.reject["bad1"] = true
	f.transfer.reject["bad2"] = true
	s := f.schedulerWith(settlement.Config{DispatchBatch: 2}, nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TransfersParked)
	assert.Zero(t, report.TransfersFailed)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersSent)
	assert.True(t, f.transfer.keys[domain.InstructionID(good.ID, "", domain.TransferEscrow)])

	// aparcadas: no se reintentan
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TransfersSent+report.TransfersFailed+report.TransfersParked)
	assert.Len(t, f.transfer.calls, 3)

	require.Len(t, f.alerter.alerts, 2)
	assert.Equal(t, bad1.ID, f.alerter.alerts[0].MarketID)
	assert.Contains(t, f.alerter.alerts[0].Reason, "bad1")

	for _, in := range f.store.Transfers() {
		if in.Account == "good" {
			assert.Equal(t, domain.TransferSent, in.Status)
			continue
		}
		assert.Equal(t, domain.TransferFailed, in.Status)
		assert.Contains(t, in.LastError, "insufficient funds")
	}
}

func TestRunOnce_TransientFailuresDoNotStarveOutbox(t *testing.T) {
	f := newFixture(t)
	bad1 := f.marketBy(t, "bad1", "x", nil)
	bad2 := f.marketBy(t, "bad2", "y", nil)
	good := f.marketBy(t, "good", "z", nil)
	f.transfer.failFor[domain.InstructionID(bad1.ID, "", domain.TransferEscrow)] = 100
	f.transfer.failFor[domain.InstructionID(bad2.ID, "", domain.TransferEscrow)] = 100
	s := f.schedulerWith(settlement.Config{DispatchBatch: 2}, nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.TransfersFailed)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersSent)
	assert.True(t, f.transfer.keys[domain.InstructionID(good.ID, "", domain.TransferEscrow)])
	assert.Empty(t, f.alerter.alerts)
}

func TestRunOnce_ParksAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	m := f.market(t, "alice", nil)
	f.transfer.failFor[domain.InstructionID(m.ID, "", domain.TransferEscrow)] = 100
	s := f.schedulerWith(settlement.Config{MaxAttempts: 3, RetryBase: time.Minute, RetryMax: time.Minute}, nil)

	var parked int
	for i := 0; i < 5; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * time.Minute))
		report, err := s.RunOnce(context.Background())
		require.NoError(t, err)
		parked += report.TransfersParked
	}
	assert.Equal(t, 1, parked)
	assert.Len(t, f.transfer.calls, 3)

	outbox := f.store.Transfers()
	require.Len(t, outbox, 1)
	assert.Equal(t, domain.TransferFailed, outbox[0].Status)
	assert.Equal(t, 3, outbox[0].Attempts)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, m.ID, f.alerter.alerts[0].MarketID)
}

func TestRunOnce_ArchiveFailureRetriedNextSweep(t *testing.T) {
	f := newFixture(t)
	m := f.market(t, "alice", map[string]domain.Direction{"bob": domain.Yes})
	f.night(t, "alice", 8)
	f.clock.Set(t0.Add(2 * time.Hour))
	f.archive.failures = 1
	s := f.scheduler(nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Count(domain.ActionResolved))
	assert.Zero(t, report.Archived)
	assert.Empty(t, f.archive.receipts)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Archived)
	require.Len(t, f.archive.receipts, 1)
	assert.Equal(t, m.ID, f.archive.receipts[0].MarketID)
	assert.Equal(t, domain.Yes, f.archive.receipts[0].Outcome)

	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Archived)
	assert.Len(t, f.archive.receipts, 1)
}

func TestRunOnce_FailedEscrowHoldsBackMarketPayouts(t *testing.T) {
	f := newFixture(t)
	m := f.market(t, "alice", map[string]domain.Direction{"bob": domain.Yes})
	f.night(t, "alice", 8)
	f.clock.Set(t0.Add(2 * time.Hour))
	f.transfer.failFor[domain.InstructionID(m.ID, "", domain.TransferEscrow)] = 1

	s := f.scheduler(nil)

	report, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.TransfersFailed)
	assert.Zero(t, report.TransfersSent)
	assert.Equal(t, []string{"escrow:creator:5"}, f.transfer.calls)

	// el escrow sigue en backoff: nada del mercado sale
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.TransfersSent)
	assert.Len(t, f.transfer.calls, 1)

	f.clock.Set(t0.Add(2*time.Hour + time.Minute))
	report, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	// creator escrow + bob escrow + payout(bob) + house refund
	assert.Equal(t, 4, report.TransfersSent)
	assert.Equal(t, "escrow:creator:5", f.transfer.calls[1])
}

func TestRunOnce_IsolatesFailuresAndPanics(t *testing.T) {
	f := newFixture(t)
	ids := []string{
		f.market(t, "a", nil).ID,
		f.market(t, "b", nil).ID,
		f.market(t, "c", nil).ID,
		f.market(t, "d", nil).ID,
	}
	f.clock.Set(t0.Add(2 * time.Hour))

	r := &scriptedResolver{fn: func(id string) (resolution.Result, error) {
		switch id {
		case ids[0]:
			panic("boom")
		case ids[1]:
			return resolution.Result{MarketID: id}, fmt.Errorf("fetch: %w", domain.ErrTransient)
		case ids[2]:
			return resolution.Result{MarketID: id, Action: domain.ActionHalted}, domain.ErrInvariantViolation
		}
		return resolution.Result{MarketID: id, Action: domain.ActionVoided, VoidReason: domain.VoidNoData}, nil
	}}

	report, err := f.scheduler(r).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Markets, 4)

	byID := map[string]domain.MarketOutcome{}
	for _, o := range report.Markets {
		byID[o.MarketID] = o
	}
	assert.Equal(t, domain.ActionFailed, byID[ids[0]].Action)
	assert.Contains(t, byID[ids[0]].Err, "panic")
	assert.Equal(t, domain.ActionFailed, byID[ids[1]].Action)
	assert.Equal(t, domain.ActionHalted, byID[ids[2]].Action)
	assert.Equal(t, domain.ActionVoided, byID[ids[3]].Action)
}

func TestRunOnce_OverlappingSweepIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.market(t, "a", nil)
	f.clock.Set(t0.Add(2 * time.Hour))

	r := &scriptedResolver{
		entered: make(chan struct{}),
		block:   make(chan struct{}),
		fn: func(id string) (resolution.Result, error) {
			return resolution.Result{MarketID: id, Action: domain.ActionPending}, nil
		},
	}
	s := f.scheduler(r)

	done := make(chan error, 1)
	go func() {
		_, err := s.RunOnce(context.Background())
		done <- err
	}()

	<-r.entered
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, settlement.ErrSweepSkipped)

	close(r.block)
	require.NoError(t, <-done)
}

func TestRunOnce_LockHeldElsewhere(t *testing.T) {
	f := newFixture(t)
	s := settlement.New(settlement.Config{}, settlement.Deps{
		Ledger:   f.ledger,
		Resolver: f.engine,
		Lock:     heldLock{},
		Clock:    f.clock,
	})
	_, err := s.RunOnce(context.Background())
	assert.ErrorIs(t, err, settlement.ErrSweepSkipped)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	s := settlement.New(settlement.Config{Interval: 10 * time.Millisecond}, settlement.Deps{
		Ledger:   f.ledger,
		Resolver: f.engine,
		Outbox:   f.store,
		Transfer: f.transfer,
		Notifier: f.notifier,
		Clock:    f.clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
