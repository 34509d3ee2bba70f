package resolution_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/remsettle/internal/adapters/storage"
	"github.com/alejandrodnm/remsettle/internal/domain"
	"github.com/alejandrodnm/remsettle/internal/ledger"
	"github.com/alejandrodnm/remsettle/internal/resolution"
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

type failingSource struct {
	err   error
	calls int
}

func (s *failingSource) FetchSleepRecord(_ context.Context, _ string, _, _ time.Time) (domain.SleepRecord, error) {
	s.calls++
	return domain.SleepRecord{}, s.err
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

// --- fixtures ---

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store   *storage.MemoryStorage
	ledger  *ledger.Ledger
	clock   *fakeClock
	alerter *recordingAlerter
	engine  *resolution.Engine
	market  domain.Market
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:   storage.NewMemoryStorage(),
		clock:   &fakeClock{now: t0},
		alerter: &recordingAlerter{},
	}
	f.ledger = ledger.New(f.store, f.clock)
	f.engine = resolution.NewEngine(f.ledger, f.store, f.clock, f.alerter, resolution.Config{
		GraceWindow:  6 * time.Hour,
		MaxRetryAge:  48 * time.Hour,
		FetchTimeout: time.Second,
	})

	ctx := context.Background()
	m, err := f.ledger.CreateMarket(ctx, ledger.CreateMarketRequest{
		Creator:   "creator",
		Subject:   "alice",
		Predicate: domain.PredicateDuration,
		Target:    7.5,
		Deadline:  t0.Add(24 * time.Hour),
		Stake:     10,
	})
	require.NoError(t, err)
	for _, b := range []struct {
		who string
		d   domain.Direction
		amt int64
	}{{"y1", domain.Yes, 40}, {"y2", domain.Yes, 40}, {"y3", domain.Yes, 40}, {"n1", domain.No, 80}} {
		_, err := f.ledger.PlaceBet(ctx, m.ID, b.who, b.amt, b.d)
		require.NoError(t, err)
	}
	f.market = m
	return f
}

func (f *fixture) saveNight(t *testing.T, at time.Time, totalMinutes float64) {
	t.Helper()
	tel := domain.Telemetry{TotalMinutes: totalMinutes, REMMinutes: totalMinutes / 4,
		DeepMinutes: totalMinutes / 5, Efficiency: 88, LatencyMinutes: 12}
	require.NoError(t, f.store.SaveSleepRecord(context.Background(), domain.SleepRecord{
		ID:         "rec-" + at.Format("150405"),
		Subject:    "alice",
		RecordedAt: at,
		Telemetry:  tel,
		Scores:     domain.Score(tel),
		Source:     domain.SourceManual,
	}))
}

func TestResolve_NotExpiredIsPending(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Resolve(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, res.Action)
}

func TestResolve_YesOutcomePaysWinners(t *testing.T) {
	f := newFixture(t)
	f.saveNight(t, f.market.Deadline.Add(-2*time.Hour), 480) // 8h ≥ 7.5h
	f.clock.Set(f.market.Deadline.Add(time.Hour))

	res, err := f.engine.Resolve(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionResolved, res.Action)
	assert.Equal(t, domain.Yes, res.Outcome)
	assert.InDelta(t, 8.0, res.Measured, 1e-9)
	require.NotNil(t, res.Settlement)

	m, err := f.ledger.GetMarket(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateResolved, m.State)
	assert.Equal(t, int64(2), m.Dust)

	bets, err := f.ledger.ListBets(context.Background(), f.market.ID)
	require.NoError(t, err)
	for _, b := range bets {
		if b.Direction == domain.Yes {
			assert.Equal(t, domain.BetPaid, b.State)
			assert.Equal(t, int64(66), b.Payout)
		} else {
			assert.Equal(t, domain.BetForfeited, b.State)
			assert.Zero(t, b.Payout)
		}
	}
}

func TestResolve_NoOutcome(t *testing.T) {
	f := newFixture(t)
	f.saveNight(t, f.market.Deadline.Add(-2*time.Hour), 360) // 6h
	f.clock.Set(f.market.Deadline)

	res, err := f.engine.Resolve(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.No, res.Outcome)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.saveNight(t, f.market.Deadline.Add(-time.Hour), 480)
	f.clock.Set(f.market.Deadline.Add(time.Hour))
	ctx := context.Background()

	_, err := f.engine.Resolve(ctx, f.market.ID)
	require.NoError(t, err)
	before := len(f.store.Transfers())

	res, err := f.engine.Resolve(ctx, f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionNoop, res.Action)
	assert.Equal(t, domain.Yes, res.Outcome)
	assert.Len(t, f.store.Transfers(), before, "no duplicate instructions")
}

func TestResolve_ConcurrentCallsSettleOnce(t *testing.T) {
	f := newFixture(t)
	f.saveNight(t, f.market.Deadline.Add(-time.Hour), 480)
	f.clock.Set(f.market.Deadline.Add(time.Hour))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		resolved int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Resolve(context.Background(), f.market.ID)
			assert.NoError(t, err)
			if res.Action == domain.ActionResolved {
				mu.Lock()
				resolved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, resolved)

	var payouts int
	for _, in := range f.store.Transfers() {
		if in.Kind == domain.TransferPayout {
			payouts++
		}
	}
	assert.Equal(t, 3, payouts)
}

func TestResolve_IgnoresRecordsOutsideWindow(t *testing.T) {
	f := newFixture(t)
	f.saveNight(t, f.market.Deadline.Add(-25*time.Hour), 480)
	f.saveNight(t, f.market.Deadline.Add(time.Minute), 480)
	f.clock.Set(f.market.Deadline.Add(time.Hour))

	res, err := f.engine.Resolve(context.Background(), f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, res.Action)
}

func TestResolve_NoDataVoidsAfterGraceWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.clock.Set(f.market.Deadline.Add(5 * time.Hour))
	res, err := f.engine.Resolve(ctx, f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionPending, res.Action)

	f.clock.Set(f.market.Deadline.Add(6 * time.Hour))
	res, err = f.engine.Resolve(ctx, f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionVoided, res.Action)
	assert.Equal(t, domain.VoidNoData, res.VoidReason)

	bets, err := f.ledger.ListBets(ctx, f.market.ID)
	require.NoError(t, err)
	var refunded int64
	for _, b := range bets {
		assert.Equal(t, domain.BetRefunded, b.State)
		assert.Equal(t, b.Amount, b.Payout)
		refunded += b.Payout
	}
	assert.Equal(t, int64(200), refunded)
}

func TestResolve_TransientErrorsRetryThenVoid(t *testing.T) {
	f := newFixture(t)
	src := &failingSource{err: errors.New("connection refused")}
	engine := resolution.NewEngine(f.ledger, src, f.clock, f.alerter, resolution.Config{
		GraceWindow: 6 * time.Hour, MaxRetryAge: 48 * time.Hour,
	})
	ctx := context.Background()

	f.clock.Set(f.market.Deadline.Add(47 * time.Hour))
	_, err := engine.Resolve(ctx, f.market.ID)
	assert.ErrorIs(t, err, domain.ErrTransient)

	m, err := f.ledger.GetMarket(ctx, f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateOpen, m.State, "transient failures never change state")

	f.clock.Set(f.market.Deadline.Add(48 * time.Hour))
	res, err := engine.Resolve(ctx, f.market.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionVoided, res.Action)
	assert.Equal(t, domain.VoidSourceUnavailable, res.VoidReason)
	assert.Equal(t, 2, src.calls)
}

func TestResolve_InvariantViolationHaltsAndAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	broken := domain.Market{
		ID: "broken", Creator: "c", Subject: "alice", Predicate: domain.PredicateDuration, Target: 7,
		CreatedAt: t0, Deadline: t0, State: domain.StateOpen,
		YesPool: 10, TotalPool: 5, Version: 1,
	}
	require.NoError(t, f.store.InsertMarket(ctx, broken, domain.TransferInstruction{ID: "x", MarketID: "broken"}))
	f.saveNight(t, t0.Add(-time.Hour), 480)
	f.clock.Set(t0.Add(time.Hour))

	res, err := f.engine.Resolve(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	assert.Equal(t, domain.ActionHalted, res.Action)

	m, err := f.ledger.GetMarket(ctx, "broken")
	require.NoError(t, err)
	assert.True(t, m.Halted)
	assert.Equal(t, domain.StateOpen, m.State)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, "broken", f.alerter.alerts[0].MarketID)

	expired, err := f.ledger.ListExpiredUnresolved(ctx)
	require.NoError(t, err)
	for _, e := range expired {
		assert.NotEqual(t, "broken", e.ID)
	}

	_, err = f.engine.Resolve(ctx, "broken")
	assert.ErrorIs(t, err, domain.ErrMarketHalted)
}

func TestResolve_UnknownMarket(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Resolve(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrMarketNotFound)
}
