package reaper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/idempotency"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/metrics"
	"github.com/talamala/bullion/internal/reaper"
	"github.com/talamala/bullion/internal/settlement"
	"github.com/talamala/bullion/internal/store"
	"github.com/talamala/bullion/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSweepReleasesExpiredHoldsAndPrunesRecords(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	mgr := inventory.NewManager(backend, logging.Discard(), nil, inventory.WithClock(clk.Now))

	for _, serial := range []string{"R1", "R2"} {
		_, err := mgr.Register(ctx, serial)
		require.NoError(t, err)
		_, err = mgr.Assign(ctx, serial, "bar-1g", "shop-1")
		require.NoError(t, err)
	}
	_, err := mgr.Reserve(ctx, inventory.Request{Selector: inventory.Selector{Serial: "R1"}, HolderID: "a", TTL: time.Minute})
	require.NoError(t, err)
	_, err = mgr.Reserve(ctx, inventory.Request{Selector: inventory.Selector{Serial: "R2"}, HolderID: "b", TTL: time.Hour})
	require.NoError(t, err)

	require.NoError(t, backend.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.Idempotency().Insert(ctx, idempotency.Record{Key: "old", Fingerprint: "f", Result: []byte(`{}`), CreatedAt: clk.Now()}); err != nil {
			return err
		}
		return tx.Idempotency().Insert(ctx, idempotency.Record{Key: "fresh", Fingerprint: "f", Result: []byte(`{}`), CreatedAt: clk.Now().Add(47 * time.Hour)})
	}))

	clk.Advance(48 * time.Hour)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	r := reaper.New(mgr, backend, nil, reaper.Config{Retention: 24 * time.Hour}, logging.Discard(), m, reaper.WithClock(clk.Now))

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Released)
	assert.Equal(t, int64(1), res.Pruned)

	u, err := mgr.Get(ctx, "R1")
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAssigned, u.Status)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReaperReleased))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReaperPruned))

	require.NoError(t, backend.Do(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := tx.Idempotency().Get(ctx, "fresh")
		return err
	}))
}

func TestSweepReturnsFundsOfTimedOutCheckout(t *testing.T) {
	ctx := context.Background()
	backend := memory.New()
	clk := &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	mgr := inventory.NewManager(backend, logging.Discard(), nil, inventory.WithClock(clk.Now))
	svc := settlement.NewService(backend, settlement.Config{}, settlement.WithLogger(logging.Discard()), settlement.WithClock(clk.Now))
	ledgerSvc := ledger.NewService(backend, logging.Discard(), nil)

	_, err := ledgerSvc.Post(ctx, ledger.Batch{Key: "seed", Postings: []ledger.Posting{
		{OwnerID: "buyer", Asset: asset.IRR, Kind: ledger.KindDeposit, Amount: 5000},
	}})
	require.NoError(t, err)
	_, err = mgr.Register(ctx, "C1")
	require.NoError(t, err)
	_, err = mgr.Assign(ctx, "C1", "bar-1g", "shop-1")
	require.NoError(t, err)

	hold, err := svc.StartCheckout(ctx, settlement.CheckoutRequest{
		Key: "co-1", OrderID: "order-1", BuyerID: "buyer", Asset: asset.IRR, Amount: 3000,
		Units: []inventory.Selector{{Serial: "C1"}}, TTL: time.Minute,
	})
	require.NoError(t, err)

	r := reaper.New(reaper.Expirers{reaper.ExpirerFunc(svc.ExpireCheckouts), mgr}, backend, nil, reaper.Config{}, logging.Discard(), nil, reaper.WithClock(clk.Now))

	// at the expiry instant the checkout is still payable
	clk.Advance(time.Minute)
	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)

	clk.Advance(time.Second)
	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Released)

	acct, err := ledgerSvc.Balance(ctx, "buyer", asset.IRR)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acct.Balance)
	assert.Zero(t, acct.Locked)

	u, err := mgr.Get(ctx, "C1")
	require.NoError(t, err)
	assert.Equal(t, inventory.StatusAssigned, u.Status)
	assert.Empty(t, u.HoldToken)

	_, err = svc.SettleCheckout(ctx, settlement.SettleRequest{
		Key: "pay-1", OrderID: "order-1", BuyerID: "buyer", Asset: asset.IRR, Amount: 3000,
		Tokens: []string{hold.Reservations[0].Token}, Outcome: settlement.PaymentOutcome{Success: true},
	})
	require.ErrorIs(t, err, inventory.ErrReservationExpired)

	res, err = r.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Released)
}

func TestSweepSkipsWhenAnotherReplicaHoldsTheLock(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	require.NoError(t, mr.Set("bullion:reaper:lock", "someone-else"))

	backend := memory.New()
	mgr := inventory.NewManager(backend, logging.Discard(), nil)
	r := reaper.New(mgr, backend, reaper.NewRedisLocker(client, ""), reaper.Config{}, logging.Discard(), nil)

	res, err := r.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, res.Skipped)

	got, err := mr.Get("bullion:reaper:lock")
	require.NoError(t, err)
	assert.Equal(t, "someone-else", got)
}

func TestRedisLockerReleasesOnlyItsOwnLease(t *testing.T) {
	ctx := context.Background()
	mr, client := newRedis(t)
	locker := reaper.NewRedisLocker(client, "lock")

	release, ok, err := locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock"))

	_, ok, err = locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// lease expired and another replica took over
	mr.FastForward(2 * time.Minute)
	require.NoError(t, mr.Set("lock", "other"))
	require.NoError(t, release(ctx))
	got, err := mr.Get("lock")
	require.NoError(t, err)
	assert.Equal(t, "other", got)

	mr.Del("lock")
	release, ok, err = locker.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
	assert.False(t, mr.Exists("lock"))
}

func TestRunStopsOnCancel(t *testing.T) {
	backend := memory.New()
	mgr := inventory.NewManager(backend, logging.Discard(), nil)
	r := reaper.New(mgr, backend, nil, reaper.Config{Interval: 5 * time.Millisecond}, logging.Discard(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
