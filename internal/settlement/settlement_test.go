package settlement_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/talamala/bullion/internal/asset"
	"github.com/talamala/bullion/internal/inventory"
	"github.com/talamala/bullion/internal/ledger"
	"github.com/talamala/bullion/internal/logging"
	"github.com/talamala/bullion/internal/settlement"
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

type published struct {
	Type string
	Key  string
}

type recorder struct {
	mu     sync.Mutex
	events []published
}

func (r *recorder) Publish(_ context.Context, eventType, key string, _ any) error {
	r.mu.Lock()
	r.events = append(r.events, published{Type: eventType, Key: key})
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc     *settlement.Service
	backend *memory.Backend
	ledger  *ledger.Service
	units   *inventory.Manager
	clock   *clock
	events  *recorder
}

func newHarness(t *testing.T, opts ...settlement.Option) *harness {
	t.Helper()
	h := &harness{
		backend: memory.New(),
		clock:   &clock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)},
		events:  &recorder{},
	}
	h.ledger = ledger.NewService(h.backend, logging.Discard(), nil)
	h.units = inventory.NewManager(h.backend, logging.Discard(), nil, inventory.WithClock(h.clock.Now))
	base := []settlement.Option{
		settlement.WithLogger(logging.Discard()),
		settlement.WithClock(h.clock.Now),
		settlement.WithPublisher(h.events),
	}
	h.svc = settlement.NewService(h.backend, settlement.Config{}, append(base, opts...)...)
	return h
}

func (h *harness) fund(t *testing.T, owner string, code asset.Code, kind ledger.Kind, amount int64) {
	t.Helper()
	_, err := h.ledger.Post(context.Background(), ledger.Batch{
		Key:      "seed:" + owner + ":" + string(code) + ":" + string(kind),
		Postings: []ledger.Posting{{OwnerID: owner, Asset: code, Kind: kind, Amount: amount}},
	})
	require.NoError(t, err)
}

func (h *harness) stock(t *testing.T, product, location string, serials ...string) {
	t.Helper()
	ctx := context.Background()
	for _, serial := range serials {
		_, err := h.units.Register(ctx, serial)
		require.NoError(t, err)
		_, err = h.units.Assign(ctx, serial, product, location)
		require.NoError(t, err)
		h.clock.Advance(time.Second)
	}
}

func (h *harness) balance(t *testing.T, owner string, code asset.Code) ledger.Account {
	t.Helper()
	acct, err := h.ledger.Balance(context.Background(), owner, code)
	require.NoError(t, err)
	return acct
}

func (h *harness) unit(t *testing.T, serial string) inventory.Unit {
	t.Helper()
	u, err := h.units.Get(context.Background(), serial)
	require.NoError(t, err)
	return u
}
