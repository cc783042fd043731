package recommend

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/roomie/recommender/internal/ledger"
	"github.com/roomie/recommender/internal/metrics"
	"github.com/roomie/recommender/internal/profile"
)

// fakeEvents captures the profile.created handler so tests can deliver
// payloads directly.
type fakeEvents struct {
	mu           sync.Mutex
	handler      func(data []byte)
	unsubscribed bool
}

func (f *fakeEvents) SubscribeProfileCreated(handler func(data []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeEvents) UnsubscribeProfileCreated() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = true
	return nil
}

func (f *fakeEvents) deliver(t *testing.T, payload string) {
	t.Helper()
	waitFor(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.handler != nil
	})
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h([]byte(payload))
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func startService(t *testing.T, svc *Service) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()
	return cancel, done
}

func TestService_BatchOnStartAndProfileEvents(t *testing.T) {
	rec, store, l := newTestRecommender(t, 4, sumScorer{}, 2)
	events := &fakeEvents{}
	svc := NewService(rec, events, ServiceConfig{BatchOnStart: true}, zerolog.Nop())
	ctx := context.Background()

	cancel, done := startService(t, svc)
	defer cancel()

	waitFor(t, func() bool {
		n, _ := l.Count(ctx)
		return n == 6
	})

	processedBefore := testutil.ToFloat64(metrics.ProfileEvents.WithLabelValues("processed"))
	id, err := store.Create(ctx, profile.Profile{Email: "new@example.com", Active: true})
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if id != 5 {
		t.Fatalf("expected new id 5, got %d", id)
	}
	events.deliver(t, `{"profile_id": 5}`)

	waitFor(t, func() bool {
		n, _ := l.Count(ctx)
		return n == 10
	})
	if _, err := l.Get(ctx, 5, 1); err != nil {
		t.Errorf("expected pair (5,1) after event: %v", err)
	}
	waitFor(t, func() bool {
		return testutil.ToFloat64(metrics.ProfileEvents.WithLabelValues("processed"))-processedBefore == 1
	})

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled from Serve, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	events.mu.Lock()
	defer events.mu.Unlock()
	if !events.unsubscribed {
		t.Error("expected subscription to be removed on shutdown")
	}
}

func TestService_InvalidEventIgnored(t *testing.T) {
	rec, _, l := newTestRecommender(t, 2, sumScorer{}, 1)
	events := &fakeEvents{}
	svc := NewService(rec, events, ServiceConfig{}, zerolog.Nop())

	cancel, _ := startService(t, svc)
	defer cancel()

	invalidBefore := testutil.ToFloat64(metrics.ProfileEvents.WithLabelValues("invalid"))
	events.deliver(t, `not json`)
	events.deliver(t, `{"profile_id": 0}`)

	if got := testutil.ToFloat64(metrics.ProfileEvents.WithLabelValues("invalid")) - invalidBefore; got != 2 {
		t.Errorf("expected 2 invalid events, got %v", got)
	}
	if n, _ := l.Count(context.Background()); n != 0 {
		t.Errorf("expected no records without a batch, got %d", n)
	}
}

func TestService_PeriodicBatch(t *testing.T) {
	rec, _, l := newTestRecommender(t, 3, sumScorer{}, 1)
	svc := NewService(rec, nil, ServiceConfig{BatchInterval: 20 * time.Millisecond}, zerolog.Nop())

	cancel, _ := startService(t, svc)
	defer cancel()

	waitFor(t, func() bool {
		n, _ := l.Count(context.Background())
		return n == 3
	})
}

func TestService_RunIncrementalUnknownProfile(t *testing.T) {
	rec, _, _ := newTestRecommender(t, 2, sumScorer{}, 1)
	svc := NewService(rec, nil, ServiceConfig{}, zerolog.Nop())

	_, err := svc.RunIncremental(context.Background(), 404)
	if !errors.Is(err, profile.ErrNotFound) {
		t.Errorf("expected profile.ErrNotFound, got %v", err)
	}
}

func TestService_RunsDoNotOverlap(t *testing.T) {
	store := profile.NewMemoryStore()
	seedProfiles(store, 6)
	gate := &gatedLedger{MemoryLedger: ledger.NewMemoryLedger(store)}
	rec := New(store, gate, sumScorer{}, Config{Workers: 4}, zerolog.Nop())
	svc := NewService(rec, nil, ServiceConfig{}, zerolog.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.RunBatch(ctx); err != nil {
				t.Errorf("RunBatch() error: %v", err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := svc.RunIncremental(ctx, 2); err != nil {
			t.Errorf("RunIncremental() error: %v", err)
		}
	}()
	wg.Wait()

	if gate.maxRuns() != 1 {
		t.Errorf("expected at most one run at a time, saw %d", gate.maxRuns())
	}
}

// gatedLedger tracks how many distinct runs write at the same time by
// watching the context each upsert arrives with.
type gatedLedger struct {
	*ledger.MemoryLedger
	mu     sync.Mutex
	active map[context.Context]int
	peak   int
}

func (g *gatedLedger) Upsert(ctx context.Context, a, b int64, score float64) error {
	// Each run hands its workers one derived context, so distinct live
	// contexts are distinct overlapping runs.
	g.mu.Lock()
	if g.active == nil {
		g.active = make(map[context.Context]int)
	}
	g.active[ctx]++
	if len(g.active) > g.peak {
		g.peak = len(g.active)
	}
	g.mu.Unlock()

	time.Sleep(time.Millisecond)
	err := g.MemoryLedger.Upsert(ctx, a, b, score)

	g.mu.Lock()
	g.active[ctx]--
	if g.active[ctx] == 0 {
		delete(g.active, ctx)
	}
	g.mu.Unlock()
	return err
}

func (g *gatedLedger) maxRuns() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}
