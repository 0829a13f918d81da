package routing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/orbitchat/orbit/internal/logging"
	"github.com/orbitchat/orbit/internal/session"
	"github.com/orbitchat/orbit/internal/wire"
)

// countingCoordinator serves a fixed planet table and counts lookups.
type countingCoordinator struct {
	mu      sync.Mutex
	planets map[int64]string
	primary string
	calls   atomic.Int32
	failFor atomic.Int32
	gate    chan struct{}
}

func (c *countingCoordinator) NodeForPlanet(_ context.Context, id int64) (string, error) {
	c.calls.Add(1)
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.planets[id]
	if !ok {
		return "", fmt.Errorf("%w: %d", ErrPlanetNotFound, id)
	}
	return name, nil
}

func (c *countingCoordinator) PrimaryNodeName(context.Context) (string, error) {
	if c.failFor.Load() > 0 {
		c.failFor.Add(-1)
		return "", errors.New("coordinator down")
	}
	return c.primary, nil
}

func (c *countingCoordinator) move(id int64, node string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planets[id] = node
}

type stubSession struct {
	name      string
	isPrimary bool
	inits     atomic.Int32
	closed    atomic.Bool
	initErr   error
}

func (s *stubSession) Name() string  { return s.name }
func (s *stubSession) IsReady() bool { return s.inits.Load() > 0 && s.initErr == nil }
func (s *stubSession) Initialize(context.Context) error {
	s.inits.Add(1)
	return s.initErr
}
func (s *stubSession) WaitUntilReadyThen(ctx context.Context, op func(context.Context) error) error {
	return op(ctx)
}
func (s *stubSession) Invoke(context.Context, string, any, ...any) error { return nil }
func (s *stubSession) Join(context.Context, session.Subscription) error  { return nil }
func (s *stubSession) Leave(context.Context, session.Subscription) error { return nil }
func (s *stubSession) Close() error {
	s.closed.Store(true)
	return nil
}

type stubFactory struct {
	mu      sync.Mutex
	created []*stubSession
	initErr error
}

func (f *stubFactory) build(name string, isPrimary bool) Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &stubSession{name: name, isPrimary: isPrimary, initErr: f.initErr}
	f.created = append(f.created, s)
	return s
}

func (f *stubFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

func newTestDirectory(t *testing.T, coord CoordinatorClient, f *stubFactory) *Directory {
	t.Helper()
	d, err := NewDirectory(DirectoryConfig{
		Coordinator:  coord,
		Factory:      f.build,
		PrimaryRetry: time.Millisecond,
		Logger:       logging.Discard(),
	})
	if err != nil {
		t.Fatalf("NewDirectory failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestDirectory_CachedRouteSkipsCoordinator(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{1: "alpha", 2: "alpha", 3: "beta"}}
	f := &stubFactory{}
	d := newTestDirectory(t, coord, f)
	ctx := context.Background()

	s1, err := d.ResolveNodeForCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve 1: %v", err)
	}
	s2, err := d.ResolveNodeForCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve 1 again: %v", err)
	}
	if s1 != s2 {
		t.Error("expected the same session for a cached planet")
	}
	if got := coord.calls.Load(); got != 1 {
		t.Errorf("coordinator calls = %d, want 1", got)
	}

	// Another planet on the same node shares the session.
	s3, err := d.ResolveNodeForCommunity(ctx, 2)
	if err != nil {
		t.Fatalf("resolve 2: %v", err)
	}
	if s3 != s1 {
		t.Error("planets on one node should share a session")
	}
	if f.count() != 1 {
		t.Errorf("sessions created = %d, want 1", f.count())
	}
	if got := f.created[0].inits.Load(); got != 1 {
		t.Errorf("Initialize calls = %d, want 1", got)
	}

	if _, err := d.ResolveNodeForCommunity(ctx, 3); err != nil {
		t.Fatalf("resolve 3: %v", err)
	}
	if got, ok := d.GetByName("beta"); !ok || got.Name() != "beta" {
		t.Errorf("GetByName(beta) = %v, %v", got, ok)
	}
	if _, ok := d.GetByName("gamma"); ok {
		t.Error("GetByName(gamma) should not exist")
	}
}

func TestDirectory_StaleRouteUntilForget(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{1: "alpha"}}
	d := newTestDirectory(t, coord, &stubFactory{})
	ctx := context.Background()

	if _, err := d.ResolveNodeForCommunity(ctx, 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	coord.move(1, "beta")

	s, err := d.ResolveNodeForCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Name() != "alpha" {
		t.Errorf("cached route should still point at alpha, got %s", s.Name())
	}

	d.Forget(1)
	s, err = d.ResolveNodeForCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Name() != "beta" {
		t.Errorf("expected beta after Forget, got %s", s.Name())
	}
	if got := coord.calls.Load(); got != 2 {
		t.Errorf("coordinator calls = %d, want 2", got)
	}
}

func TestDirectory_UnknownPlanet(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{}}
	f := &stubFactory{}
	d := newTestDirectory(t, coord, f)

	_, err := d.ResolveNodeForCommunity(context.Background(), 5)
	if !errors.Is(err, ErrResolution) || !errors.Is(err, ErrPlanetNotFound) {
		t.Fatalf("expected resolution + not found error, got %v", err)
	}
	if f.count() != 0 {
		t.Error("no session should be created for an unknown planet")
	}

	// Failures are not cached.
	_, _ = d.ResolveNodeForCommunity(context.Background(), 5)
	if got := coord.calls.Load(); got != 2 {
		t.Errorf("coordinator calls = %d, want 2", got)
	}
}

func TestDirectory_ConcurrentResolveCollapses(t *testing.T) {
	coord := &countingCoordinator{
		planets: map[int64]string{1: "alpha"},
		gate:    make(chan struct{}),
	}
	f := &stubFactory{}
	d := newTestDirectory(t, coord, f)

	const callers = 8
	var wg sync.WaitGroup
	sessions := make([]Session, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := d.ResolveNodeForCommunity(context.Background(), 1)
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			sessions[i] = s
		}(i)
	}
	// Let the callers pile up behind the first lookup.
	time.Sleep(20 * time.Millisecond)
	close(coord.gate)
	wg.Wait()

	if got := coord.calls.Load(); got != 1 {
		t.Errorf("coordinator calls = %d, want 1", got)
	}
	if f.count() != 1 {
		t.Errorf("sessions created = %d, want 1", f.count())
	}
	for _, s := range sessions[1:] {
		if s != sessions[0] {
			t.Fatal("callers got different sessions")
		}
	}
}

func TestDirectory_InitializeFailureKeepsSession(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{1: "alpha"}}
	f := &stubFactory{initErr: errors.New("dial refused")}
	d := newTestDirectory(t, coord, f)

	s, err := d.ResolveNodeForCommunity(context.Background(), 1)
	if err == nil {
		t.Fatal("expected initialize error")
	}
	if s == nil || s.Name() != "alpha" {
		t.Fatalf("expected the session to be returned, got %v", s)
	}
	if _, ok := d.GetByName("alpha"); !ok {
		t.Error("session should stay registered while it reconnects")
	}
}

func TestDirectory_PrimaryRetries(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{1: "alpha"}, primary: "alpha"}
	coord.failFor.Store(3)
	f := &stubFactory{}
	d := newTestDirectory(t, coord, f)
	ctx := context.Background()

	p, err := d.Primary(ctx)
	if err != nil {
		t.Fatalf("Primary: %v", err)
	}
	if p.Name() != "alpha" || !f.created[0].isPrimary {
		t.Errorf("unexpected primary %+v", f.created[0])
	}

	// The planet on the primary node reuses the primary session.
	s, err := d.ResolveNodeForCommunity(ctx, 1)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s != p {
		t.Error("expected the primary session")
	}
	again, _ := d.Primary(ctx)
	if again != p || f.count() != 1 {
		t.Error("Primary should be created once")
	}
}

func TestDirectory_PrimaryHonoursContext(t *testing.T) {
	coord := &countingCoordinator{primary: "alpha"}
	coord.failFor.Store(1 << 20)
	d := newTestDirectory(t, coord, &stubFactory{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Primary(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDirectory_PlanetLookupsPinnedToPrimary(t *testing.T) {
	var mu sync.Mutex
	var selected []string
	mux := http.NewServeMux()
	mux.HandleFunc(PathNodeName, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("alpha"))
	})
	mux.HandleFunc(PathPlanetNode+"3", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		selected = append(selected, r.Header.Get(wire.HeaderServerSelect))
		mu.Unlock()
		w.Write([]byte("beta"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	d := newTestDirectory(t, NewHTTPCoordinator(srv.URL, nil), &stubFactory{})
	ctx := context.Background()
	if _, err := d.Primary(ctx); err != nil {
		t.Fatalf("Primary: %v", err)
	}
	s, err := d.ResolveNodeForCommunity(ctx, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if s.Name() != "beta" {
		t.Errorf("resolved %s, want beta", s.Name())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(selected) != 1 || selected[0] != "alpha" {
		t.Errorf("planet lookups selected %v, want [alpha]", selected)
	}
}

func TestDirectory_Close(t *testing.T) {
	coord := &countingCoordinator{planets: map[int64]string{1: "alpha", 2: "beta"}}
	f := &stubFactory{}
	d := newTestDirectory(t, coord, f)
	ctx := context.Background()

	for _, id := range []int64{1, 2} {
		if _, err := d.ResolveNodeForCommunity(ctx, id); err != nil {
			t.Fatalf("resolve %d: %v", id, err)
		}
	}
	if got := d.Sessions(); len(got) != 2 || got[0].Name() != "alpha" {
		t.Fatalf("unexpected sessions %v", got)
	}

	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, s := range f.created {
		if !s.closed.Load() {
			t.Errorf("session %s not closed", s.name)
		}
	}
	if _, err := d.ResolveNodeForCommunity(ctx, 1); !errors.Is(err, session.ErrClosed) {
		t.Errorf("expected ErrClosed after Close, got %v", err)
	}
}
