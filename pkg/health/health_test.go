package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// fakeDirectory stands in for the supervisor: a fixed spec table plus a
// record of the verdicts pushed back.
type fakeDirectory struct {
	mu       sync.Mutex
	specs    map[string]models.ProcessSpec
	verdicts map[string]models.HealthState
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		specs:    make(map[string]models.ProcessSpec),
		verdicts: make(map[string]models.HealthState),
	}
}

func (d *fakeDirectory) ListRunningWithSpec() map[string]models.ProcessSpec {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]models.ProcessSpec, len(d.specs))
	for id, spec := range d.specs {
		out[id] = spec
	}
	return out
}

func (d *fakeDirectory) SetHealth(id string, health models.HealthState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.verdicts[id] = health
}

func (d *fakeDirectory) verdict(id string) models.HealthState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.verdicts[id]
}

// startMonitor runs a monitor and returns the bus plus a subscription to
// health transitions.
func startMonitor(t *testing.T, dir *fakeDirectory) (*bus.Bus, *bus.Subscription) {
	t.Helper()
	b := bus.New()
	sub := b.Subscribe(models.EventProcessHealthChanged)
	t.Cleanup(sub.Close)

	m := New("test-node", b, dir)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b, sub
}

func markRunning(b *bus.Bus, id string) {
	b.Emit(models.EventProcessStateChanged, &models.ProcessStateChangedPayload{
		Node:  "test-node",
		ID:    id,
		State: models.ProcessRunning,
	})
}

func waitForHealth(t *testing.T, sub *bus.Subscription, id string, want models.HealthState) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env := <-sub.C():
			p, ok := env.Payload.(*models.ProcessHealthChangedPayload)
			if ok && p.ID == id && p.Health == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q to become %s", id, want)
		}
	}
}

func TestHTTPProbeMarksHealthyOnFirstSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	dir := newFakeDirectory()
	dir.specs["web"] = models.ProcessSpec{
		Command:     "/bin/true",
		HealthCheck: &models.HealthCheck{Kind: models.HealthCheckHTTP, URL: srv.URL, IntervalS: 1},
	}

	b, sub := startMonitor(t, dir)
	markRunning(b, "web")

	waitForHealth(t, sub, "web", models.HealthHealthy)
	assert.Equal(t, models.HealthHealthy, dir.verdict("web"))
}

func TestHTTPProbeNeedsTwoFailuresToMarkUnhealthy(t *testing.T) {
	var mu sync.Mutex
	healthy := true
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		hits++
		ok := healthy
		mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	dir := newFakeDirectory()
	dir.specs["web"] = models.ProcessSpec{
		Command:     "/bin/true",
		HealthCheck: &models.HealthCheck{Kind: models.HealthCheckHTTP, URL: srv.URL, IntervalS: 1},
	}

	b, sub := startMonitor(t, dir)
	markRunning(b, "web")
	waitForHealth(t, sub, "web", models.HealthHealthy)

	mu.Lock()
	healthy = false
	hitsAtFlip := hits
	mu.Unlock()

	waitForHealth(t, sub, "web", models.HealthUnhealthy)

	// The flip needed at least two failing probes.
	mu.Lock()
	assert.GreaterOrEqual(t, hits, hitsAtFlip+2)
	mu.Unlock()
}

func TestHTTPProbeRecoversOnSingleSuccess(t *testing.T) {
	var mu sync.Mutex
	healthy := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		ok := healthy
		mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	dir := newFakeDirectory()
	dir.specs["web"] = models.ProcessSpec{
		Command:     "/bin/true",
		HealthCheck: &models.HealthCheck{Kind: models.HealthCheckHTTP, URL: srv.URL, IntervalS: 1},
	}

	b, sub := startMonitor(t, dir)
	markRunning(b, "web")
	waitForHealth(t, sub, "web", models.HealthUnhealthy)

	mu.Lock()
	healthy = true
	mu.Unlock()
	waitForHealth(t, sub, "web", models.HealthHealthy)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()

	dir := newFakeDirectory()
	dir.specs["db"] = models.ProcessSpec{
		Command:     "/bin/true",
		HealthCheck: &models.HealthCheck{Kind: models.HealthCheckTCP, Addr: ln.Addr().String(), IntervalS: 1},
	}

	b, sub := startMonitor(t, dir)
	markRunning(b, "db")
	waitForHealth(t, sub, "db", models.HealthHealthy)
}

func TestCheckerStopsWhenProcessLeavesRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := newFakeDirectory()
	dir.specs["web"] = models.ProcessSpec{
		Command:     "/bin/true",
		HealthCheck: &models.HealthCheck{Kind: models.HealthCheckHTTP, URL: srv.URL, IntervalS: 1},
	}

	b, sub := startMonitor(t, dir)
	markRunning(b, "web")
	waitForHealth(t, sub, "web", models.HealthHealthy)

	b.Emit(models.EventProcessStateChanged, &models.ProcessStateChangedPayload{
		Node:  "test-node",
		ID:    "web",
		State: models.ProcessStopped,
	})

	require.Eventually(t, func() bool {
		return dir.verdict("web") == models.HealthUnknown
	}, 5*time.Second, 10*time.Millisecond)
}

func TestProcessWithoutCheckIsIgnored(t *testing.T) {
	dir := newFakeDirectory()
	dir.specs["plain"] = models.ProcessSpec{Command: "/bin/true"}

	b, sub := startMonitor(t, dir)
	markRunning(b, "plain")

	select {
	case env := <-sub.C():
		t.Fatalf("unexpected health event: %+v", env)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, models.HealthUnknown, dir.verdict("plain"))
}
