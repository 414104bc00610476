// Package health runs liveness probes against supervised processes and
// publishes verdict changes on the event bus. Probes never restart
// anything; an unhealthy process is surfaced, not acted on.
package health

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Hysteresis thresholds: two consecutive failures mark unhealthy, one
// success marks healthy, so a single dropped probe never flaps the state.
const (
	failThreshold   = 2
	defaultInterval = 10 * time.Second
	defaultTimeout  = 3 * time.Second
)

// ProcessDirectory is the slice of the supervisor the monitor needs:
// which processes are running with what config, and where to record
// verdicts.
type ProcessDirectory interface {
	ListRunningWithSpec() map[string]models.ProcessSpec
	SetHealth(id string, health models.HealthState)
}

// Monitor owns one checker goroutine per running process that declares a
// health check.
type Monitor struct {
	node   string
	bus    *bus.Bus
	dir    ProcessDirectory
	logger *slog.Logger

	mu       sync.Mutex
	checkers map[string]*checker
}

type checker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a monitor bound to a process directory.
func New(node string, b *bus.Bus, dir ProcessDirectory) *Monitor {
	return &Monitor{
		node:     node,
		bus:      b,
		dir:      dir,
		logger:   slog.With("component", "health", "node", node),
		checkers: make(map[string]*checker),
	}
}

// Run reacts to process lifecycle events until the context is cancelled:
// a process entering running gains a checker, a process leaving running
// loses it and reverts to unknown.
func (m *Monitor) Run(ctx context.Context) error {
	sub := m.bus.Subscribe(models.EventProcessStateChanged)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case env, ok := <-sub.C():
			if !ok {
				m.stopAll()
				return nil
			}
			p, ok := env.Payload.(*models.ProcessStateChangedPayload)
			if !ok || p.Node != m.node {
				continue
			}
			if p.State == models.ProcessRunning {
				m.ensureChecker(ctx, p.ID)
			} else {
				m.dropChecker(p.ID)
			}
		}
	}
}

func (m *Monitor) ensureChecker(ctx context.Context, id string) {
	spec, ok := m.dir.ListRunningWithSpec()[id]
	if !ok || spec.HealthCheck == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.checkers[id]; exists {
		return
	}
	cctx, cancel := context.WithCancel(ctx)
	c := &checker{cancel: cancel, done: make(chan struct{})}
	m.checkers[id] = c
	go m.runChecker(cctx, id, *spec.HealthCheck, c.done)
	m.logger.Info("Health checker started", "process_id", id, "kind", spec.HealthCheck.Kind)
}

func (m *Monitor) dropChecker(id string) {
	m.mu.Lock()
	c, ok := m.checkers[id]
	if ok {
		delete(m.checkers, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	c.cancel()
	<-c.done
	m.setVerdict(id, models.HealthUnknown, models.HealthUnknown)
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	checkers := m.checkers
	m.checkers = make(map[string]*checker)
	m.mu.Unlock()
	for _, c := range checkers {
		c.cancel()
		<-c.done
	}
}

// runChecker probes on the configured cadence and applies hysteresis.
func (m *Monitor) runChecker(ctx context.Context, id string, hc models.HealthCheck, done chan<- struct{}) {
	defer close(done)

	interval := time.Duration(hc.IntervalS) * time.Second
	if interval <= 0 {
		interval = defaultInterval
	}
	timeout := time.Duration(hc.TimeoutS) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	state := models.HealthUnknown
	failures := 0
	apply := func(ok bool) {
		if ok {
			failures = 0
			if state != models.HealthHealthy {
				m.setVerdict(id, state, models.HealthHealthy)
				state = models.HealthHealthy
			}
			return
		}
		failures++
		if failures >= failThreshold && state != models.HealthUnhealthy {
			m.setVerdict(id, state, models.HealthUnhealthy)
			state = models.HealthUnhealthy
		}
	}

	apply(probe(ctx, hc, timeout))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply(probe(ctx, hc, timeout))
		}
	}
}

func (m *Monitor) setVerdict(id string, from, to models.HealthState) {
	m.dir.SetHealth(id, to)
	if from == to {
		return
	}
	m.logger.Info("Process health changed", "process_id", id, "from", from, "to", to)
	m.bus.Emit(models.EventProcessHealthChanged, &models.ProcessHealthChangedPayload{
		Node:   m.node,
		ID:     id,
		Health: to,
	})
}

// probe runs one check. HTTP checks pass on any 2xx; TCP checks pass when
// the handshake completes.
func probe(ctx context.Context, hc models.HealthCheck, timeout time.Duration) bool {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch hc.Kind {
	case models.HealthCheckHTTP:
		req, err := http.NewRequestWithContext(pctx, http.MethodGet, hc.URL, nil)
		if err != nil {
			return false
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode >= 200 && resp.StatusCode < 300
	case models.HealthCheckTCP:
		var d net.Dialer
		conn, err := d.DialContext(pctx, "tcp", hc.Addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	default:
		return false
	}
}
