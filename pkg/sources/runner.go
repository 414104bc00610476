// Package sources holds the inbound adapters that feed the event bus:
// the IronMON TCP listener, the music poller, the transcription ingest
// decoder, and the Twitch-style push feed. Adapters emit envelopes only;
// they never talk to the orchestrator directly.
package sources

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Adapter lifecycle states published as source.<name>.state_changed.
const (
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateBackoff      = "backoff"
	StateGaveUp       = "gave_up"
)

// Reconnect policy: exponential from 1 s to 30 s; after maxAttempts
// consecutive failures the adapter parks for longPause before starting
// over.
const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
	maxAttempts = 10
	longPause   = 5 * time.Minute
)

// Adapter is one inbound source. Run blocks while the source is live and
// returns when the connection drops; the runner owns reconnection.
type Adapter interface {
	Name() string
	Run(ctx context.Context) error
}

// Runner drives a set of adapters, applying the reconnect policy and
// publishing their lifecycle states.
type Runner struct {
	bus      *bus.Bus
	logger   *slog.Logger
	adapters []Adapter

	// Overridable for tests.
	base, cap, pause time.Duration
}

// NewRunner creates a runner over the given adapters.
func NewRunner(b *bus.Bus, adapters ...Adapter) *Runner {
	return &Runner{
		bus:      b,
		logger:   slog.With("component", "sources"),
		adapters: adapters,
		base:     backoffBase,
		cap:      backoffCap,
		pause:    longPause,
	}
}

// Run supervises every adapter until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, a := range r.adapters {
		wg.Add(1)
		go func(a Adapter) {
			defer wg.Done()
			r.supervise(ctx, a)
		}(a)
	}
	wg.Wait()
	return ctx.Err()
}

func (r *Runner) supervise(ctx context.Context, a Adapter) {
	logger := r.logger.With("source", a.Name())
	for {
		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = r.base
		policy.MaxInterval = r.cap
		policy.MaxElapsedTime = 0

		for attempt := 1; attempt <= maxAttempts; attempt++ {
			EmitState(r.bus, a.Name(), StateConnecting, nil)
			started := time.Now()
			err := a.Run(ctx)
			if ctx.Err() != nil {
				EmitState(r.bus, a.Name(), StateDisconnected, nil)
				return
			}
			if time.Since(started) > r.cap {
				// It held a connection for a while; forgive the history.
				attempt = 0
				policy.Reset()
			}
			if err == nil {
				err = errors.New("source returned without error")
			}
			EmitState(r.bus, a.Name(), StateDisconnected, err)

			if attempt == maxAttempts {
				break
			}
			wait := policy.NextBackOff()
			logger.Warn("Source dropped, backing off",
				"attempt", attempt, "retry_in", wait, "error", err)
			EmitState(r.bus, a.Name(), StateBackoff, nil)
			if !sleep(ctx, wait) {
				return
			}
		}

		logger.Error("Source failing persistently, pausing", "pause", r.pause)
		EmitState(r.bus, a.Name(), StateGaveUp, nil)
		if !sleep(ctx, r.pause) {
			return
		}
	}
}

// EmitState publishes a source lifecycle transition. Adapters call it
// with StateConnected once their connection is established.
func EmitState(b *bus.Bus, source, state string, err error) {
	p := &models.SourceStatePayload{Source: source, State: state}
	if err != nil {
		p.Error = err.Error()
	}
	b.Emit(models.SourceStateChanged(source), p)
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
