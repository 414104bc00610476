// Package orchestrator decides what is on the omnibar at every instant:
// it owns the interrupt stack and the ticker rotation, computes the active
// alert, and broadcasts stream.state transitions on the event bus.
//
// All stack and rotator mutations happen on the single goroutine running
// Run, so the active-alert computation always sees a consistent snapshot.
// External callers interact through the bus, the command methods (which
// post closures to the owner goroutine), and the copy-on-write Snapshot.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/config"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Orchestrator runs the active-alert algorithm.
type Orchestrator struct {
	bus    *bus.Bus
	logger *slog.Logger
	now    func() time.Time

	// Owned by the Run goroutine.
	stack       *stack
	rot         *rotator
	shows       map[int]string
	currentGame int
	lastKey     string

	snapshot atomic.Pointer[models.StreamState]
	cmdCh    chan func(now time.Time)
}

// New creates an orchestrator from the stream configuration. Call Run to
// start it.
func New(b *bus.Bus, cfg *config.StreamConfig, tickerInterval time.Duration) *Orchestrator {
	if tickerInterval <= 0 {
		tickerInterval = config.DefaultTickerInterval
	}
	o := &Orchestrator{
		bus:    b,
		logger: slog.With("component", "orchestrator"),
		now:    time.Now,
		stack:  &stack{},
		rot:    newRotator(cfg.Rotation, tickerInterval),
		shows:  cfg.Shows,
		cmdCh:  make(chan func(now time.Time), 64),
	}
	initial := o.computeState(o.now())
	o.snapshot.Store(&initial)
	return o
}

// Run consumes source events, rotation ticks, expiry deadlines, and posted
// commands until the context is cancelled. It must be called exactly once.
func (o *Orchestrator) Run(ctx context.Context) error {
	sub := o.bus.Subscribe("twitch.*", "ironmon.*", "meta.*")
	defer sub.Close()

	ticker := time.NewTicker(o.rot.interval)
	defer ticker.Stop()

	// expiry fires when the earliest stack deadline passes so transitions
	// are emitted even when no event arrives.
	expiry := time.NewTimer(time.Hour)
	expiry.Stop()
	defer expiry.Stop()

	o.rot.refresh(o.now())
	o.commit(o.now(), "", expiry)
	o.logger.Info("Orchestrator started",
		"rotation_len", len(o.rot.tags), "ticker_interval", o.rot.interval)

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("Orchestrator stopped")
			return ctx.Err()

		case env, ok := <-sub.C():
			if !ok {
				return nil
			}
			now := o.now()
			o.handleEnvelope(env, now)
			o.commit(now, env.CorrelationID, expiry)

		case <-ticker.C:
			now := o.now()
			o.tickRotation(now)
			o.commit(now, "", expiry)

		case <-expiry.C:
			o.commit(o.now(), "", expiry)

		case fn := <-o.cmdCh:
			now := o.now()
			fn(now)
			o.commit(now, "", expiry)
		}
	}
}

// Snapshot returns the latest published stream state. Safe from any
// goroutine; the returned value is never mutated after publication.
func (o *Orchestrator) Snapshot() *models.StreamState {
	return o.snapshot.Load()
}

// PushAlert schedules an alert (dashboard manual push or a programmatic
// interrupt). The alert is normalized on the owner goroutine.
func (o *Orchestrator) PushAlert(a models.Alert) {
	o.post(func(now time.Time) {
		o.stack.push(a.Normalize(now))
		o.stack.enforceBounds(now)
	})
}

// ClearAlert removes an alert by id.
func (o *Orchestrator) ClearAlert(id string) {
	o.post(func(now time.Time) {
		if !o.stack.remove(id) {
			o.logger.Debug("Clear for unknown alert", "alert_id", id)
		}
	})
}

// ClearAll empties the interrupt stack.
func (o *Orchestrator) ClearAll() {
	o.post(func(now time.Time) { o.stack.clear() })
}

// SetRotation replaces the ticker rotation at runtime.
func (o *Orchestrator) SetRotation(tags []models.AlertType) {
	o.post(func(now time.Time) { o.rot.replace(tags, now) })
}

func (o *Orchestrator) post(fn func(now time.Time)) {
	o.cmdCh <- fn
}

// handleEnvelope translates a source event into stack mutations.
func (o *Orchestrator) handleEnvelope(env bus.Envelope, now time.Time) {
	switch p := env.Payload.(type) {
	case *models.FollowPayload:
		o.stack.push((&models.Alert{
			Type: models.AlertTypeAlert,
			Data: map[string]any{"kind": "follow", "user_name": p.UserName},
		}).Normalize(now))

	case *models.SubPayload:
		o.coalesceSub(p, now)

	case *models.RedemptionPayload:
		o.stack.push((&models.Alert{
			Type: models.AlertTypeAlert,
			Data: map[string]any{"kind": "redemption", "user_name": p.UserName, "reward": p.Reward},
		}).Normalize(now))

	case *models.IronmonCheckpointPayload:
		if p.Death {
			o.stack.push((&models.Alert{
				Type: models.AlertTypeDeathAlert,
				Data: map[string]any{"checkpoint": p.Name},
			}).Normalize(now))
		}

	case *models.GameChangedPayload:
		o.currentGame = p.GameID
		o.logger.Info("Game changed", "game_id", p.GameID, "show", o.show())

	case *models.ChatPayload, *models.IronmonInitPayload,
		*models.IronmonSeedPayload, *models.IronmonLocationPayload:
		// Informational; nothing to schedule.

	default:
		o.logger.Debug("Ignoring envelope", "event_type", env.Type)
	}
	o.stack.enforceBounds(now)
}

// coalesceSub implements sub-train coalescing: an active sub_train is a
// singleton; new subs bump its count and refresh its deadline instead of
// stacking a second entry.
func (o *Orchestrator) coalesceSub(p *models.SubPayload, now time.Time) {
	if st := o.stack.find(models.AlertTypeSubTrain); st != nil && !st.Expired(now) {
		st.Data["count"] = asInt(st.Data["count"]) + 1
		st.Data["latest"] = p.UserName
		st.RefreshDeadline(now)
		return
	}
	o.stack.push((&models.Alert{
		Type: models.AlertTypeSubTrain,
		Data: map[string]any{"count": 1, "latest": p.UserName},
	}).Normalize(now))
}

// asInt reads a counter that arrives as float64 when the alert came in
// through a JSON surface.
func asInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// tickRotation advances the cursor only when the synthetic ticker is the
// active alert, so a long interrupt never eats rotation slots.
func (o *Orchestrator) tickRotation(now time.Time) {
	if o.stack.head(now) == nil {
		o.rot.advance(now)
	}
}

// commit is run after every mutation: it drops expired entries (emitting
// alert.expired), recomputes the state triple, publishes it when it
// changed, and re-arms the expiry timer.
func (o *Orchestrator) commit(now time.Time, correlationID string, expiry *time.Timer) {
	for _, a := range o.stack.removeExpired(now) {
		o.bus.EmitCorrelated(models.EventAlertExpired,
			&models.AlertExpiredPayload{AlertID: a.ID, Type: a.Type}, correlationID)
	}

	state := o.computeState(now)
	key := stateKey(state)
	if key != o.lastKey {
		o.lastKey = key
		o.snapshot.Store(&state)
		o.bus.EmitCorrelated(models.EventStreamState, &state, correlationID)
	}

	armExpiry(expiry, o.stack.nextDeadline(), now)
}

// computeState is the deterministic active-alert computation: surviving
// stack head first, synthetic ticker second, none last.
func (o *Orchestrator) computeState(now time.Time) models.StreamState {
	active := o.stack.head(now)
	if active == nil && !o.rot.empty() {
		o.rot.refresh(now)
		active = o.rot.current()
	}
	return models.StreamState{
		CurrentShow:   o.show(),
		PriorityLevel: o.stack.priorityLevel(now),
		ActiveContent: active.Clone(),
	}
}

func (o *Orchestrator) show() string {
	if show, ok := o.shows[o.currentGame]; ok {
		return show
	}
	return models.DefaultShow
}

func stateKey(s models.StreamState) string {
	active := "none"
	if a := s.ActiveContent; a != nil {
		// The id alone misses in-place mutations such as sub-train
		// coalescing, so the deadline and count ride along.
		active = fmt.Sprintf("%s|%d|%v", a.ID, a.TTLDeadline.UnixNano(), a.Data["count"])
	}
	return fmt.Sprintf("%s|%s|%s", s.CurrentShow, s.PriorityLevel, active)
}

func armExpiry(t *time.Timer, deadline, now time.Time) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	if deadline.IsZero() {
		return
	}
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	t.Reset(d)
}
