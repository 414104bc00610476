package orchestrator

import (
	"fmt"
	"time"

	"github.com/zelan-stream/zelan/pkg/models"
)

// rotator cycles the ambient content tags shown when no interrupt is
// dominant. Finite, cyclic, restartable. Owned by the orchestrator
// goroutine.
type rotator struct {
	tags      []models.AlertType
	cursor    int
	slotStart time.Time
	interval  time.Duration
}

func newRotator(tags []models.AlertType, interval time.Duration) *rotator {
	return &rotator{tags: tags, interval: interval}
}

// current builds the synthetic ticker alert for the cursor position, or nil
// when the rotation is empty. The alert is always ambient priority; the
// rotation can never produce an interrupt.
func (r *rotator) current() *models.Alert {
	if len(r.tags) == 0 {
		return nil
	}
	tag := r.tags[r.cursor%len(r.tags)]
	started := r.slotStart
	return &models.Alert{
		// Deterministic per slot so repeated reads see the same alert.
		ID:          fmt.Sprintf("ticker-%s-%d", tag, started.UnixMilli()),
		Type:        models.AlertTypeTicker,
		Priority:    models.PriorityAmbient,
		Data:        map[string]any{"tag": string(tag)},
		StartedAt:   started,
		DurationMS:  r.interval.Milliseconds(),
		TTLDeadline: started.Add(r.interval),
	}
}

// advance moves the cursor to the next tag and starts a new slot.
func (r *rotator) advance(now time.Time) {
	if len(r.tags) == 0 {
		return
	}
	r.cursor = (r.cursor + 1) % len(r.tags)
	r.slotStart = now
}

// refresh restarts the current slot without advancing. Called when the
// ticker becomes active again after an interrupt held the screen past the
// slot deadline. The interrupt must not eat rotation positions, but the
// synthetic alert's TTL must stay ahead of the clock.
func (r *rotator) refresh(now time.Time) {
	if r.slotStart.IsZero() || !r.slotStart.Add(r.interval).After(now) {
		r.slotStart = now
	}
}

// replace swaps the rotation sequence and restarts from the beginning.
func (r *rotator) replace(tags []models.AlertType, now time.Time) {
	r.tags = append([]models.AlertType(nil), tags...)
	r.cursor = 0
	r.slotStart = now
}

func (r *rotator) empty() bool { return len(r.tags) == 0 }
