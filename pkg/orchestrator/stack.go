package orchestrator

import (
	"sort"
	"time"

	"github.com/zelan-stream/zelan/pkg/models"
)

// Stack bounds. When the stack exceeds maxStackSize, expired entries are
// removed first; if still over, the lowest-priority oldest entries are
// dropped until the size is back at stackLowWater.
const (
	maxStackSize  = 50
	stackLowWater = 25
)

// stack is the interrupt stack: the ordered multiset of pending non-ticker
// alerts. It is owned by the orchestrator goroutine; nothing here locks.
//
// Invariant: entries are kept stably sorted by (priority DESC,
// started_at ASC), so entries[0] is always the dominant alert.
type stack struct {
	entries []*models.Alert
	dropped int64
}

// push inserts an alert and restores sort order.
func (s *stack) push(a *models.Alert) {
	s.entries = append(s.entries, a)
	s.sort()
}

func (s *stack) sort() {
	sort.SliceStable(s.entries, func(i, j int) bool {
		if s.entries[i].Priority != s.entries[j].Priority {
			return s.entries[i].Priority > s.entries[j].Priority
		}
		return s.entries[i].StartedAt.Before(s.entries[j].StartedAt)
	})
}

// removeExpired drops entries whose TTL deadline has passed and returns
// them so the caller can emit alert.expired events.
func (s *stack) removeExpired(now time.Time) []*models.Alert {
	var expired []*models.Alert
	kept := s.entries[:0]
	for _, a := range s.entries {
		if a.Expired(now) {
			expired = append(expired, a)
		} else {
			kept = append(kept, a)
		}
	}
	s.entries = kept
	return expired
}

// head returns the dominant surviving alert without mutating the stack.
func (s *stack) head(now time.Time) *models.Alert {
	for _, a := range s.entries {
		if !a.Expired(now) {
			return a
		}
	}
	return nil
}

// priorityLevel derives the stream priority level from surviving stack
// entries alone. Band tests are at-or-above, never exact-match.
func (s *stack) priorityLevel(now time.Time) models.PriorityLevel {
	level := models.PriorityLevelTicker
	for _, a := range s.entries {
		if a.Expired(now) {
			continue
		}
		if a.Priority >= models.PriorityInterrupt {
			return models.PriorityLevelAlert
		}
		if a.Priority >= models.PriorityNotable {
			level = models.PriorityLevelSubTrain
		}
	}
	return level
}

// find returns the first entry with the given alert type, or nil.
func (s *stack) find(t models.AlertType) *models.Alert {
	for _, a := range s.entries {
		if a.Type == t {
			return a
		}
	}
	return nil
}

// remove deletes the entry with the given id. Reports whether it existed.
func (s *stack) remove(id string) bool {
	for i, a := range s.entries {
		if a.ID == id {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return true
		}
	}
	return false
}

// clear empties the stack and returns the removed entries.
func (s *stack) clear() []*models.Alert {
	removed := s.entries
	s.entries = nil
	return removed
}

// nextDeadline returns the earliest TTL deadline among entries, used to arm
// the orchestrator's expiry timer. Zero time when the stack is empty.
func (s *stack) nextDeadline() time.Time {
	var min time.Time
	for _, a := range s.entries {
		if min.IsZero() || a.TTLDeadline.Before(min) {
			min = a.TTLDeadline
		}
	}
	return min
}

// enforceBounds applies the overflow policy and returns how many live
// entries were evicted.
func (s *stack) enforceBounds(now time.Time) int {
	if len(s.entries) <= maxStackSize {
		return 0
	}
	s.removeExpired(now)

	evicted := 0
	for len(s.entries) > stackLowWater {
		s.evictLowestOldest()
		evicted++
	}
	s.dropped += int64(evicted)
	return evicted
}

// evictLowestOldest removes the oldest entry of the lowest priority band.
// With the stack sorted (priority DESC, started ASC) that is the first
// entry of the trailing priority group.
func (s *stack) evictLowestOldest() {
	if len(s.entries) == 0 {
		return
	}
	lowest := s.entries[len(s.entries)-1].Priority
	for i, a := range s.entries {
		if a.Priority == lowest {
			s.entries = append(s.entries[:i], s.entries[i+1:]...)
			return
		}
	}
}

func (s *stack) len() int { return len(s.entries) }
