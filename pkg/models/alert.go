// Package models holds the canonical domain types shared across the
// orchestrator: alerts, stream state, process records, and the typed
// payloads carried by event envelopes.
package models

import (
	"time"

	"github.com/google/uuid"
)

// AlertType identifies the scheduling class of an alert. The closed set
// below covers the scheduler-relevant types; content-kind tags (such as
// "emote_stats" or "recent_follows") are valid types too and fall into the
// ambient band.
type AlertType string

// Scheduler-relevant alert types.
const (
	AlertTypeAlert          AlertType = "alert"
	AlertTypeSubTrain       AlertType = "sub_train"
	AlertTypeManualOverride AlertType = "manual_override"
	AlertTypeTicker         AlertType = "ticker"
)

// Content-kind alert types produced by the ticker rotation and source
// adapters. These all render in the ambient band.
const (
	AlertTypeEmoteStats      AlertType = "emote_stats"
	AlertTypeRecentFollows   AlertType = "recent_follows"
	AlertTypeIronmonRunStats AlertType = "ironmon_run_stats"
	AlertTypeDeathAlert      AlertType = "death_alert"
)

// Priority bands. Higher wins; ties break FIFO on StartedAt.
const (
	PriorityInterrupt = 100 // hard interrupt (alert, death_alert)
	PriorityNotable   = 50  // sub_train, manual_override
	PriorityAmbient   = 10  // ticker and everything else
)

// PriorityFor returns the canonical priority band for an alert type.
// Unknown types map to the ambient band.
func PriorityFor(t AlertType) int {
	switch t {
	case AlertTypeAlert, AlertTypeDeathAlert:
		return PriorityInterrupt
	case AlertTypeSubTrain, AlertTypeManualOverride:
		return PriorityNotable
	default:
		return PriorityAmbient
	}
}

// Default lifetimes after an alert becomes active.
const (
	DefaultAlertDuration    = 10 * time.Second
	DefaultSubTrainDuration = 300 * time.Second
	DefaultOverrideDuration = 30 * time.Second
	DefaultTickerDuration   = 15 * time.Second
)

// DefaultDuration returns the default lifetime for an alert type.
func DefaultDuration(t AlertType) time.Duration {
	switch t {
	case AlertTypeSubTrain:
		return DefaultSubTrainDuration
	case AlertTypeManualOverride:
		return DefaultOverrideDuration
	case AlertTypeTicker:
		return DefaultTickerDuration
	default:
		return DefaultAlertDuration
	}
}

// Alert is the unit scheduled by the orchestrator. Once emitted on the bus
// an alert is treated as immutable by consumers; only the orchestrator
// mutates it (StartedAt on promotion, Data/TTLDeadline on sub-train
// coalescing).
type Alert struct {
	ID          string         `json:"id"`
	Type        AlertType      `json:"type"`
	Priority    int            `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	DurationMS  int64          `json:"duration_ms"`
	TTLDeadline time.Time      `json:"ttl_deadline"`
}

// Normalize fills generated and derived fields: a missing ID, the priority
// band for the type, StartedAt, the default duration, and the TTL deadline.
// It returns the alert for chaining.
func (a *Alert) Normalize(now time.Time) *Alert {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Priority == 0 {
		a.Priority = PriorityFor(a.Type)
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = now
	}
	if a.DurationMS <= 0 {
		a.DurationMS = DefaultDuration(a.Type).Milliseconds()
	}
	a.TTLDeadline = a.StartedAt.Add(time.Duration(a.DurationMS) * time.Millisecond)
	return a
}

// RefreshDeadline resets the TTL deadline to now + the alert's duration.
// Used by sub-train coalescing.
func (a *Alert) RefreshDeadline(now time.Time) {
	a.TTLDeadline = now.Add(time.Duration(a.DurationMS) * time.Millisecond)
}

// Expired reports whether the alert's TTL deadline has passed. No consumer
// may display an alert for which this is true.
func (a *Alert) Expired(now time.Time) bool {
	return !a.TTLDeadline.After(now)
}

// Clone returns a deep copy. The orchestrator publishes clones so bus
// consumers never observe later mutations.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	cp := *a
	if a.Data != nil {
		cp.Data = make(map[string]any, len(a.Data))
		for k, v := range a.Data {
			cp.Data[k] = v
		}
	}
	return &cp
}
