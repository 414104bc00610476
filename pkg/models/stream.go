package models

// PriorityLevel reflects the top of the interrupt stack. It is derived from
// real stack entries only; the synthetic ticker alert never raises it.
type PriorityLevel string

// Priority levels, highest first.
const (
	PriorityLevelAlert    PriorityLevel = "alert"
	PriorityLevelSubTrain PriorityLevel = "sub_train"
	PriorityLevelTicker   PriorityLevel = "ticker"
)

// DefaultShow is the show reported when the current game has no mapping.
const DefaultShow = "variety"

// StreamState is the externally observed triple. A StreamState value is a
// self-contained snapshot: sending it to a fresh overlay client fully
// initializes that client without any replay.
type StreamState struct {
	CurrentShow   string        `json:"current_show"`
	PriorityLevel PriorityLevel `json:"priority_level"`
	ActiveContent *Alert        `json:"active_content"`
}
