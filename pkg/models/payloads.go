package models

import (
	"encoding/json"
	"time"
)

// Payload structs carried by envelopes, keyed by event type. Payloads are
// decoded exactly once, at the boundary where the raw bytes arrive; the
// rest of the pipeline works with the typed forms.

// FollowPayload accompanies twitch.follow.
type FollowPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// SubPayload accompanies twitch.sub.
type SubPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Tier     string `json:"tier,omitempty"`
	Months   int    `json:"months,omitempty"`
	IsGift   bool   `json:"is_gift,omitempty"`
}

// ChatPayload accompanies twitch.chat.
type ChatPayload struct {
	UserID   string   `json:"user_id"`
	UserName string   `json:"user_name"`
	Text     string   `json:"text"`
	Emotes   []string `json:"emotes,omitempty"`
}

// RedemptionPayload accompanies twitch.redemption.
type RedemptionPayload struct {
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
	Reward   string `json:"reward"`
	Input    string `json:"input,omitempty"`
}

// IronmonInitPayload accompanies ironmon.init.
type IronmonInitPayload struct {
	Version string `json:"version,omitempty"`
	Game    int    `json:"game,omitempty"`
}

// IronmonSeedPayload accompanies ironmon.seed.
type IronmonSeedPayload struct {
	Count int `json:"count"`
}

// IronmonCheckpointPayload accompanies ironmon.checkpoint.
type IronmonCheckpointPayload struct {
	ID     int    `json:"id"`
	Name   string `json:"name,omitempty"`
	Death  bool   `json:"death,omitempty"`
	Trades int    `json:"trades,omitempty"`
}

// IronmonLocationPayload accompanies ironmon.location.
type IronmonLocationPayload struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// NowPlayingPayload accompanies music.now_playing.
type NowPlayingPayload struct {
	TrackID   string    `json:"track_id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist,omitempty"`
	Album     string    `json:"album,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

// TranscriptFramePayload accompanies transcript.frame. It carries the
// decoded audio frame header; the PCM bytes themselves stay with the
// ingest pipeline and are not re-published on the bus.
type TranscriptFramePayload struct {
	TimestampNS uint64 `json:"timestamp_ns"`
	SampleRate  uint32 `json:"sample_rate"`
	Channels    uint32 `json:"channels"`
	BitDepth    uint32 `json:"bit_depth"`
	SourceID    string `json:"source_id"`
	SourceName  string `json:"source_name"`
	PCMBytes    int    `json:"pcm_bytes"`
}

// TranscriptTextPayload accompanies transcript.text.
type TranscriptTextPayload struct {
	Text       string    `json:"text"`
	SourceName string    `json:"source_name,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitzero"`
}

// ProcessStateChangedPayload accompanies process.state_changed.
type ProcessStateChangedPayload struct {
	Node   string       `json:"node"`
	ID     string       `json:"id"`
	State  ProcessState `json:"state"`
	PID    int          `json:"pid,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

// ProcessHealthChangedPayload accompanies process.health_changed.
type ProcessHealthChangedPayload struct {
	Node   string      `json:"node"`
	ID     string      `json:"id"`
	Health HealthState `json:"health"`
}

// ProcessGivingUpPayload accompanies process.giving_up, emitted when the
// restart policy is exhausted.
type ProcessGivingUpPayload struct {
	Node     string `json:"node"`
	ID       string `json:"id"`
	Restarts int    `json:"restarts"`
	WindowS  int    `json:"window_s"`
}

// SourceStatePayload accompanies source.<name>.state_changed.
type SourceStatePayload struct {
	Source string `json:"source"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

// GameChangedPayload accompanies meta.game_changed.
type GameChangedPayload struct {
	GameID int `json:"game_id"`
}

// AlertExpiredPayload accompanies alert.expired.
type AlertExpiredPayload struct {
	AlertID string    `json:"alert_id"`
	Type    AlertType `json:"type"`
}

// UnknownPayload carries the raw bytes of an event type the decoder does
// not recognize. Unknown events are logged at the boundary and never
// dispatched further.
type UnknownPayload struct {
	Raw json.RawMessage `json:"raw"`
}

// DecodePayload decodes raw JSON into the typed payload for eventType.
// Unrecognized types return UnknownPayload rather than an error so one odd
// event never halts a stream.
func DecodePayload(eventType string, raw []byte) (any, error) {
	var dst any
	switch eventType {
	case EventTwitchFollow:
		dst = &FollowPayload{}
	case EventTwitchSub:
		dst = &SubPayload{}
	case EventTwitchChat:
		dst = &ChatPayload{}
	case EventTwitchRedemption:
		dst = &RedemptionPayload{}
	case EventIronmonInit:
		dst = &IronmonInitPayload{}
	case EventIronmonSeed:
		dst = &IronmonSeedPayload{}
	case EventIronmonCheckpoint:
		dst = &IronmonCheckpointPayload{}
	case EventIronmonLocation:
		dst = &IronmonLocationPayload{}
	case EventMusicNowPlaying:
		dst = &NowPlayingPayload{}
	case EventTranscriptFrame:
		dst = &TranscriptFramePayload{}
	case EventTranscriptText:
		dst = &TranscriptTextPayload{}
	case EventProcessStateChanged:
		dst = &ProcessStateChangedPayload{}
	case EventProcessHealthChanged:
		dst = &ProcessHealthChangedPayload{}
	case EventProcessGivingUp:
		dst = &ProcessGivingUpPayload{}
	case EventGameChanged:
		dst = &GameChangedPayload{}
	case EventAlertExpired:
		dst = &AlertExpiredPayload{}
	case EventStreamState:
		dst = &StreamState{}
	default:
		if _, ok := IsSourceStateChanged(eventType); ok {
			dst = &SourceStatePayload{}
			break
		}
		return UnknownPayload{Raw: append(json.RawMessage(nil), raw...)}, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return nil, err
	}
	return dst, nil
}
