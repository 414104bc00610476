package models

import "strings"

// Event types emitted by the orchestrator core.
const (
	EventStreamState  = "stream.state"
	EventAlertExpired = "alert.expired"
	EventGameChanged  = "meta.game_changed"
)

// Event types emitted by the process supervision fleet.
const (
	EventProcessStateChanged  = "process.state_changed"
	EventProcessHealthChanged = "process.health_changed"
	EventProcessGivingUp      = "process.giving_up"
)

// Event types emitted by source adapters.
const (
	EventTwitchFollow     = "twitch.follow"
	EventTwitchSub        = "twitch.sub"
	EventTwitchChat       = "twitch.chat"
	EventTwitchRedemption = "twitch.redemption"

	EventIronmonInit       = "ironmon.init"
	EventIronmonSeed       = "ironmon.seed"
	EventIronmonCheckpoint = "ironmon.checkpoint"
	EventIronmonLocation   = "ironmon.location"

	EventMusicNowPlaying = "music.now_playing"

	EventTranscriptFrame = "transcript.frame"
	EventTranscriptText  = "transcript.text"
)

// SourceStateChanged returns the event type for an adapter lifecycle
// change, e.g. "source.ironmon.state_changed".
func SourceStateChanged(source string) string {
	return "source." + source + ".state_changed"
}

// IsSourceStateChanged reports whether an event type is an adapter
// lifecycle event and returns the source name if so.
func IsSourceStateChanged(eventType string) (string, bool) {
	rest, ok := strings.CutPrefix(eventType, "source.")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ".state_changed")
	if !ok || name == "" {
		return "", false
	}
	return name, true
}
