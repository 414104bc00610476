package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/zelan-stream/zelan/pkg/models"
)

// DefaultRotation is the ticker rotation used when the stream config does
// not declare one.
var DefaultRotation = []models.AlertType{
	models.AlertTypeEmoteStats,
	models.AlertTypeRecentFollows,
}

// StreamConfig holds orchestrator-side configuration: the game-id → show
// mapping, the ticker rotation, and the extra bus topics forwarded to
// overlay clients alongside stream.state.
type StreamConfig struct {
	// Shows maps game id → show name (e.g. 13332 → "ironmon").
	Shows map[int]string
	// Rotation is the ordered cyclic sequence of ambient content tags.
	Rotation []models.AlertType
	// ForwardTopics are bus patterns relayed to overlay clients.
	ForwardTopics []string
}

// streamConfigFile is the on-disk JSON shape. Show keys are strings because
// JSON object keys always are.
type streamConfigFile struct {
	Shows         map[string]string `json:"shows,omitempty"`
	Rotation      []string          `json:"ticker_rotation,omitempty"`
	ForwardTopics []string          `json:"forward_topics,omitempty"`
}

// DefaultStreamConfig returns the configuration used when no stream-config
// file is given.
func DefaultStreamConfig() *StreamConfig {
	return &StreamConfig{
		Shows:    map[int]string{},
		Rotation: append([]models.AlertType(nil), DefaultRotation...),
	}
}

// LoadStreamConfig reads the optional stream-config JSON file.
func LoadStreamConfig(path string) (*StreamConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stream config: %w", err)
	}

	var raw streamConfigFile
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse stream config: %w", err)
	}

	cfg := DefaultStreamConfig()
	for key, show := range raw.Shows {
		gameID, err := strconv.Atoi(key)
		if err != nil {
			return nil, &ValidationError{Field: "shows." + key, Message: "game id must be numeric"}
		}
		if show == "" {
			return nil, &ValidationError{Field: "shows." + key, Message: "show name must not be empty"}
		}
		cfg.Shows[gameID] = show
	}
	if len(raw.Rotation) > 0 {
		cfg.Rotation = cfg.Rotation[:0]
		for _, tag := range raw.Rotation {
			if tag == "" {
				return nil, &ValidationError{Field: "ticker_rotation", Message: "tags must not be empty"}
			}
			cfg.Rotation = append(cfg.Rotation, models.AlertType(tag))
		}
	}
	cfg.ForwardTopics = raw.ForwardTopics
	return cfg, nil
}
