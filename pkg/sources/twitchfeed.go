package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// dedupeWindow bounds the remembered upstream message ids. Providers
// redeliver on reconnect; 512 ids comfortably covers the replay window.
const dedupeWindow = 512

// TwitchFeed dials an upstream push feed over WebSocket and translates
// its messages into twitch.* envelopes. Upstream redeliveries are
// suppressed by provider message id.
type TwitchFeed struct {
	url    string
	bus    *bus.Bus
	logger *slog.Logger
	seen   *idWindow
}

// NewTwitchFeed creates the adapter for the given upstream URL.
func NewTwitchFeed(url string, b *bus.Bus) *TwitchFeed {
	return &TwitchFeed{
		url:    url,
		bus:    b,
		logger: slog.With("component", "twitch_feed"),
		seen:   newIDWindow(dedupeWindow),
	}
}

// Name implements Adapter.
func (f *TwitchFeed) Name() string { return "twitch" }

// feedMessage is the upstream wire shape: an id, a type, and the payload
// fields inline.
type feedMessage struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// Run reads the feed until the connection drops or the context is
// cancelled.
func (f *TwitchFeed) Run(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	EmitState(f.bus, f.Name(), StateConnected, nil)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read feed: %w", err)
		}
		f.handleMessage(ctx, conn, data)
	}
}

func (f *TwitchFeed) handleMessage(ctx context.Context, conn *websocket.Conn, data []byte) {
	var msg feedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("Dropping malformed feed message", "error", err)
		return
	}

	if msg.Type == "ping" {
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"pong"}`))
		return
	}
	if msg.ID != "" && !f.seen.add(msg.ID) {
		f.logger.Debug("Suppressing duplicate feed message", "message_id", msg.ID)
		return
	}

	var eventType string
	switch msg.Type {
	case "follow":
		eventType = models.EventTwitchFollow
	case "sub":
		eventType = models.EventTwitchSub
	case "chat":
		eventType = models.EventTwitchChat
	case "redemption":
		eventType = models.EventTwitchRedemption
	default:
		f.logger.Debug("Ignoring feed message of unknown type", "type", msg.Type)
		return
	}

	payload, err := models.DecodePayload(eventType, data)
	if err != nil {
		f.logger.Warn("Dropping undecodable feed message", "type", msg.Type, "error", err)
		return
	}
	f.bus.Emit(eventType, payload)
}

// idWindow is a bounded insertion-order set. Adding an id past capacity
// forgets the oldest one.
type idWindow struct {
	capacity int
	order    []string
	seen     map[string]struct{}
}

func newIDWindow(capacity int) *idWindow {
	return &idWindow{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// add records the id and reports whether it was new.
func (w *idWindow) add(id string) bool {
	if _, dup := w.seen[id]; dup {
		return false
	}
	if len(w.order) >= w.capacity {
		oldest := w.order[0]
		w.order = w.order[1:]
		delete(w.seen, oldest)
	}
	w.order = append(w.order, id)
	w.seen[id] = struct{}{}
	return true
}
