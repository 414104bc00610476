package fleet

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Watcher maintains a WebSocket subscription to every peer's event stream
// and re-publishes the process lifecycle events it receives on the local
// bus. Each peer connection redials forever with exponential backoff.
type Watcher struct {
	localNode string
	bus       *bus.Bus
	peers     map[string]string
	logger    *slog.Logger
}

// NewWatcher creates a watcher for the configured peer set.
func NewWatcher(localNode string, b *bus.Bus, peers map[string]string) *Watcher {
	return &Watcher{
		localNode: localNode,
		bus:       b,
		peers:     peers,
		logger:    slog.With("component", "fleet_watcher", "node", localNode),
	}
}

// Run watches all peers until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for node, base := range w.peers {
		wg.Add(1)
		go func(node, base string) {
			defer wg.Done()
			w.watchPeer(ctx, node, base+"/socket")
		}(node, base)
	}
	wg.Wait()
	return ctx.Err()
}

func (w *Watcher) watchPeer(ctx context.Context, node, url string) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxInterval = 30 * time.Second
	policy.MaxElapsedTime = 0 // redial forever

	for {
		conn, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := policy.NextBackOff()
			w.logger.Debug("Peer dial failed, backing off",
				"peer", node, "error", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		policy.Reset()
		w.logger.Info("Watching peer events", "peer", node)
		w.readLoop(ctx, node, conn)
		if ctx.Err() != nil {
			return
		}
	}
}

// readLoop consumes frames until the connection drops. Only remote
// process.state_changed frames are re-published; everything else on the
// stream (snapshots, pings, stream state) is the peer's own concern.
func (w *Watcher) readLoop(ctx context.Context, node string, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				w.logger.Debug("Peer stream closed", "peer", node, "error", err)
			}
			return
		}

		var frame struct {
			T string `json:"t"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.T {
		case models.EventProcessStateChanged:
			var p models.ProcessStateChangedPayload
			if err := json.Unmarshal(data, &p); err != nil {
				w.logger.Warn("Malformed peer lifecycle frame", "peer", node, "error", err)
				continue
			}
			if p.Node == w.localNode {
				continue // our own event reflected back
			}
			w.bus.Emit(models.EventProcessStateChanged, &p)
		case "ping":
			_ = conn.Write(ctx, websocket.MessageText, []byte(`{"t":"pong"}`))
		}
	}
}
