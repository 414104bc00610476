package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// minMusicInterval is the floor on the polling cadence; anything faster
// hammers the now-playing endpoint for no benefit.
const minMusicInterval = 10 * time.Second

// MusicPoller polls a now-playing JSON endpoint and emits
// music.now_playing whenever the track actually changes. The same track
// reported twice (same identity and start time) is suppressed.
type MusicPoller struct {
	url      string
	interval time.Duration
	bus      *bus.Bus
	client   *http.Client
	logger   *slog.Logger

	lastKey string
}

// NewMusicPoller creates a poller. Intervals below 10 s are clamped up.
func NewMusicPoller(url string, interval time.Duration, b *bus.Bus) *MusicPoller {
	if interval < minMusicInterval {
		interval = minMusicInterval
	}
	return &MusicPoller{
		url:      url,
		interval: interval,
		bus:      b,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   slog.With("component", "music"),
	}
}

// Name implements Adapter.
func (m *MusicPoller) Name() string { return "music" }

// Run polls until the context is cancelled. A failed poll returns so the
// runner applies its backoff policy.
func (m *MusicPoller) Run(ctx context.Context) error {
	if err := m.poll(ctx); err != nil {
		return err
	}
	EmitState(m.bus, m.Name(), StateConnected, nil)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.poll(ctx); err != nil {
				return err
			}
		}
	}
}

func (m *MusicPoller) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return fmt.Errorf("build now-playing request: %w", err)
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("poll now-playing: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll now-playing: http %d", resp.StatusCode)
	}

	var track models.NowPlayingPayload
	if err := json.NewDecoder(resp.Body).Decode(&track); err != nil {
		return fmt.Errorf("decode now-playing: %w", err)
	}
	if track.TrackID == "" && track.Title == "" {
		return nil // nothing playing
	}

	key := fmt.Sprintf("%s|%s|%d", track.TrackID, track.Title, track.StartedAt.UnixNano())
	if key == m.lastKey {
		return nil
	}
	m.lastKey = key
	m.logger.Info("Now playing", "track_id", track.TrackID, "title", track.Title)
	m.bus.Emit(models.EventMusicNowPlaying, &track)
	return nil
}
