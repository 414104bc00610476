package eventlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
)

// Batch tuning: a flush goes out when the batch fills or the interval
// elapses, whichever comes first.
const (
	defaultBatchSize  = 64
	defaultFlushEvery = 250 * time.Millisecond
)

// Recorder subscribes to the whole bus and appends envelopes to the
// store. Inserts are batched; a failed batch is logged and dropped.
type Recorder struct {
	store  *Store
	bus    *bus.Bus
	logger *slog.Logger

	batchSize  int
	flushEvery time.Duration
}

// NewRecorder creates a recorder writing to the store.
func NewRecorder(store *Store, b *bus.Bus) *Recorder {
	return &Recorder{
		store:      store,
		bus:        b,
		logger:     slog.With("component", "eventlog"),
		batchSize:  defaultBatchSize,
		flushEvery: defaultFlushEvery,
	}
}

// Run records until the context is cancelled, flushing the tail batch on
// the way out.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.bus.Subscribe("*")
	defer sub.Close()

	ticker := time.NewTicker(r.flushEvery)
	defer ticker.Stop()

	batch := make([]entry, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Fresh context: the shutdown flush must still get a deadline.
		fctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.store.insertBatch(fctx, batch); err != nil {
			r.logger.Warn("Dropping event batch", "size", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case env, ok := <-sub.C():
			if !ok {
				flush()
				return nil
			}
			e, err := flatten(env)
			if err != nil {
				r.logger.Warn("Dropping unencodable envelope", "event_type", env.Type, "error", err)
				continue
			}
			batch = append(batch, e)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func flatten(env bus.Envelope) (entry, error) {
	var payload []byte
	if env.Payload != nil {
		data, err := json.Marshal(env.Payload)
		if err != nil {
			return entry{}, err
		}
		payload = data
	}
	return entry{
		id:            env.ID,
		eventType:     env.Type,
		correlationID: env.CorrelationID,
		payload:       payload,
		emittedAt:     env.Timestamp,
	}, nil
}
