package sources

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// Audio frame header: six little-endian fields, 28 bytes total.
//
//	timestamp_ns u64 | sample_rate u32 | channels u32 | bit_depth u32 |
//	source_id_len u32 | source_name_len u32
const frameHeaderSize = 28

// Sanity bounds on header fields. Anything outside is a corrupt or
// hostile frame and is dropped, not clamped.
const (
	maxSampleRate = 192000
	maxChannels   = 8
	maxBitDepth   = 32
	maxLabelLen   = 1024
)

var (
	errFrameTruncated  = errors.New("invalid_message: truncated audio frame")
	errFrameOutOfRange = errors.New("invalid_message: audio header out of range")
)

// Transcriber decodes ingest frames and publishes their metadata. Binary
// frames carry PCM audio with the 28-byte header; text frames are JSON
// transcripts. PCM bytes never go onto the bus, only the header summary.
type Transcriber struct {
	bus     *bus.Bus
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewTranscriber creates a transcriber publishing on the bus.
func NewTranscriber(b *bus.Bus) *Transcriber {
	return &Transcriber{bus: b, logger: slog.With("component", "transcribe")}
}

// Dropped reports how many malformed frames were discarded.
func (t *Transcriber) Dropped() int64 { return t.dropped.Load() }

// HandleBinary decodes one PCM frame and emits transcript.frame. Bad
// frames are counted and dropped; the connection stays up.
func (t *Transcriber) HandleBinary(data []byte) {
	frame, err := decodeAudioFrame(data)
	if err != nil {
		t.dropped.Add(1)
		t.logger.Warn("Dropping audio frame", "error", err, "dropped_total", t.dropped.Load())
		return
	}
	t.bus.Emit(models.EventTranscriptFrame, frame)
}

// HandleText decodes one JSON transcript message and emits
// transcript.text.
func (t *Transcriber) HandleText(data []byte) {
	var p models.TranscriptTextPayload
	if err := json.Unmarshal(data, &p); err != nil || p.Text == "" {
		t.dropped.Add(1)
		t.logger.Warn("Dropping transcript message", "error", err)
		return
	}
	if p.CapturedAt.IsZero() {
		p.CapturedAt = time.Now().UTC()
	}
	t.bus.Emit(models.EventTranscriptText, &p)
}

// decodeAudioFrame parses the binary layout: header, source id, source
// name, PCM payload.
func decodeAudioFrame(data []byte) (*models.TranscriptFramePayload, error) {
	if len(data) < frameHeaderSize {
		return nil, fmt.Errorf("%w: %d header bytes", errFrameTruncated, len(data))
	}

	frame := &models.TranscriptFramePayload{
		TimestampNS: binary.LittleEndian.Uint64(data[0:8]),
		SampleRate:  binary.LittleEndian.Uint32(data[8:12]),
		Channels:    binary.LittleEndian.Uint32(data[12:16]),
		BitDepth:    binary.LittleEndian.Uint32(data[16:20]),
	}
	idLen := binary.LittleEndian.Uint32(data[20:24])
	nameLen := binary.LittleEndian.Uint32(data[24:28])

	if frame.SampleRate > maxSampleRate || frame.Channels > maxChannels || frame.BitDepth > maxBitDepth {
		return nil, fmt.Errorf("%w: rate=%d channels=%d depth=%d",
			errFrameOutOfRange, frame.SampleRate, frame.Channels, frame.BitDepth)
	}
	if idLen > maxLabelLen || nameLen > maxLabelLen {
		return nil, fmt.Errorf("%w: label lengths %d/%d", errFrameOutOfRange, idLen, nameLen)
	}

	labelsEnd := frameHeaderSize + int(idLen) + int(nameLen)
	if len(data) < labelsEnd {
		return nil, fmt.Errorf("%w: %d bytes, labels need %d", errFrameTruncated, len(data), labelsEnd)
	}

	frame.SourceID = string(data[frameHeaderSize : frameHeaderSize+int(idLen)])
	frame.SourceName = string(data[frameHeaderSize+int(idLen) : labelsEnd])
	frame.PCMBytes = len(data) - labelsEnd
	return frame, nil
}
