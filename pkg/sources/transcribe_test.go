package sources

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zelan-stream/zelan/pkg/bus"
	"github.com/zelan-stream/zelan/pkg/models"
)

// buildAudioFrame assembles a wire frame from its parts.
func buildAudioFrame(timestampNS uint64, rate, channels, depth uint32, sourceID, sourceName string, pcm []byte) []byte {
	buf := make([]byte, frameHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], timestampNS)
	binary.LittleEndian.PutUint32(buf[8:12], rate)
	binary.LittleEndian.PutUint32(buf[12:16], channels)
	binary.LittleEndian.PutUint32(buf[16:20], depth)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(sourceID)))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(len(sourceName)))
	buf = append(buf, sourceID...)
	buf = append(buf, sourceName...)
	return append(buf, pcm...)
}

func TestDecodeAudioFrame(t *testing.T) {
	data := buildAudioFrame(1234567890, 48000, 2, 16, "mic-1", "Desk Mic", make([]byte, 960))

	frame, err := decodeAudioFrame(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1234567890), frame.TimestampNS)
	assert.Equal(t, uint32(48000), frame.SampleRate)
	assert.Equal(t, uint32(2), frame.Channels)
	assert.Equal(t, uint32(16), frame.BitDepth)
	assert.Equal(t, "mic-1", frame.SourceID)
	assert.Equal(t, "Desk Mic", frame.SourceName)
	assert.Equal(t, 960, frame.PCMBytes)
}

func TestDecodeAudioFrameRejectsBadHeaders(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"sample rate too high", buildAudioFrame(1, 192001, 2, 16, "a", "b", nil)},
		{"too many channels", buildAudioFrame(1, 48000, 9, 16, "a", "b", nil)},
		{"bit depth too high", buildAudioFrame(1, 48000, 2, 33, "a", "b", nil)},
		{"short header", make([]byte, frameHeaderSize-1)},
		{"labels longer than frame", buildAudioFrame(1, 48000, 2, 16, "abc", "def", nil)[:frameHeaderSize+2]},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeAudioFrame(tc.data)
			require.Error(t, err)
		})
	}
}

func TestDecodeAudioFrameRejectsHugeLabelLengths(t *testing.T) {
	data := buildAudioFrame(1, 48000, 2, 16, "", "", nil)
	// Claim a gigantic source id without supplying it.
	binary.LittleEndian.PutUint32(data[20:24], 1<<30)
	_, err := decodeAudioFrame(data)
	require.Error(t, err)
}

func TestTranscriberEmitsFrameMetadata(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(models.EventTranscriptFrame)
	defer sub.Close()

	tr := NewTranscriber(b)
	tr.HandleBinary(buildAudioFrame(42, 44100, 1, 16, "mic", "Mic", make([]byte, 100)))

	env := <-sub.C()
	frame := env.Payload.(*models.TranscriptFramePayload)
	assert.Equal(t, uint32(44100), frame.SampleRate)
	assert.Equal(t, 100, frame.PCMBytes)
	assert.Zero(t, tr.Dropped())
}

func TestTranscriberCountsDroppedFrames(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("transcript.*")
	defer sub.Close()

	tr := NewTranscriber(b)
	tr.HandleBinary(buildAudioFrame(1, 500000, 2, 16, "a", "b", nil))
	tr.HandleBinary([]byte("way too short"))

	assert.Equal(t, int64(2), tr.Dropped())
	select {
	case env := <-sub.C():
		t.Fatalf("unexpected envelope: %s", env.Type)
	default:
	}
}

func TestTranscriberTextFrames(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(models.EventTranscriptText)
	defer sub.Close()

	tr := NewTranscriber(b)
	tr.HandleText([]byte(`{"text":"hello chat","source_name":"Desk Mic"}`))

	env := <-sub.C()
	p := env.Payload.(*models.TranscriptTextPayload)
	assert.Equal(t, "hello chat", p.Text)
	assert.Equal(t, "Desk Mic", p.SourceName)
	assert.False(t, p.CapturedAt.IsZero())

	tr.HandleText([]byte(`{"text":""}`))
	assert.Equal(t, int64(1), tr.Dropped())
}
