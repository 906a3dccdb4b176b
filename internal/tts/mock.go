package tts

import (
	"context"
	"encoding/binary"
	"math"
	"strings"
	"time"
)

const (
	// mockSpokenPerToken is how long each token plays, roughly conversational pace.
	mockSpokenPerToken = 250 * time.Millisecond
	mockToneHz         = 220
	mockToneAmplitude  = 1200
)

type mockSynth struct {
	sampleRate    int
	channels      int
	perToken      time.Duration
	chunkDuration time.Duration
}

// NewMockSynth works for perToken per token of input, then returns a quiet
// tone as long as the chunk would take to speak, split into chunkDuration
// frames. A zero chunkDuration yields one frame.
func NewMockSynth(sampleRate, channels int, perToken, chunkDuration time.Duration) Synthesizer {
	return &mockSynth{sampleRate: sampleRate, channels: channels, perToken: perToken, chunkDuration: chunkDuration}
}

func (m *mockSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		tokens := req.Tokens
		if tokens <= 0 {
			tokens = len(strings.Fields(req.Text))
		}
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(time.Duration(tokens) * m.perToken):
		}

		pcm := m.tone(time.Duration(tokens) * mockSpokenPerToken)
		frames := splitFrames(pcm, frameBytes(m.sampleRate, m.channels, m.chunkDuration))
		for i, frame := range frames {
			select {
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: m.sampleRate,
				Channels:   m.channels,
				PCM:        frame,
				Final:      i == len(frames)-1,
			}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
	}()
	return chunks, errs
}

// tone renders d of a sine wave as interleaved 16-bit little endian PCM.
func (m *mockSynth) tone(d time.Duration) []byte {
	frames := int(int64(m.sampleRate) * d.Milliseconds() / 1000)
	pcm := make([]byte, frames*m.channels*2)
	for i := 0; i < frames; i++ {
		v := int16(mockToneAmplitude * math.Sin(2*math.Pi*mockToneHz*float64(i)/float64(m.sampleRate)))
		for c := 0; c < m.channels; c++ {
			binary.LittleEndian.PutUint16(pcm[(i*m.channels+c)*2:], uint16(v))
		}
	}
	return pcm
}
