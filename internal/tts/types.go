package tts

import (
	"context"
	"time"
)

// SynthRequest contains parameters to synthesize one chunk of speech.
type SynthRequest struct {
	SessionID string
	ChunkID   string
	Text      string
	Voice     string
	Tokens    int
}

// SynthChunk is a frame of 16-bit little endian PCM.
type SynthChunk struct {
	SessionID  string
	Sequence   int
	SampleRate int
	Channels   int
	PCM        []byte
	Final      bool
}

// Synthesizer is the contract for producing audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}

// Duration is how long the frame plays.
func (c SynthChunk) Duration() time.Duration {
	bytesPerSec := c.SampleRate * c.Channels * 2
	if bytesPerSec <= 0 {
		return 0
	}
	return time.Duration(len(c.PCM)) * time.Second / time.Duration(bytesPerSec)
}
