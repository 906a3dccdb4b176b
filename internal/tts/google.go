package tts

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	gctts "cloud.google.com/go/texttospeech/apiv1"
	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/go-audio/wav"
)

type synthesizeFunc func(ctx context.Context, req *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error)

// GoogleSynth voices chunks through Google Cloud Text-to-Speech as 16-bit
// linear PCM, split into frames of chunkDuration.
type GoogleSynth struct {
	synthesize    synthesizeFunc
	close         func() error
	language      string
	sampleRate    int
	channels      int
	chunkDuration time.Duration
}

// NewGoogleSynth dials the API with application default credentials.
func NewGoogleSynth(ctx context.Context, language string, sampleRate, channels int, chunkDuration time.Duration) (*GoogleSynth, error) {
	client, err := gctts.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("google tts client: %w", err)
	}
	g := newGoogleSynth(func(ctx context.Context, req *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error) {
		return client.SynthesizeSpeech(ctx, req)
	}, language, sampleRate, channels, chunkDuration)
	g.close = client.Close
	return g, nil
}

func newGoogleSynth(fn synthesizeFunc, language string, sampleRate, channels int, chunkDuration time.Duration) *GoogleSynth {
	return &GoogleSynth{
		synthesize:    fn,
		close:         func() error { return nil },
		language:      language,
		sampleRate:    sampleRate,
		channels:      channels,
		chunkDuration: chunkDuration,
	}
}

func (g *GoogleSynth) Close() error {
	return g.close()
}

func (g *GoogleSynth) request(req SynthRequest) *ttspb.SynthesizeSpeechRequest {
	return &ttspb.SynthesizeSpeechRequest{
		Input: &ttspb.SynthesisInput{InputSource: &ttspb.SynthesisInput_Text{Text: req.Text}},
		Voice: &ttspb.VoiceSelectionParams{
			LanguageCode: g.language,
			Name:         req.Voice,
		},
		AudioConfig: &ttspb.AudioConfig{
			AudioEncoding:   ttspb.AudioEncoding_LINEAR16,
			SampleRateHertz: int32(g.sampleRate),
		},
	}
}

func (g *GoogleSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)

		resp, err := g.synthesize(ctx, g.request(req))
		if err != nil {
			errs <- fmt.Errorf("google synthesize %s: %w", req.ChunkID, err)
			return
		}
		pcm, err := linearPCM(resp.GetAudioContent())
		if err != nil {
			errs <- err
			return
		}
		frames := splitFrames(pcm, frameBytes(g.sampleRate, g.channels, g.chunkDuration))
		for i, frame := range frames {
			select {
			case chunks <- SynthChunk{
				SessionID:  req.SessionID,
				Sequence:   i,
				SampleRate: g.sampleRate,
				Channels:   g.channels,
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

// frameBytes is the size of one frame of 16-bit samples lasting d, rounded
// down to whole samples.
func frameBytes(sampleRate, channels int, d time.Duration) int {
	sample := 2 * channels
	if sample <= 0 {
		return 0
	}
	n := int(int64(sampleRate) * int64(sample) * d.Milliseconds() / 1000)
	return n - n%sample
}

// linearPCM strips the WAV container LINEAR16 responses arrive in. Bare PCM
// is returned unchanged.
func linearPCM(audio []byte) ([]byte, error) {
	dec := wav.NewDecoder(bytes.NewReader(audio))
	if !dec.IsValidFile() {
		return audio, nil
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.SourceBitDepth != 16 {
		return nil, fmt.Errorf("decode wav: expected 16-bit samples, got %d", buf.SourceBitDepth)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(sample)))
	}
	return pcm, nil
}

// splitFrames always returns at least one frame so an empty synthesis still
// produces a final chunk.
func splitFrames(pcm []byte, size int) [][]byte {
	if size <= 0 || len(pcm) <= size {
		return [][]byte{pcm}
	}
	var frames [][]byte
	for len(pcm) > size {
		frames = append(frames, pcm[:size])
		pcm = pcm[size:]
	}
	return append(frames, pcm)
}
