package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ttspb "cloud.google.com/go/texttospeech/apiv1/texttospeechpb"
	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func encodeWAV(t *testing.T, samples []int, sampleRate int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "speech.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read wav: %v", err)
	}
	return data
}

func collect(t *testing.T, synth Synthesizer, req SynthRequest) ([]SynthChunk, error) {
	t.Helper()
	chunks, errs := synth.Synthesize(context.Background(), req)
	var got []SynthChunk
	for c := range chunks {
		got = append(got, c)
	}
	return got, <-errs
}

func TestGoogleSynthFramesLinearPCM(t *testing.T) {
	samples := make([]int, 800)
	for i := range samples {
		samples[i] = i - 400
	}
	wavData := encodeWAV(t, samples, 16000)

	var sent *ttspb.SynthesizeSpeechRequest
	synth := newGoogleSynth(func(_ context.Context, req *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error) {
		sent = req
		return &ttspb.SynthesizeSpeechResponse{AudioContent: wavData}, nil
	}, "en-GB", 16000, 1, 20*time.Millisecond)

	got, err := collect(t, synth, SynthRequest{SessionID: "s", ChunkID: "c1", Text: "Hello there.", Voice: "en-GB-Standard-A"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if sent.GetInput().GetText() != "Hello there." || sent.GetVoice().GetLanguageCode() != "en-GB" || sent.GetVoice().GetName() != "en-GB-Standard-A" {
		t.Fatalf("unexpected request %+v", sent)
	}
	if sent.GetAudioConfig().GetAudioEncoding() != ttspb.AudioEncoding_LINEAR16 || sent.GetAudioConfig().GetSampleRateHertz() != 16000 {
		t.Fatalf("unexpected audio config %+v", sent.GetAudioConfig())
	}

	// 800 samples at 20ms frames of 320 samples.
	if len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
	sizes := []int{640, 640, 320}
	for i, c := range got {
		if len(c.PCM) != sizes[i] || c.Sequence != i || c.Final != (i == 2) {
			t.Fatalf("frame %d: unexpected %d bytes seq=%d final=%v", i, len(c.PCM), c.Sequence, c.Final)
		}
	}
	if first := int16(binary.LittleEndian.Uint16(got[0].PCM)); first != -400 {
		t.Fatalf("expected first sample -400, got %d", first)
	}
}

func TestGoogleSynthPassesBarePCM(t *testing.T) {
	pcm := []byte{1, 0, 2, 0}
	synth := newGoogleSynth(func(context.Context, *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error) {
		return &ttspb.SynthesizeSpeechResponse{AudioContent: pcm}, nil
	}, "en-US", 16000, 1, 0)

	got, err := collect(t, synth, SynthRequest{SessionID: "s", Text: "hi"})
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(got) != 1 || len(got[0].PCM) != 4 || !got[0].Final {
		t.Fatalf("unexpected chunks %+v", got)
	}
}

func TestGoogleSynthReportsErrors(t *testing.T) {
	synth := newGoogleSynth(func(context.Context, *ttspb.SynthesizeSpeechRequest) (*ttspb.SynthesizeSpeechResponse, error) {
		return nil, errors.New("quota exceeded")
	}, "en-US", 16000, 1, 20*time.Millisecond)

	got, err := collect(t, synth, SynthRequest{SessionID: "s", ChunkID: "c9", Text: "hi"})
	if err == nil || len(got) != 0 {
		t.Fatalf("expected error without chunks, got %v %+v", err, got)
	}
	if err := synth.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
