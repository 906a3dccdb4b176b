package tts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// ExecSynth voices chunks through a local engine such as piper. The command
// receives the chunk text on stdin and writes raw 16-bit little endian PCM on
// stdout. Chunk details are passed in LOQA_* environment variables.
type ExecSynth struct {
	argv       []string
	sampleRate int
	channels   int
	frame      int
}

func NewExecSynth(command string, sampleRate, channels int, chunkDuration time.Duration) (*ExecSynth, error) {
	argv, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse tts command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("tts command empty")
	}
	frame := frameBytes(sampleRate, channels, chunkDuration)
	if frame == 0 {
		frame = frameBytes(sampleRate, channels, 100*time.Millisecond)
	}
	return &ExecSynth{argv: argv, sampleRate: sampleRate, channels: channels, frame: frame}, nil
}

func (e *ExecSynth) env(req SynthRequest) []string {
	return append(os.Environ(),
		"LOQA_SESSION_ID="+req.SessionID,
		"LOQA_CHUNK_ID="+req.ChunkID,
		"LOQA_VOICE="+req.Voice,
		"LOQA_TOKENS="+strconv.Itoa(req.Tokens),
		"LOQA_SAMPLE_RATE="+strconv.Itoa(e.sampleRate),
		"LOQA_CHANNELS="+strconv.Itoa(e.channels),
	)
}

// Synthesize emits each frame as soon as the command has produced it. One
// frame is held back so the last one can be marked final.
func (e *ExecSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if err := e.run(ctx, req, chunks); err != nil {
			errs <- err
		}
	}()
	return chunks, errs
}

func (e *ExecSynth) run(ctx context.Context, req SynthRequest, chunks chan<- SynthChunk) error {
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Stdin = strings.NewReader(req.Text)
	cmd.Env = e.env(req)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tts command: %w", err)
	}

	seq := 0
	emit := func(pcm []byte, final bool) error {
		select {
		case chunks <- SynthChunk{
			SessionID:  req.SessionID,
			Sequence:   seq,
			SampleRate: e.sampleRate,
			Channels:   e.channels,
			PCM:        pcm,
			Final:      final,
		}:
			seq++
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var pending []byte
	readErr := func() error {
		for {
			buf := make([]byte, e.frame)
			n, err := io.ReadFull(stdout, buf)
			if n > 0 {
				if pending != nil {
					if err := emit(pending, false); err != nil {
						return err
					}
				}
				pending = buf[:n]
			}
			switch {
			case err == nil:
			case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
				return nil
			default:
				return err
			}
		}
	}()
	if readErr != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return readErr
	}
	if err := cmd.Wait(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("tts command %s: %w: %s", req.ChunkID, err, msg)
		}
		return fmt.Errorf("tts command %s: %w", req.ChunkID, err)
	}
	if len(pending)%(2*e.channels) != 0 {
		return fmt.Errorf("tts command %s: %d trailing bytes are not whole samples", req.ChunkID, len(pending)%(2*e.channels))
	}
	return emit(pending, true)
}
