package playclient

import "sync"

// Buffer is a FIFO of 16-bit PCM. Reads never block: when the queue runs dry
// the remainder is filled with silence and, if audio had been queued since
// the last starvation, one underrun is counted.
type Buffer struct {
	mu          sync.Mutex
	data        []byte
	bytesPerSec int
	primed      bool
	underruns   int
}

func NewBuffer(sampleRate, channels int) *Buffer {
	return &Buffer{bytesPerSec: sampleRate * channels * 2}
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) > 0 {
		b.data = append(b.data, p...)
		b.primed = true
	}
	return len(p), nil
}

func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := copy(p, b.data)
	b.data = b.data[n:]
	if len(b.data) == 0 {
		b.data = nil
	}
	if n < len(p) {
		if b.primed {
			b.underruns++
			b.primed = false
		}
		clear(p[n:])
	}
	return len(p), nil
}

// BufferedMS is the playable audio queued.
func (b *Buffer) BufferedMS() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return msFor(len(b.data), b.bytesPerSec)
}

// TakeUnderruns returns the underruns counted since the previous call.
func (b *Buffer) TakeUnderruns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.underruns
	b.underruns = 0
	return n
}

// MS converts a byte count of this buffer's format to milliseconds.
func (b *Buffer) MS(bytes int) int {
	return msFor(bytes, b.bytesPerSec)
}

func msFor(bytes, bytesPerSec int) int {
	if bytesPerSec <= 0 {
		return 0
	}
	return bytes * 1000 / bytesPerSec
}
