package imapx

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// traceSize is how many protocol lines the ring keeps.
const traceSize = 100

// traceRing is a bounded ring buffer of recent protocol trace lines.
// It implements io.Writer so it can be wired into the client's debug
// output, splitting writes on newlines.
type traceRing struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool

	partial bytes.Buffer
}

func newTraceRing() *traceRing {
	return &traceRing{lines: make([]string, traceSize)}
}

// Write appends protocol output to the ring, one entry per line.
func (t *traceRing) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.partial.Write(p)
	for {
		data := t.partial.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimRight(data[:i], "\r"))
		t.partial.Next(i + 1)

		t.lines[t.next] = line
		t.next = (t.next + 1) % traceSize
		if t.next == 0 {
			t.full = true
		}
	}
	return len(p), nil
}

// Snapshot returns the buffered lines, oldest first.
func (t *traceRing) Snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []string
	if t.full {
		out = append(out, t.lines[t.next:]...)
	}
	out = append(out, t.lines[:t.next]...)
	return out
}

// Dump writes the buffered trace to the logger at debug level and
// clears the ring.
func (t *traceRing) Dump(logger *zap.Logger) {
	if logger == nil {
		return
	}
	for _, line := range t.Snapshot() {
		logger.Debug("imap trace", zap.String("line", line))
	}

	t.mu.Lock()
	t.lines = make([]string, traceSize)
	t.next = 0
	t.full = false
	t.partial.Reset()
	t.mu.Unlock()
}
