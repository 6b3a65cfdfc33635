// Package linebuf turns a byte stream into newline-terminated lines with a
// bounded line length. Content that fills the buffer is emitted as a line
// without waiting for a terminator.
package linebuf

// Terminator is the byte that ends a line on the wire.
const Terminator = '\n'

// minSize is the smallest usable capacity: one content byte plus the slot
// reserved for the terminating marker.
const minSize = 2

// Accumulator collects bytes for a single stream until a complete line is
// available. It is not safe for concurrent use; each connection owns its own
// Accumulator.
type Accumulator struct {
	buf     []byte
	maxSize int
}

// New creates an Accumulator with capacity maxSize. A line is force-emitted
// once it holds maxSize-1 bytes, so no emitted line is longer than that.
// Capacities below 2 are raised to 2.
//
// Parameters:
//   - maxSize: The buffer capacity, including the slot reserved for the terminator
//
// Returns:
//   - A new, empty Accumulator
func New(maxSize int) *Accumulator {
	if maxSize < minSize {
		maxSize = minSize
	}

	return &Accumulator{
		buf:     make([]byte, 0, maxSize-1),
		maxSize: maxSize,
	}
}

// Feed appends b to the line in progress unless b is the terminator. It
// returns the completed line and true when b is the terminator or when the
// line has reached MaxLineLength bytes; the Accumulator is then reset. The
// returned slice is a copy and stays valid after further calls. An empty
// line (two terminators in a row) is returned as a non-nil empty slice.
//
// Parameters:
//   - b: The next byte of the stream
//
// Returns:
//   - The completed line without its terminator, or nil
//   - true if a line was completed
func (a *Accumulator) Feed(b byte) ([]byte, bool) {
	if b != Terminator {
		a.buf = append(a.buf, b)
		if len(a.buf) < a.MaxLineLength() {
			return nil, false
		}
	}

	line := make([]byte, len(a.buf))
	copy(line, a.buf)
	a.buf = a.buf[:0]
	return line, true
}

// Write feeds every byte of p in order and calls emit for each completed
// line. Bytes after the last completed line stay buffered.
//
// Parameters:
//   - p: The bytes to feed
//   - emit: Called with each completed line, in stream order
func (a *Accumulator) Write(p []byte, emit func(line []byte)) {
	for _, b := range p {
		if line, ok := a.Feed(b); ok {
			emit(line)
		}
	}
}

// Len returns the number of bytes in the line in progress.
func (a *Accumulator) Len() int {
	return len(a.buf)
}

// MaxLineLength returns the longest line the Accumulator will emit.
func (a *Accumulator) MaxLineLength() int {
	return a.maxSize - 1
}

// Reset discards the line in progress.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
}
