package sse

import "bytes"

// LineBuffer accumulates raw stream bytes and yields complete lines.
// At most one incomplete trailing line is held between calls.
type LineBuffer struct {
	buf []byte
	// scanned is the length of the buf prefix already known to hold no '\n'.
	scanned int
}

// Feed appends chunk and returns every line completed by it, in arrival order,
// without the terminating "\n" (or "\r\n").
func (b *LineBuffer) Feed(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	start, from := 0, b.scanned
	for {
		i := bytes.IndexByte(b.buf[from:], '\n')
		if i < 0 {
			break
		}
		end := from + i
		line := b.buf[start:end]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		lines = append(lines, string(line))
		start = end + 1
		from = start
	}

	if start > 0 {
		// Move the carry to the front of the backing array.
		n := copy(b.buf, b.buf[start:])
		b.buf = b.buf[:n]
	}
	b.scanned = len(b.buf)
	return lines
}

// Pending reports how many bytes of an unterminated line are buffered.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset drops any buffered partial line.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
	b.scanned = 0
}
