package ingest

import (
	"bytes"
	"strings"
)

// DefaultMaxLineBytes bounds a single line when no limit is configured.
const DefaultMaxLineBytes = 4096

// LineBuffer accumulates bytes from one connection and cuts them into
// '\n'-terminated lines. At most one partial line is held between calls.
// A LineBuffer belongs to a single goroutine and is not safe for concurrent use.
type LineBuffer struct {
	pending    []byte
	max        int
	discarding bool // inside an oversized line, dropping until the next '\n'
}

// NewLineBuffer creates a buffer that drops lines longer than maxLine bytes.
// A non-positive maxLine disables the limit.
func NewLineBuffer(maxLine int) *LineBuffer {
	return &LineBuffer{max: maxLine}
}

// Feed appends p and returns every line it completed, without terminators.
// Blank lines are skipped. oversized counts lines dropped for exceeding the
// limit; the rest of such a line is skipped up to its terminator.
func (b *LineBuffer) Feed(p []byte) (lines []string, oversized int) {
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			if b.discarding {
				return lines, oversized
			}
			b.pending = append(b.pending, p...)
			if b.max > 0 && len(b.pending) > b.max {
				b.pending = b.pending[:0]
				b.discarding = true
				oversized++
			}
			return lines, oversized
		}

		chunk := p[:i]
		p = p[i+1:]

		if b.discarding {
			b.discarding = false
			continue
		}
		if b.max > 0 && len(b.pending)+len(chunk) > b.max {
			b.pending = b.pending[:0]
			oversized++
			continue
		}

		var line string
		if len(b.pending) > 0 {
			b.pending = append(b.pending, chunk...)
			line = string(b.pending)
			b.pending = b.pending[:0]
		} else {
			line = string(chunk)
		}

		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, oversized
}

// Pending returns the number of buffered bytes of the unterminated line.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}

// Reset drops any partial line.
func (b *LineBuffer) Reset() {
	b.pending = nil
	b.discarding = false
}
