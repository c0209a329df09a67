package sandbox

import (
	"bytes"
	"sync"
	"unicode/utf8"
)

// LimitedBuffer keeps at most limit bytes and silently drains the rest,
// so a chatty process never blocks on a full pipe nor exhausts host memory.
type LimitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int64
	total     int64
	truncated bool
}

// NewLimitedBuffer returns a buffer capped at limit bytes.
func NewLimitedBuffer(limit int64) *LimitedBuffer {
	return &LimitedBuffer{limit: limit}
}

// Write implements io.Writer. It never returns an error.
func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	b.total += int64(n)
	room := b.limit - int64(b.buf.Len())
	if room <= 0 {
		if n > 0 {
			b.truncated = true
		}
		return n, nil
	}
	if int64(n) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

// String returns the retained bytes. A multi-byte rune split by the cap is dropped.
func (b *LimitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := b.buf.Bytes()
	if b.truncated {
		data = trimPartialRune(data)
	}
	return string(data)
}

// Truncated reports whether any bytes were discarded.
func (b *LimitedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Total returns the number of bytes written, including discarded ones.
func (b *LimitedBuffer) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func trimPartialRune(data []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(data) > 0; i++ {
		r, size := utf8.DecodeLastRune(data)
		if r != utf8.RuneError || size != 1 {
			return data
		}
		data = data[:len(data)-1]
	}
	return data
}

// truncateString caps s at limit bytes for error messages.
func truncateString(s string, limit int64) (string, bool) {
	if limit <= 0 || int64(len(s)) <= limit {
		return s, false
	}
	return string(trimPartialRune([]byte(s[:limit]))), true
}
