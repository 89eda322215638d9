package executor

import (
	"bytes"
	"sync"
)

// CappedBuffer keeps at most limit bytes and silently drops the rest.
// Write never fails, so a chatty program can't break the stream copy.
type CappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewCappedBuffer returns a buffer holding up to limit bytes. A limit of
// zero or less means unlimited.
func NewCappedBuffer(limit int) *CappedBuffer {
	return &CappedBuffer{limit: limit}
}

func (b *CappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.limit > 0 {
		room := b.limit - b.buf.Len()
		if room <= 0 {
			if n > 0 {
				b.truncated = true
			}
			return n, nil
		}
		if len(p) > room {
			p = p[:room]
			b.truncated = true
		}
	}
	b.buf.Write(p)
	return n, nil
}

func (b *CappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *CappedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
