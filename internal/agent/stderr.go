package agent

import (
	"strings"
	"sync"
)

// tailBuffer is an io.Writer that keeps only the last size bytes written,
// so a chatty CLI cannot grow memory without bound.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
}

func newTailBuffer(size int) *tailBuffer {
	if size <= 0 {
		size = 8 * 1024
	}
	return &tailBuffer{size: size}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if n >= b.size {
		b.buf = append(b.buf[:0], p[n-b.size:]...)
		return n, nil
	}
	if over := len(b.buf) + n - b.size; over > 0 {
		b.buf = b.buf[over:]
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}
