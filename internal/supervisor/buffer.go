package supervisor

import (
	"io"
	"sync"
)

const truncationMarker = "\n[output truncated]\n"

// boundedBuffer caps the bytes it accepts at limit, appending truncationMarker
// once and discarding everything after (spec §4.2, P9). Safe for concurrent
// writes since stdout/stderr are drained on separate goroutines but written
// from the same *boundedBuffer only by one of them at a time.
type boundedBuffer struct {
	mu        sync.Mutex
	limit     int
	buf       []byte
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(p)
	if b.truncated {
		return n, nil
	}

	remaining := b.limit - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		b.buf = append(b.buf, truncationMarker...)
		return n, nil
	}

	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		b.buf = append(b.buf, truncationMarker...)
		return n, nil
	}

	b.buf = append(b.buf, p...)
	return n, nil
}

// readFrom copies r into b in fixed-size chunks until EOF, past the point
// of truncation, so the child's pipe is always drained even after the
// buffer stops accepting bytes.
func (b *boundedBuffer) readFrom(r io.Reader) (int64, error) {
	chunk := make([]byte, 32*1024)
	var total int64
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			total += int64(n)
			_, _ = b.Write(chunk[:n])
		}
		if err != nil {
			if err == io.EOF {
				return total, nil
			}
			return total, err
		}
	}
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
