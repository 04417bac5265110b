package executor

import (
	"strings"
	"sync"
)

// truncationMarker is appended once when a stream exceeds the capture limit.
const truncationMarker = "\n[output truncated]"

// captureBuffer accumulates subprocess output up to a byte cap. Writes past
// the cap are counted but discarded. The subprocess writes from its own
// goroutine, so the buffer is mutex-protected.
type captureBuffer struct {
	mu        sync.Mutex
	b         strings.Builder
	limit     int64
	written   int64
	truncated bool
}

func newCaptureBuffer(limit int64) *captureBuffer {
	return &captureBuffer{limit: limit}
}

// Write implements io.Writer. It never returns an error: a full buffer must
// not break the subprocess pipe.
func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(p)
	c.written += int64(n)
	if c.truncated {
		return n, nil
	}
	remaining := c.limit - int64(c.b.Len())
	if int64(n) > remaining {
		c.b.Write(p[:remaining])
		c.truncated = true
		return n, nil
	}
	c.b.Write(p)
	return n, nil
}

// String returns the captured output, with the truncation marker when the
// stream exceeded the cap.
func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.truncated {
		return c.b.String() + truncationMarker
	}
	return c.b.String()
}
