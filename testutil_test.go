package msgloop

import (
	"os"
	"testing"
)

// osPipe returns a connected pipe for fd-readiness tests; the caller is
// responsible for closing both ends.
func osPipe(t *testing.T) (r, w *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	return r, w
}

// loopUntilClosed drives q.Next in a tight loop, discarding every message,
// until the queue reports end-of-stream (post-Quit). Next ignores WaitOnce
// errors, so closing the underlying Waiter alone does not end the loop.
func loopUntilClosed(q *MessageQueue) {
	for {
		_, ok := q.Next()
		if !ok {
			return
		}
	}
}
