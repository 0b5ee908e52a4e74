package msgloop

import (
	"testing"
	"time"
)

func TestQueue_FdListenerFiresOnReadiness(t *testing.T) {
	q := newTestQueue(t)

	r, w := osPipe(t)
	defer r.Close()
	defer w.Close()

	fired := make(chan IOEvents, 4)
	err := q.SetFdListener(int(r.Fd()), EventRead, func(events IOEvents) IOEvents {
		fired <- events
		return EventRead
	})
	if err != nil {
		t.Fatalf("SetFdListener: %v", err)
	}

	go func() {
		loopUntilClosed(q)
	}()

	if _, err := w.Write([]byte("x")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-fired:
		if ev&EventRead == 0 {
			t.Errorf("events = %v, want EventRead set", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fd listener never fired")
	}

	var buf [1]byte
	_, _ = r.Read(buf[:])

	if _, err := w.Write([]byte("y")); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("fd listener did not re-trigger on second write")
	}

	q.Quit(false)
}

func TestFd_SetFdListenerZeroMaskUnregisters(t *testing.T) {
	q := newTestQueue(t)
	r, w := osPipe(t)
	defer r.Close()
	defer w.Close()

	if err := q.SetFdListener(int(r.Fd()), EventRead, func(IOEvents) IOEvents { return EventRead }); err != nil {
		t.Fatal(err)
	}
	if err := q.SetFdListener(int(r.Fd()), 0, nil); err != nil {
		t.Fatal(err)
	}
	q.mu.Lock()
	_, present := q.fds[int(r.Fd())]
	q.mu.Unlock()
	if present {
		t.Fatal("expected fd record removed after zero-mask SetFdListener")
	}
}

func TestFd_ListenerPanicKeepsPreviousMask(t *testing.T) {
	q := newTestQueue(t)
	r, w := osPipe(t)
	defer r.Close()
	defer w.Close()
	fd := int(r.Fd())

	if err := q.SetFdListener(fd, EventRead, func(IOEvents) IOEvents {
		panic("boom")
	}); err != nil {
		t.Fatal(err)
	}

	q.mu.Lock()
	rec := q.fds[fd]
	q.mu.Unlock()

	newMask := callFDListener(q, fd, rec.listener, EventRead, rec.mask)
	if newMask != rec.mask {
		t.Fatalf("newMask = %v after panic, want unchanged mask %v", newMask, rec.mask)
	}
}
