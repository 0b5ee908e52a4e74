//go:build darwin

package msgloop

import (
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/sys/unix"
)

type fdSlot struct {
	mask   IOEvents
	active bool
}

// kqueueWaiter implements Waiter using kqueue for readiness and a
// self-pipe for cross-thread wake-up.
type kqueueWaiter struct {
	kq          int
	wakeReadFd  int
	wakeWriteFd int

	version  atomic.Uint64
	eventBuf [256]unix.Kevent_t

	fdMu sync.RWMutex
	fds  map[int]fdSlot

	closed atomic.Bool
}

func newWaiter() (Waiter, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}

	var pipeFds [2]int
	if err := syscall.Pipe(pipeFds[:]); err != nil {
		_ = unix.Close(kq)
		return nil, err
	}
	for _, fd := range pipeFds {
		syscall.CloseOnExec(fd)
		if err := syscall.SetNonblock(fd, true); err != nil {
			_ = unix.Close(kq)
			_ = unix.Close(pipeFds[0])
			_ = unix.Close(pipeFds[1])
			return nil, err
		}
	}

	w := &kqueueWaiter{
		kq:          kq,
		wakeReadFd:  pipeFds[0],
		wakeWriteFd: pipeFds[1],
		fds:         make(map[int]fdSlot),
	}

	changes := []unix.Kevent_t{{
		Ident:  uint64(w.wakeReadFd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_CLEAR,
	}}
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		_ = unix.Close(kq)
		_ = unix.Close(pipeFds[0])
		_ = unix.Close(pipeFds[1])
		return nil, err
	}
	return w, nil
}

func (w *kqueueWaiter) WaitOnce(timeoutMs int, onReady FDReadyFunc) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}

	var ts *unix.Timespec
	if timeoutMs >= 0 {
		ts = &unix.Timespec{
			Sec:  int64(timeoutMs / 1000),
			Nsec: int64(timeoutMs%1000) * 1_000_000,
		}
	}

	v := w.version.Load()
	n, err := unix.Kevent(w.kq, nil, w.eventBuf[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	if w.version.Load() != v {
		return nil
	}

	for i := 0; i < n; i++ {
		ev := w.eventBuf[i]
		fd := int(ev.Ident)
		if fd == w.wakeReadFd {
			drainPipe(w.wakeReadFd)
			continue
		}
		w.fdMu.RLock()
		slot, ok := w.fds[fd]
		w.fdMu.RUnlock()
		if !ok || !slot.active {
			continue
		}
		onReady(fd, kqueueToEvents(ev.Filter, ev.Flags))
	}
	return nil
}

func (w *kqueueWaiter) Wake() {
	if w.closed.Load() {
		return
	}
	var buf [1]byte
	_, _ = unix.Write(w.wakeWriteFd, buf[:])
}

func (w *kqueueWaiter) ReprogramFd(fd int, mask IOEvents) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}

	w.fdMu.Lock()
	_, wasActive := w.fds[fd]
	if mask == 0 {
		delete(w.fds, fd)
	} else {
		w.fds[fd] = fdSlot{mask: mask, active: true}
	}
	w.version.Add(1)
	w.fdMu.Unlock()

	var changes []unix.Kevent_t
	if wasActive {
		changes = append(changes,
			unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_DELETE},
			unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_DELETE},
		)
	}
	if mask&EventRead != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: unix.EV_ADD})
	}
	if mask&EventWrite != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: unix.EV_ADD})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(w.kq, changes, nil, nil)
	return ignoreBenignKeventErr(err)
}

// ignoreBenignKeventErr swallows ENOENT from a best-effort EV_DELETE issued
// against an fd the kernel already dropped (e.g. closed out from under us).
func ignoreBenignKeventErr(err error) error {
	if err == unix.ENOENT {
		return nil
	}
	return err
}

func (w *kqueueWaiter) Close() error {
	w.closed.Store(true)
	_ = unix.Close(w.wakeReadFd)
	_ = unix.Close(w.wakeWriteFd)
	return unix.Close(w.kq)
}

func drainPipe(fd int) {
	var buf [64]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

func kqueueToEvents(filter int16, flags uint16) IOEvents {
	var events IOEvents
	switch filter {
	case unix.EVFILT_READ:
		events |= EventRead
	case unix.EVFILT_WRITE:
		events |= EventWrite
	}
	if flags&unix.EV_EOF != 0 {
		events |= EventHangup
	}
	if flags&unix.EV_ERROR != 0 {
		events |= EventError
	}
	return events
}
