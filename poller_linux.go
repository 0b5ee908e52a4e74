//go:build linux

package msgloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// maxFDs bounds direct-array indexing; production fd counts on Linux
// rarely approach it, and a direct array beats a map for the common case
// of small, dense fd sets.
const maxFDs = 65536

type fdSlot struct {
	mask   IOEvents
	active bool
}

// epollWaiter implements Waiter using epoll for readiness and an eventfd
// for cross-thread wake-up.
type epollWaiter struct { // betteralign:ignore
	_        [64]byte
	epfd     int32
	wakeFd   int32
	_        [56]byte
	version  atomic.Uint64
	eventBuf [256]unix.EpollEvent
	fds      [maxFDs]fdSlot
	fdMu     sync.RWMutex
	closed   atomic.Bool
}

func newWaiter() (Waiter, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, err
	}

	w := &epollWaiter{epfd: int32(epfd), wakeFd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(wakeFd),
	}); err != nil {
		_ = unix.Close(epfd)
		_ = unix.Close(wakeFd)
		return nil, err
	}
	return w, nil
}

func (w *epollWaiter) WaitOnce(timeoutMs int, onReady FDReadyFunc) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}

	v := w.version.Load()
	n, err := unix.EpollWait(int(w.epfd), w.eventBuf[:], timeoutMs)
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
		fd := int(w.eventBuf[i].Fd)
		if fd == int(w.wakeFd) {
			drainEventfd(int(w.wakeFd))
			continue
		}
		if fd < 0 || fd >= maxFDs {
			continue
		}
		w.fdMu.RLock()
		slot := w.fds[fd]
		w.fdMu.RUnlock()
		if !slot.active {
			continue
		}
		onReady(fd, epollToEvents(w.eventBuf[i].Events))
	}
	return nil
}

func (w *epollWaiter) Wake() {
	if w.closed.Load() {
		return
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(int(w.wakeFd), buf[:])
}

func (w *epollWaiter) ReprogramFd(fd int, mask IOEvents) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}
	if fd < 0 || fd >= maxFDs {
		return ErrFDOutOfRange
	}

	w.fdMu.Lock()
	wasActive := w.fds[fd].active
	if mask == 0 {
		w.fds[fd] = fdSlot{}
	} else {
		w.fds[fd] = fdSlot{mask: mask, active: true}
	}
	w.version.Add(1)
	w.fdMu.Unlock()

	ev := &unix.EpollEvent{Events: eventsToEpoll(mask), Fd: int32(fd)}
	switch {
	case mask == 0 && wasActive:
		return unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_DEL, fd, nil)
	case mask != 0 && wasActive:
		return unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_MOD, fd, ev)
	case mask != 0 && !wasActive:
		return unix.EpollCtl(int(w.epfd), unix.EPOLL_CTL_ADD, fd, ev)
	default:
		return nil
	}
}

func (w *epollWaiter) Close() error {
	w.closed.Store(true)
	_ = unix.Close(int(w.wakeFd))
	return unix.Close(int(w.epfd))
}

func drainEventfd(fd int) {
	var buf [8]byte
	for {
		_, err := unix.Read(fd, buf[:])
		if err != nil {
			return
		}
	}
}

func eventsToEpoll(events IOEvents) uint32 {
	var e uint32
	if events&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
