//go:build windows

package msgloop

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sys/windows"
)

const wakeCompletionKey = ^uintptr(0)

type fdState struct {
	mask     IOEvents
	active   bool
	recvOv   *windows.Overlapped
	sendOv   *windows.Overlapped
	recvBuf  windows.WSABuf
	sendBuf  windows.WSABuf
	recvWant bool
	sendWant bool
}

// iocpWaiter implements Waiter on top of an I/O completion port. Readiness
// for a registered socket is detected by submitting zero-byte overlapped
// WSARecv/WSASend probes and treating their completion as "would not
// block"; this is the standard readiness-emulation idiom on IOCP, since
// IOCP itself is completion-oriented rather than readiness-oriented.
type iocpWaiter struct {
	port windows.Handle

	mu  sync.Mutex
	fds map[int]*fdState

	closed atomic.Bool
}

func newWaiter() (Waiter, error) {
	port, err := windows.CreateIoCompletionPort(windows.InvalidHandle, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	return &iocpWaiter{port: port, fds: make(map[int]*fdState)}, nil
}

func (w *iocpWaiter) WaitOnce(timeoutMs int, onReady FDReadyFunc) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}

	ms := uint32(windows.INFINITE)
	if timeoutMs >= 0 {
		ms = uint32(timeoutMs)
	}

	var bytes uint32
	var key uintptr
	var overlapped *windows.Overlapped
	err := windows.GetQueuedCompletionStatus(w.port, &bytes, &key, &overlapped, ms)
	if err != nil {
		if err == windows.WAIT_TIMEOUT {
			return nil
		}
		if overlapped == nil {
			return nil
		}
	}
	if key == wakeCompletionKey || overlapped == nil {
		return nil
	}

	fd := int(key)
	w.mu.Lock()
	st, ok := w.fds[fd]
	if !ok || !st.active {
		w.mu.Unlock()
		return nil
	}
	var events IOEvents
	switch overlapped {
	case st.recvOv:
		st.recvWant = false
		events |= EventRead
	case st.sendOv:
		st.sendWant = false
		events |= EventWrite
	}
	mask := st.mask
	w.mu.Unlock()

	if events != 0 {
		onReady(fd, events)
	}

	w.mu.Lock()
	if st, ok := w.fds[fd]; ok && st.active {
		w.armProbes(fd, st, mask)
	}
	w.mu.Unlock()
	return nil
}

func (w *iocpWaiter) Wake() {
	if w.closed.Load() {
		return
	}
	_ = windows.PostQueuedCompletionStatus(w.port, 0, wakeCompletionKey, nil)
}

func (w *iocpWaiter) ReprogramFd(fd int, mask IOEvents) error {
	if w.closed.Load() {
		return ErrPollerClosed
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if mask == 0 {
		delete(w.fds, fd)
		return nil
	}

	st, ok := w.fds[fd]
	if !ok {
		if _, err := windows.CreateIoCompletionPort(windows.Handle(fd), w.port, uintptr(fd), 0); err != nil {
			return err
		}
		st = &fdState{recvOv: &windows.Overlapped{}, sendOv: &windows.Overlapped{}}
		w.fds[fd] = st
	}
	st.mask = mask
	st.active = true
	w.armProbes(fd, st, mask)
	return nil
}

// armProbes submits zero-byte overlapped probes for every direction named
// in mask that isn't already outstanding. Called with w.mu held.
func (w *iocpWaiter) armProbes(fd int, st *fdState, mask IOEvents) {
	if mask&EventRead != 0 && !st.recvWant {
		st.recvWant = true
		var flags, n uint32
		_ = windows.WSARecv(windows.Handle(fd), &st.recvBuf, 1, &n, &flags, st.recvOv, nil)
	}
	if mask&EventWrite != 0 && !st.sendWant {
		st.sendWant = true
		var n uint32
		_ = windows.WSASend(windows.Handle(fd), &st.sendBuf, 1, &n, 0, st.sendOv, nil)
	}
}

func (w *iocpWaiter) Close() error {
	w.closed.Store(true)
	return windows.CloseHandle(w.port)
}
