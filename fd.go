package msgloop

// FDListener is invoked when a watched file descriptor reports readiness.
// It returns the mask to keep watching; returning 0 unregisters the
// descriptor.
type FDListener func(events IOEvents) (newMask IOEvents)

// fdRecord is the per-descriptor bookkeeping entry described by the
// specification: a mask, a listener, and a monotonic sequence counter that
// lets dispatchFdReady detect a concurrent SetFdListener call that raced
// with an in-flight, lock-free listener invocation.
type fdRecord struct {
	fd       int
	mask     IOEvents
	listener FDListener
	seq      uint64
}

// SetFdListener upserts fd's watch mask and listener. A mask of 0
// unregisters fd. EventError is implicitly added to any non-zero mask,
// since a listener that cares about readiness always wants to know about
// errors too. The underlying Waiter is reprogrammed to match.
func (q *MessageQueue) SetFdListener(fd int, mask IOEvents, listener FDListener) error {
	if mask != 0 {
		mask |= EventError
	}

	q.mu.Lock()
	if mask == 0 {
		delete(q.fds, fd)
	} else {
		rec, ok := q.fds[fd]
		if !ok {
			rec = &fdRecord{fd: fd}
			q.fds[fd] = rec
		}
		rec.mask = mask
		rec.listener = listener
		rec.seq++
	}
	q.mu.Unlock()

	return q.waiter.ReprogramFd(fd, mask)
}

// dispatchFdReady implements the sequence-guarded, lock-free-callback
// protocol: snapshot the record and its sequence under the lock, invoke
// the listener outside it, then reconcile only if nothing raced.
func (q *MessageQueue) dispatchFdReady(fd int, events IOEvents) {
	q.mu.Lock()
	rec, ok := q.fds[fd]
	if !ok {
		q.mu.Unlock()
		return
	}
	events &= rec.mask
	listener := rec.listener
	currentMask := rec.mask
	seq := rec.seq
	q.mu.Unlock()

	if listener == nil || events == 0 {
		return
	}

	newMask := callFDListener(q, fd, listener, events, currentMask)

	q.mu.Lock()
	rec, ok = q.fds[fd]
	if !ok || rec.seq != seq {
		// A concurrent SetFdListener already replaced this record;
		// the result we just computed is stale, discard it.
		q.mu.Unlock()
		return
	}
	if newMask == rec.mask {
		q.mu.Unlock()
		return
	}
	if newMask == 0 {
		delete(q.fds, fd)
	} else {
		newMask |= EventError
		rec.mask = newMask
		rec.seq++
	}
	q.mu.Unlock()

	_ = q.waiter.ReprogramFd(fd, newMask)
}

// callFDListener invokes listener, recovering a panic into a logged
// "user-callback" failure per the error taxonomy: fd listener failures
// are logged and the previous mask is kept, never propagated into loop().
func callFDListener(q *MessageQueue, fd int, listener FDListener, events, currentMask IOEvents) (newMask IOEvents) {
	defer func() {
		if r := recover(); r != nil {
			q.logger().Log(LogEntry{
				Level:    LevelError,
				Category: "fd",
				Message:  "fd listener panicked, keeping previous mask",
				Context:  map[string]any{"fd": fd},
				Err:      panicToError(r),
			})
			newMask = currentMask
		}
	}()
	return listener(events)
}
