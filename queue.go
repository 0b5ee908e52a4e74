package msgloop

import (
	"reflect"
	"sync"
	"time"
)

// funcIdentity returns a comparable value identifying a func's entry
// point, the conventional (if imperfect — see reflect.Value.Pointer's own
// caveats) way to compare Go callback identity for removal purposes.
func funcIdentity(f any) uintptr {
	if f == nil {
		return 0
	}
	v := reflect.ValueOf(f)
	if v.Kind() != reflect.Func || v.IsNil() {
		return 0
	}
	return v.Pointer()
}

// IdleHandler is invoked once per queue-drain transition. Returning false
// removes it; returning true keeps it registered for the next drain.
type IdleHandler func() bool

// MessageQueue is an ordered-by-When singly-linked list of Messages, with
// synchronization barriers, an idle-handler list, a file-descriptor
// watcher table, and a handle to the Waiter it sleeps in between ready
// messages. One mutex guards the list, the idle-handler list, the fd
// table, and the quit/blocked/quitting flags and barrier-token counter;
// every user-supplied callback (idle handler, fd listener) runs with that
// mutex released, so it may safely re-enter the queue.
type MessageQueue struct {
	mu sync.Mutex

	head        *Message
	quitAllowed bool
	quitting    bool
	blocked     bool

	nextBarrierToken int

	idleHandlers        []IdleHandler
	pendingIdleHandlers  []IdleHandler
	idleHandlersPending  bool

	fds map[int]*fdRecord

	pool   *MessagePool
	waiter Waiter
	opts   *loopOptions

	closeOnce sync.Once
}

// NewMessageQueue constructs a MessageQueue bound to a freshly created
// platform Waiter. quitAllowed controls whether Quit is permitted at all —
// the main/bootstrap queue of a process is conventionally constructed with
// quitAllowed=false, matching Android's main-looper policy.
func NewMessageQueue(quitAllowed bool, opts ...LoopOption) (*MessageQueue, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}
	waiter, err := newWaiter()
	if err != nil {
		return nil, err
	}
	return &MessageQueue{
		quitAllowed: quitAllowed,
		fds:         make(map[int]*fdRecord),
		pool:        NewMessagePool(cfg.poolCapacity),
		waiter:      waiter,
		opts:        cfg,
	}, nil
}

func (q *MessageQueue) logger() Logger {
	return q.opts.logger
}

// Enqueue links msg into the ordered list, ready for dispatch no earlier
// than when. It is a usage error to enqueue a nil-target, already-in-use
// message. Enqueuing after Quit returns ErrQueueQuitting and recycles msg.
//
// Ported directly from the source's enqueueMessage algorithm: insert by
// When with stable (FIFO) placement among equal-When entries, and wake the
// Waiter only when the insertion actually changes what's deliverable now.
func (q *MessageQueue) Enqueue(msg *Message, when time.Time) error {
	if msg.Target == nil {
		usagePanic("MessageQueue.Enqueue", "message has a nil target")
	}
	if msg.flags&FlagInUse != 0 {
		usagePanic("MessageQueue.Enqueue", "message is already in use")
	}

	q.mu.Lock()

	if q.quitting {
		q.mu.Unlock()
		msg.flags |= FlagInUse
		q.pool.Recycle(msg)
		return ErrQueueQuitting
	}

	msg.flags |= FlagInUse
	msg.when = when
	msg.next = nil

	p := q.head
	var needWake bool
	if p == nil || when.Before(p.when) {
		msg.next = p
		q.head = msg
		needWake = q.blocked
	} else {
		needWake = q.blocked && p.Target == nil && msg.IsAsynchronous()
		var prev *Message
		for {
			prev = p
			p = p.next
			if p == nil || when.Before(p.when) {
				break
			}
			if needWake && p.IsAsynchronous() {
				needWake = false
			}
		}
		msg.next = p
		prev.next = msg
	}
	q.idleHandlersPending = false

	q.mu.Unlock()

	if needWake {
		q.waiter.Wake()
	}
	return nil
}

// Next blocks until a single ready, non-barrier message can be returned, or
// the queue has fully drained after Quit — in which case it returns
// (nil, false). Next must only be called from the queue's owning thread
// (the Loop).
func (q *MessageQueue) Next() (*Message, bool) {
	timeoutMs := 0
	for {
		if timeoutMs != 0 {
			_ = q.waiter.WaitOnce(timeoutMs, q.dispatchFdReady)
		}

		q.mu.Lock()
		now := time.Now()

		var prev *Message
		msg := q.head
		if msg != nil && msg.Target == nil {
			for msg != nil && !msg.IsAsynchronous() {
				prev = msg
				msg = msg.next
			}
		}

		if msg != nil {
			if now.Before(msg.when) {
				timeoutMs = clampTimeoutMs(msg.when.Sub(now))
			} else {
				q.blocked = false
				q.idleHandlersPending = false
				if prev != nil {
					prev.next = msg.next
				} else {
					q.head = msg.next
				}
				msg.next = nil
				q.mu.Unlock()
				return msg, true
			}
		} else {
			timeoutMs = -1
		}

		if q.quitting && q.head == nil {
			q.mu.Unlock()
			return nil, false
		}

		if !q.idleHandlersPending {
			if q.head == nil || now.Before(q.head.when) {
				q.idleHandlersPending = true
				q.pendingIdleHandlers = append(q.pendingIdleHandlers[:0], q.idleHandlers...)
			}
		}
		if len(q.pendingIdleHandlers) == 0 {
			q.blocked = true
			q.mu.Unlock()
			continue
		}
		pending := q.pendingIdleHandlers
		q.pendingIdleHandlers = nil
		q.mu.Unlock()

		q.runIdleHandlers(pending)
		timeoutMs = 0
	}
}

// runIdleHandlers invokes each handler with no lock held, removing any
// that return false or panic (panics are logged, never propagated — fd and
// idle failures are user-callback failures per the error taxonomy).
func (q *MessageQueue) runIdleHandlers(pending []IdleHandler) {
	keep := pending[:0:0]
	for _, h := range pending {
		if q.callIdleHandler(h) {
			keep = append(keep, h)
		}
	}

	q.mu.Lock()
	q.idleHandlers = keep
	q.mu.Unlock()
}

func (q *MessageQueue) callIdleHandler(h IdleHandler) (keep bool) {
	defer func() {
		if r := recover(); r != nil {
			q.logger().Log(LogEntry{
				Level:    LevelError,
				Category: "idle",
				Message:  "idle handler panicked, removing it",
				Err:      panicToError(r),
			})
			keep = false
		}
	}()
	return h()
}

// AddIdleHandler registers h to run the next time the queue is found idle
// (empty or head not yet due).
func (q *MessageQueue) AddIdleHandler(h IdleHandler) {
	q.mu.Lock()
	q.idleHandlers = append(q.idleHandlers, h)
	q.mu.Unlock()
}

// RemoveIdleHandler unregisters h's first matching registration, by
// comparing function identity via reflection the way stdlib timer
// callback removal does; it is a no-op if h was never added or already
// self-removed.
func (q *MessageQueue) RemoveIdleHandler(h IdleHandler) {
	target := funcIdentity(h)
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, existing := range q.idleHandlers {
		if funcIdentity(existing) == target {
			q.idleHandlers = append(q.idleHandlers[:i], q.idleHandlers[i+1:]...)
			return
		}
	}
}

// PostSyncBarrier inserts a barrier (a Message with a nil target) ordered
// by when, returning a token identifying it for RemoveSyncBarrier. While a
// barrier sits at the head of the queue, synchronous messages behind it
// are withheld from Next; asynchronous ones are not.
func (q *MessageQueue) PostSyncBarrier(when time.Time) int {
	barrier := &Message{flags: FlagInUse}

	q.mu.Lock()
	q.nextBarrierToken++
	token := q.nextBarrierToken
	barrier.Arg1 = token
	barrier.when = when

	p := q.head
	if p == nil || when.Before(p.when) {
		barrier.next = p
		q.head = barrier
	} else {
		var prev *Message
		for {
			prev = p
			p = p.next
			if p == nil || when.Before(p.when) {
				break
			}
		}
		barrier.next = p
		prev.next = barrier
	}
	q.mu.Unlock()
	return token
}

// RemoveSyncBarrier unlinks the barrier identified by token. Removing an
// unknown token is a usage error: it almost always indicates a
// double-remove or a token from a different queue. If the new head is now
// an ordinary ready message and the Waiter is blocked, it is woken.
func (q *MessageQueue) RemoveSyncBarrier(token int) {
	q.mu.Lock()

	var prev *Message
	p := q.head
	for p != nil && !(p.Target == nil && p.Arg1 == token) {
		prev = p
		p = p.next
	}
	if p == nil {
		q.mu.Unlock()
		usagePanic("MessageQueue.RemoveSyncBarrier", "unknown barrier token")
	}

	if prev != nil {
		prev.next = p.next
	} else {
		q.head = p.next
	}

	needWake := q.blocked && q.head != nil && q.head.Target != nil && !q.head.when.After(time.Now())
	q.mu.Unlock()

	if needWake {
		q.waiter.Wake()
	}
}

// messageMatch reports whether msg matches a Remove/Has query. With
// matchObj false any Obj matches; with matchObj true a message matches only
// if its Obj equals obj (so a nil obj then matches only a nil Obj). Callback
// identity is compared via funcIdentity, so passing a runnable restricts
// the match to that specific callback identity.
type messageMatch struct {
	target      *Handler
	what        int
	matchWhat   bool
	obj         any
	matchObj    bool
	callback    Callback
	matchCallback bool
}

func (f messageMatch) matches(m *Message) bool {
	if m.Target != f.target {
		return false
	}
	if f.matchCallback {
		if m.Callback == nil || funcIdentity(m.Callback) != funcIdentity(f.callback) {
			return false
		}
	} else if f.matchWhat {
		if m.Callback != nil || m.What != f.what {
			return false
		}
	}
	if f.matchObj && m.Obj != f.obj {
		return false
	}
	return true
}

// Remove scans the list and unlinks+recycles every message matching f,
// returning the count removed.
func (q *MessageQueue) Remove(f messageMatch) int {
	q.mu.Lock()
	var prev *Message
	p := q.head
	removed := 0
	var toRecycle []*Message
	for p != nil {
		next := p.next
		if f.matches(p) {
			if prev != nil {
				prev.next = next
			} else {
				q.head = next
			}
			p.next = nil
			toRecycle = append(toRecycle, p)
			removed++
		} else {
			prev = p
		}
		p = next
	}
	q.mu.Unlock()

	for _, m := range toRecycle {
		q.pool.Recycle(m)
	}
	return removed
}

// Has scans the list without removing anything.
func (q *MessageQueue) Has(f messageMatch) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for p := q.head; p != nil; p = p.next {
		if f.matches(p) {
			return true
		}
	}
	return false
}

// IsIdle reports whether the queue has no currently-deliverable message:
// the head is nil or not yet due.
func (q *MessageQueue) IsIdle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head == nil || time.Now().Before(q.head.when)
}

// IsPolling reports whether the owning thread is currently blocked inside
// the Waiter.
func (q *MessageQueue) IsPolling() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.blocked
}

// Quit marks the queue quitting. If safe, messages due in the future are
// discarded and the ones already due are left to be delivered before Next
// reports end-of-stream; if not safe, every remaining message is discarded
// immediately. Calling
// Quit on a queue constructed with quitAllowed=false is a usage error.
func (q *MessageQueue) Quit(safe bool) {
	if !q.quitAllowed {
		usagePanic("MessageQueue.Quit", "this queue does not allow quitting")
	}

	q.mu.Lock()
	if q.quitting {
		q.mu.Unlock()
		return
	}
	q.quitting = true

	var toRecycle []*Message
	if safe {
		now := time.Now()
		var prev *Message
		p := q.head
		for p != nil {
			if p.when.After(now) {
				if prev != nil {
					prev.next = nil
				} else {
					q.head = nil
				}
				for n := p; n != nil; {
					next := n.next
					n.next = nil
					toRecycle = append(toRecycle, n)
					n = next
				}
				break
			}
			prev = p
			p = p.next
		}
	} else {
		for p := q.head; p != nil; {
			next := p.next
			p.next = nil
			toRecycle = append(toRecycle, p)
			p = next
		}
		q.head = nil
	}
	q.mu.Unlock()

	for _, m := range toRecycle {
		q.pool.Recycle(m)
	}
	q.waiter.Wake()
}

// Close releases the queue's underlying Waiter resources (epoll/kqueue fd,
// wake primitive). It is idempotent.
func (q *MessageQueue) Close() error {
	var err error
	q.closeOnce.Do(func() {
		err = q.waiter.Close()
	})
	return err
}
