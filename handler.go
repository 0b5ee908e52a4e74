package msgloop

import (
	"context"
	"sync"
	"time"
)

// MessageFunc is the "subclass message method" hook: a Handler without
// an intercept installed routes every non-Callback Message to its
// MessageFunc. A nil MessageFunc means Messages with no inline Callback
// are simply dropped after dispatch.
type MessageFunc func(msg *Message) error

// InterceptFunc is an optional hook that sees every Message without an
// inline Callback before MessageFunc does; Callback messages run their
// Callback and never reach it. Returning handled=true (or a non-nil error)
// stops dispatch: MessageFunc is not invoked for that Message.
type InterceptFunc func(msg *Message) (handled bool, err error)

// Handler is a thread-affine endpoint bound to one MessageQueue at
// construction. Every method here may be called from any goroutine except
// RunSynchronously's inline fast path, which requires being on the
// looper's own goroutine to take effect — and dispatch, which only the
// Loop itself calls.
type Handler struct {
	queue     *MessageQueue
	looper    *Looper
	onMessage MessageFunc
	intercept InterceptFunc

	async bool
}

// NewHandler constructs a Handler bound to looper's queue. Constructing a
// Handler when the calling goroutine has no prepared Looper (i.e. looper
// is nil) is a usage error — this mirrors Android's "Can't create handler
// inside thread that has not called Looper.prepare()".
func NewHandler(looper *Looper, onMessage MessageFunc) *Handler {
	if looper == nil {
		usagePanic("NewHandler", "no looper prepared for this thread")
	}
	return &Handler{queue: looper.Queue, looper: looper, onMessage: onMessage}
}

// SetIntercept installs a hook that runs before MessageFunc for every
// Message without an inline Callback dispatched to this Handler.
func (h *Handler) SetIntercept(fn InterceptFunc) {
	h.intercept = fn
}

// SetAsynchronous marks every Message this Handler posts from here on as
// asynchronous, so it bypasses synchronization barriers. This is the
// convention platform-level handlers use; application handlers normally
// leave this false.
func (h *Handler) SetAsynchronous(async bool) {
	h.async = async
}

func (h *Handler) newMessage() *Message {
	msg := h.queue.pool.Obtain()
	msg.Target = h
	if h.async {
		msg.flags |= FlagAsynchronous
	}
	return msg
}

// Post schedules callback to run after delay, wrapped in a Message whose
// inline Callback is callback.
func (h *Handler) Post(callback Callback, delay time.Duration) error {
	msg := h.newMessage()
	msg.Callback = callback
	return h.queue.Enqueue(msg, time.Now().Add(delay))
}

// PostAt schedules callback to run no earlier than at.
func (h *Handler) PostAt(callback Callback, at time.Time) error {
	msg := h.newMessage()
	msg.Callback = callback
	return h.queue.Enqueue(msg, at)
}

// PostAtFront schedules callback ahead of every queued message with a
// concrete delivery time, and after any earlier PostAtFront messages still
// queued, using the front-of-queue When=0 convention (documented in DESIGN.md as
// the resolution of the specification's open question on this point).
// Reserved for critical interrupts; routine work should use Post.
func (h *Handler) PostAtFront(callback Callback) error {
	msg := h.newMessage()
	msg.Callback = callback
	return h.queue.Enqueue(msg, time.Time{})
}

// Send enqueues msg, targeted at this Handler, after delay.
func (h *Handler) Send(msg *Message, delay time.Duration) error {
	msg.Target = h
	if h.async {
		msg.flags |= FlagAsynchronous
	}
	return h.queue.Enqueue(msg, time.Now().Add(delay))
}

// SendAt enqueues msg, targeted at this Handler, no earlier than at.
func (h *Handler) SendAt(msg *Message, at time.Time) error {
	msg.Target = h
	if h.async {
		msg.flags |= FlagAsynchronous
	}
	return h.queue.Enqueue(msg, at)
}

// RemoveMessages removes every queued Message with What==what and no
// inline Callback targeted at this Handler. If matchObj is true, only
// messages whose Obj equals obj are removed.
func (h *Handler) RemoveMessages(what int, obj any, matchObj bool) int {
	return h.queue.Remove(messageMatch{
		target: h, what: what, matchWhat: true,
		obj: obj, matchObj: matchObj,
	})
}

// RemoveCallbacks removes every queued Message whose inline Callback has
// the same identity as callback, targeted at this Handler.
func (h *Handler) RemoveCallbacks(callback Callback, obj any, matchObj bool) int {
	return h.queue.Remove(messageMatch{
		target: h, callback: callback, matchCallback: true,
		obj: obj, matchObj: matchObj,
	})
}

// HasMessages reports whether a matching What-tagged Message is queued.
func (h *Handler) HasMessages(what int, obj any, matchObj bool) bool {
	return h.queue.Has(messageMatch{
		target: h, what: what, matchWhat: true,
		obj: obj, matchObj: matchObj,
	})
}

// HasCallbacks reports whether a matching Callback-tagged Message is
// queued.
func (h *Handler) HasCallbacks(callback Callback, obj any, matchObj bool) bool {
	return h.queue.Has(messageMatch{
		target: h, callback: callback, matchCallback: true,
		obj: obj, matchObj: matchObj,
	})
}

// dispatch is called by Loop only, never directly by application code:
// an inline Callback runs first; absent one, an installed intercept may
// claim the Message; otherwise it falls through to onMessage.
func (h *Handler) dispatch(msg *Message) error {
	if msg.Callback != nil {
		return msg.Callback()
	}
	if h.intercept != nil {
		handled, err := h.intercept(msg)
		if handled || err != nil {
			return err
		}
	}
	if h.onMessage == nil {
		return nil
	}
	return h.onMessage(msg)
}

// RunSynchronously runs fn on this Handler's looper goroutine and blocks
// the caller until it completes, or ctx is cancelled or its deadline
// elapses — whichever comes first. On cancellation it returns
// ErrRunSynchronouslyTimeout and the posted fn stays queued. If the caller
// is already on the looper's own goroutine, fn runs inline with no queue
// round-trip.
//
// This primitive is deadlock-prone by construction: calling it from
// another goroutine while the looper's goroutine is itself waiting on
// that caller blocks until ctx ends (forever, for a context that never
// ends), since the queued message can never be drained. Prefer a
// reply-Handler pattern — posting a response message
// back to the caller's own Handler — in new code; this exists only for
// callers that must block, such as one-time bootstrap sequencing.
func (h *Handler) RunSynchronously(ctx context.Context, fn func() error) error {
	if h.looper != nil && h.looper.isLoopThread() {
		return fn()
	}

	done := make(chan error, 1)
	var once sync.Once
	err := h.Post(func() error {
		err := fn()
		once.Do(func() { done <- err })
		return err
	}, 0)
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ErrRunSynchronouslyTimeout
	}
}
