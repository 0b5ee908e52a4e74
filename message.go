package msgloop

import (
	"sync"
	"time"
)

// MessageFlags records bookkeeping bits carried on a Message alongside its
// payload. Flags are manipulated only inside this package (MessageQueue,
// MessagePool, Handler, and Message.SetAsynchronous); a caller holding a
// Message obtained from Obtain must treat them read-only.
type MessageFlags uint8

const (
	// FlagInUse marks a Message as linked into a queue or otherwise owned
	// by the runtime. It stays set through dispatch and is cleared when
	// MessagePool.Recycle resets the Message. Recycle refuses a Message
	// that is not in use (a double recycle), and MessageQueue.Enqueue
	// refuses to link an in-use one in twice — both are usage errors, not
	// transient conditions.
	FlagInUse MessageFlags = 1 << iota

	// FlagAsynchronous marks a Message as exempt from synchronization
	// barriers (see MessageQueue.PostSyncBarrier). Async messages are
	// typically posted by the platform/runtime layer itself (input
	// events, vsync-style callbacks) rather than application code.
	FlagAsynchronous
)

// Callback is the payload a Message carries when it isn't a plain What/Arg1/
// Arg2 tag dispatched to a Handler's message function. An error returned
// from Callback stops the loop: Loop returns it unchanged.
type Callback func() error

// Message is the unit of work carried through a MessageQueue. It mirrors
// Android's android.os.Message: a small, poolable, mostly-opaque envelope
// that a Handler interprets. Message is not safe for concurrent use — by
// the time it is visible to more than one goroutine it is owned by the
// queue, and only the queue's own mutex may touch its Next pointer.
type Message struct {
	// What is an application-defined command code, conventionally
	// interpreted by the Handler named in Target.
	What int

	// Arg1 and Arg2 are cheap integer payload slots, avoiding an
	// allocation for the common case of small integer arguments.
	Arg1, Arg2 int

	// Obj carries an arbitrary payload when Arg1/Arg2 aren't enough.
	Obj any

	// Callback, if non-nil, is invoked by the Loop instead of routing
	// the Message through Target's dispatch function.
	Callback Callback

	// ReplyTo optionally names a Handler that Target's dispatch code may
	// post a response Message to; msgloop does not interpret this field,
	// it exists purely as an addressing convention for callers.
	ReplyTo *Handler

	// Target is the Handler this Message is destined for. It is set by
	// Handler.Post/Handler.Send and read by Loop when dispatching.
	Target *Handler

	when  time.Time
	flags MessageFlags
	next  *Message

	// ownerTag is a debugging field for the call site that last took
	// ownership of this Message. It has no effect on behavior: no code in
	// this package assigns it (reset clears it), and Dump's
	// MessageSnapshot does not include it.
	ownerTag string
}

// When reports the absolute time at which this Message becomes eligible for
// dispatch. A zero Time (the pool's default) means "as soon as possible,"
// ordered before every message with a concrete time, and FIFO among
// messages that are themselves zero (see MessageQueue for the stability
// rule governing equal-when ordering).
func (m *Message) When() time.Time {
	return m.when
}

// IsAsynchronous reports whether FlagAsynchronous is set.
func (m *Message) IsAsynchronous() bool {
	return m.flags&FlagAsynchronous != 0
}

// SetAsynchronous sets or clears FlagAsynchronous. It is a usage error to
// call this on a Message already linked into a queue.
func (m *Message) SetAsynchronous(async bool) {
	if m.flags&FlagInUse != 0 {
		usagePanic("Message.SetAsynchronous", "cannot modify a message that is in use")
	}
	if async {
		m.flags |= FlagAsynchronous
	} else {
		m.flags &^= FlagAsynchronous
	}
}

// reset clears a Message back to its zero-equivalent state, dropping every
// reference so pooled Messages don't pin arbitrary application objects.
func (m *Message) reset() {
	*m = Message{}
}

// MessagePool is a bounded free list of Message values, recycling the most
// frequently allocated object in this runtime the way android.os.Message's
// internal sPool does. Capacity defaults to 50 (Android's own default) and
// is configurable via WithPoolCapacity.
//
// MessagePool never blocks: Obtain allocates a fresh Message whenever the
// free list is empty, and Recycle silently drops a Message once the free
// list is at capacity. The bound only limits retained memory, never
// throughput.
type MessagePool struct {
	mu       sync.Mutex
	free     []*Message
	capacity int
}

// NewMessagePool constructs a MessagePool with the given capacity. A
// capacity of zero or less disables pooling: Obtain always allocates and
// Recycle always drops.
func NewMessagePool(capacity int) *MessagePool {
	if capacity < 0 {
		capacity = 0
	}
	return &MessagePool{capacity: capacity}
}

// Obtain returns a Message ready for use, either recycled from the free
// list or freshly allocated. FlagInUse is not set on the returned Message:
// per this runtime's ownership convention, a Message is only "in use" once
// it is actually linked into a queue, and MessageQueue.Enqueue is what sets
// FlagInUse (or, for a sync barrier, its own construction).
func (p *MessagePool) Obtain() *Message {
	p.mu.Lock()
	n := len(p.free)
	var m *Message
	if n > 0 {
		m = p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if m == nil {
		m = &Message{}
	}
	return m
}

// Recycle returns a Message to the pool after the loop has finished
// dispatching it. Recycle panics (a usage error) if FlagInUse is already
// clear, since that means the caller is recycling a Message twice or one it
// never obtained from this pool's Obtain.
func (p *MessagePool) Recycle(m *Message) {
	if m.flags&FlagInUse == 0 {
		usagePanic("MessagePool.Recycle", "message is not marked in-use; double recycle?")
	}
	m.reset()

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.capacity {
		return
	}
	p.free = append(p.free, m)
}

// Len reports how many Messages currently sit in the free list.
func (p *MessagePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Cap reports the pool's configured capacity.
func (p *MessagePool) Cap() int {
	return p.capacity
}
