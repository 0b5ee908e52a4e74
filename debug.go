package msgloop

import "time"

// MessageSnapshot is a point-in-time, detached copy of one queued Message,
// safe to inspect after MessageQueue's lock has been released.
type MessageSnapshot struct {
	When     time.Time
	Target   *Handler
	What     int
	HasCallback bool
	Arg1, Arg2 int
	Obj      any
}

// Dump returns a snapshot of every Message currently linked into the
// queue, in delivery order, taken under the queue's lock. It is a
// diagnostic aid only — the result is stale the instant the lock is
// released, which is fine for logging and debugging but not for control
// flow.
func (q *MessageQueue) Dump() []MessageSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []MessageSnapshot
	for m := q.head; m != nil; m = m.next {
		out = append(out, MessageSnapshot{
			When:        m.when,
			Target:      m.Target,
			What:        m.What,
			HasCallback: m.Callback != nil,
			Arg1:        m.Arg1,
			Arg2:        m.Arg2,
			Obj:         m.Obj,
		})
	}
	return out
}
