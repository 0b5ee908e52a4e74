package msgloop

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Looper binds a MessageQueue to the goroutine that called Prepare. It is
// the per-thread registration record spec.md's "prepare"/"myLooper"
// bootstrap describes; Loop drives the bound queue, and NewHandler binds a
// Handler to a Looper.
type Looper struct {
	Queue *MessageQueue

	goroutineID uint64
	opts        *loopOptions
	loopID      int64
}

var (
	looperRegistry sync.Map // goroutineID(uint64) -> *Looper
	nextLoopID     atomic.Int64
)

// Prepare binds a new MessageQueue to the calling goroutine, matching
// Android's Looper.prepare(). Calling Prepare twice on the same goroutine
// before Loop has returned for the first Looper is a usage error (Quit
// alone does not release the goroutine): it almost always means
// the caller is confusing goroutines, since a genuine single-threaded
// event loop only ever prepares once.
func Prepare(quitAllowed bool, opts ...LoopOption) (*Looper, error) {
	gid := getGoroutineID()
	if _, exists := looperRegistry.Load(gid); exists {
		usagePanic("Prepare", "a looper is already prepared for this goroutine")
	}

	queue, err := NewMessageQueue(quitAllowed, opts...)
	if err != nil {
		return nil, err
	}
	looper := &Looper{
		Queue:       queue,
		goroutineID: gid,
		opts:        queue.opts,
		loopID:      nextLoopID.Add(1),
	}
	looperRegistry.Store(gid, looper)
	return looper, nil
}

// MyLooper returns the Looper prepared on the calling goroutine, or
// ErrNoLooperPrepared if Prepare hasn't been called there.
func MyLooper() (*Looper, error) {
	gid := getGoroutineID()
	v, ok := looperRegistry.Load(gid)
	if !ok {
		return nil, ErrNoLooperPrepared
	}
	return v.(*Looper), nil
}

// release removes the Looper from the registry once its queue has
// fully drained and Loop has returned, allowing the goroutine to prepare
// again (e.g. worker-thread pools that park and re-prepare).
func (l *Looper) release() {
	looperRegistry.Delete(l.goroutineID)
}

// Loop drives a single Looper's queue until Next signals end-of-stream. It
// must run on the goroutine that called Prepare; calling Loop from
// elsewhere is a contract violation that nothing here enforces beyond the
// dispatch-time identity check used by Handler.RunSynchronously.
func Loop(looper *Looper) error {
	defer looper.release()

	q := looper.Queue
	logger := q.logger()

	for {
		msg, ok := q.Next()
		if !ok {
			return nil
		}

		dispatchStart := time.Now()
		if d := looper.opts.slowDeliveryThreshold; d > 0 {
			if lag := dispatchStart.Sub(msg.when); lag > d {
				logger.Log(LogEntry{
					Level:    LevelWarn,
					Category: "loop",
					LoopID:   looper.loopID,
					Message:  "slow delivery: message dispatched well after its due time",
					Context:  map[string]any{"lag_ms": lag.Milliseconds()},
				})
			}
		}

		err := dispatchMessage(msg)

		if d := looper.opts.slowDispatchThreshold; d > 0 {
			if dur := time.Since(dispatchStart); dur > d {
				logger.Log(LogEntry{
					Level:    LevelWarn,
					Category: "loop",
					LoopID:   looper.loopID,
					Message:  "slow dispatch: handler took longer than the configured threshold",
					Context:  map[string]any{"duration_ms": dur.Milliseconds()},
				})
			}
		}

		q.pool.Recycle(msg)

		if err != nil {
			// Handler-body failures are not user-callback failures: they
			// propagate out of Loop unchanged, per the error taxonomy.
			return err
		}
	}
}

// dispatchMessage implements Handler.dispatch: an inline Callback runs
// directly; otherwise it is routed through the target Handler's message
// function (or intercept hook).
func dispatchMessage(msg *Message) error {
	if msg.Callback != nil {
		return msg.Callback()
	}
	return msg.Target.dispatch(msg)
}

// isLoopThread reports whether the calling goroutine is the one bound to
// looper by Prepare — the same goroutine-identity check
// Handler.RunSynchronously uses to decide between running inline and
// blocking on a reply.
func (l *Looper) isLoopThread() bool {
	return getGoroutineID() == l.goroutineID
}

// getGoroutineID parses the current goroutine's numeric ID out of a
// runtime.Stack dump. This is the same trick used to assert thread
// affinity when there is no cheaper portable primitive for it; it is only
// ever used for assertions/fast-path checks, never for correctness that
// must hold under adversarial input.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
