// Package msgloop implements a per-thread cooperative message-loop
// runtime: a single-threaded scheduler that delivers timestamped work
// items to handlers bound to a specific goroutine, while simultaneously
// multiplexing file-descriptor readiness and thread-idle hooks. It is
// modeled directly on Android's Looper/MessageQueue/Handler trio.
//
// A typical worker goroutine prepares a Looper, builds one or more
// Handlers bound to it, and calls Loop to drive the queue until it quits:
//
//	looper, err := msgloop.Prepare(true)
//	if err != nil {
//		return err
//	}
//	h := msgloop.NewHandler(looper, func(msg *msgloop.Message) error {
//		switch msg.What {
//		case msgTick:
//			return handleTick(msg)
//		}
//		return nil
//	})
//	h.Post(func() error { return doWork() }, 0)
//	return msgloop.Loop(looper)
//
// Messages are pooled (MessagePool) and ordered by delivery time
// (MessageQueue); a Handler never touches the queue's internals directly,
// only through Post/Send/Remove/Has. A Loop dispatches exactly one message
// at a time, on the goroutine that prepared the Looper, and propagates any
// error a Handler's dispatch returns.
//
// The MessageQueue also owns a file-descriptor watcher table and sleeps
// in a platform-specific Waiter (epoll on Linux, kqueue on Darwin, IOCP on
// Windows) between ready messages, waking on enqueue, on fd readiness, or
// on its own timeout.
//
// The lru subpackage provides a generic bounded LRU cache used as a
// reusable storage primitive elsewhere in systems built on this runtime;
// it has no dependency on the message-loop types.
package msgloop
