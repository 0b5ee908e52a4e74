package msgloop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewHandler_NilLooperPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic constructing a Handler with a nil looper")
		}
	}()
	NewHandler(nil, nil)
}

func TestHandler_InterceptClaimsMessage(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	onMessageCalled := false
	h := NewHandler(looper, func(msg *Message) error {
		onMessageCalled = true
		return nil
	})
	h.SetIntercept(func(msg *Message) (bool, error) {
		return true, nil
	})

	msg := h.newMessage()
	msg.What = 1
	if err := h.Send(msg, 0); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(5 * time.Millisecond)
		looper.Queue.Quit(true)
	}()
	if err := Loop(looper); err != nil {
		t.Fatal(err)
	}
	if onMessageCalled {
		t.Fatal("intercept returning handled=true should suppress onMessage")
	}
}

func TestHandler_RemoveMessagesAndHasMessages(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	h := NewHandler(looper, func(*Message) error { return nil })
	if err := h.Post(func() error { return nil }, time.Hour); err != nil {
		t.Fatal(err)
	}

	msg := h.newMessage()
	msg.What = 42
	if err := h.Send(msg, time.Hour); err != nil {
		t.Fatal(err)
	}

	if !h.HasMessages(42, nil, false) {
		t.Fatal("expected HasMessages(42) to be true")
	}
	if n := h.RemoveMessages(42, nil, false); n != 1 {
		t.Fatalf("RemoveMessages = %d, want 1", n)
	}
	if h.HasMessages(42, nil, false) {
		t.Fatal("message should be gone after RemoveMessages")
	}
}

func TestHandler_PostAtFrontUsesZeroTime(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	h := NewHandler(looper, nil)
	if err := h.Post(func() error { return nil }, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := h.PostAtFront(func() error { return nil }); err != nil {
		t.Fatal(err)
	}

	msg, ok := looper.Queue.Next()
	if !ok {
		t.Fatal("expected a message")
	}
	if !msg.When().IsZero() {
		t.Fatalf("PostAtFront message When() = %v, want zero", msg.When())
	}
}

func TestHandler_RunSynchronouslyInlineOnLoopThread(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	h := NewHandler(looper, nil)
	ran := false
	err = h.RunSynchronously(context.Background(), func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected inline execution on the looper's own goroutine")
	}
}

func TestHandler_RunSynchronouslyFromOtherGoroutine(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(looper, nil)

	// Loop runs on the goroutine that prepared the looper; the caller is a
	// different goroutine, so RunSynchronously takes the queued path.
	ran := false
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.RunSynchronously(context.Background(), func() error {
			ran = true
			return nil
		})
		looper.Queue.Quit(true)
	}()

	if err := Loop(looper); err != nil {
		t.Fatal(err)
	}
	err = <-errCh
	if err != nil {
		t.Fatal(err)
	}
	if !ran {
		t.Fatal("expected fn to run on the loop goroutine")
	}
}

func TestHandler_RunSynchronouslyTimesOutOnCancelledContext(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	// No Loop is running, so the posted fn never executes; the context
	// cancellation must still unblock RunSynchronously.
	h := NewHandler(looper, nil)

	// Construct a Handler bound to a *different* looper's goroutine
	// identity so isLoopThread() is false and the queued-fn path is taken.
	other := &Looper{Queue: looper.Queue, goroutineID: looper.goroutineID + 1}
	h.looper = other

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err = h.RunSynchronously(ctx, func() error {
		return errors.New("unreachable")
	})
	if !errors.Is(err, ErrRunSynchronouslyTimeout) {
		t.Fatalf("err = %v, want ErrRunSynchronouslyTimeout", err)
	}
}
