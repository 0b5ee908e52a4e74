package msgloop

import (
	"errors"
	"testing"
	"time"
)

func TestPrepare_TwiceOnSameGoroutinePanics(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on double Prepare")
		}
	}()
	_, _ = Prepare(true)
}

func TestMyLooper_NoneReturnsErrNoLooperPrepared(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := MyLooper()
		done <- err
	}()
	if err := <-done; !errors.Is(err, ErrNoLooperPrepared) {
		t.Fatalf("err = %v, want ErrNoLooperPrepared", err)
	}
}

func TestLoop_DeliversMessagesAndExitsOnQuit(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}

	var order []int
	h := NewHandler(looper, func(msg *Message) error {
		order = append(order, msg.What)
		return nil
	})
	for i := 1; i <= 3; i++ {
		msg := h.newMessage()
		msg.What = i
		if err := h.Send(msg, 0); err != nil {
			t.Fatal(err)
		}
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		looper.Queue.Quit(true)
	}()

	if err := Loop(looper); err != nil {
		t.Fatalf("Loop returned error: %v", err)
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("dispatch order = %v, want [1 2 3]", order)
	}
}

func TestLoop_PropagatesHandlerError(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}
	defer looper.Queue.Quit(false)

	boom := errors.New("handler boom")
	h := NewHandler(looper, func(msg *Message) error {
		return boom
	})
	if err := h.Post(nil, 0); err != nil {
		t.Fatal(err)
	}
	if err := Loop(looper); err != boom {
		t.Fatalf("Loop error = %v, want %v", err, boom)
	}
}

func TestLoop_InlineCallbackBypassesHandlerFunc(t *testing.T) {
	looper, err := Prepare(true)
	if err != nil {
		t.Fatal(err)
	}

	called := false
	h := NewHandler(looper, func(msg *Message) error {
		t.Fatal("onMessage should not run for a Callback message")
		return nil
	})
	if err := h.Post(func() error {
		called = true
		return nil
	}, 0); err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(5 * time.Millisecond)
		looper.Queue.Quit(true)
	}()
	if err := Loop(looper); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("expected Callback to run")
	}
}
