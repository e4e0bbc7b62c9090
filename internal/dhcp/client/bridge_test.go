package client

import (
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/go-cmp/cmp"
	"github.com/tinkerbell/dhcplink/internal/engine"
)

func TestBridgeDeliversInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []engine.State
	b := newBridge(logr.Discard(), time.Second, func(s engine.State) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})

	want := []engine.State{engine.StateSelecting, engine.StateRequesting, engine.StateBound}
	for _, s := range want {
		b.dispatch(s)
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatal(diff)
	}
}

// A second transition waits until the first one is drained.
func TestBridgeSingleSlot(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan engine.State, 2)
	b := newBridge(logr.Discard(), 5*time.Second, func(s engine.State) {
		entered <- s
		<-release
	})

	first := make(chan struct{})
	go func() {
		b.dispatch(engine.StateRequesting)
		close(first)
	}()
	if s := <-entered; s != engine.StateRequesting {
		t.Fatalf("delivered %v", s)
	}

	second := make(chan struct{})
	go func() {
		b.dispatch(engine.StateBound)
		close(second)
	}()
	select {
	case <-first:
		t.Fatal("dispatch returned before the callback finished")
	case <-second:
		t.Fatal("second dispatch overtook the first")
	case <-time.After(50 * time.Millisecond):
	}

	release <- struct{}{}
	<-first
	if s := <-entered; s != engine.StateBound {
		t.Fatalf("delivered %v", s)
	}
	release <- struct{}{}
	<-second
}

func TestBridgeCloseReleasesEngine(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	b := newBridge(logr.Discard(), time.Hour, func(engine.State) { <-block })

	done := make(chan struct{})
	go func() {
		b.dispatch(engine.StateBound)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	b.close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch still blocked after close")
	}

	// dispatch after close never calls deliver.
	b.dispatch(engine.StateInit)
}

func TestBridgeWaitIsBounded(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	b := newBridge(logr.Discard(), 20*time.Millisecond, func(engine.State) { <-block })

	done := make(chan struct{})
	go func() {
		b.dispatch(engine.StateBound)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatch held the engine past its wait")
	}
}
