package pipeline

import (
	"sync"
	"testing"
	"time"
)

func TestRingPushPopOrder(t *testing.T) {
	r := NewRing(MinRingCapacity, false)
	envs := []*Envelope{
		NewTerminateEnvelope(true, "a"),
		NewTerminateEnvelope(true, "b"),
		NewTerminateEnvelope(true, "c"),
	}
	for _, e := range envs {
		if !r.Push(e) {
			t.Fatal("Push returned false on an open ring")
		}
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	for _, want := range envs {
		got, ok := r.Pop()
		if !ok {
			t.Fatal("Pop reported closed on a non-empty, non-shutdown ring")
		}
		if got != want {
			t.Errorf("Pop() = %p, want %p (FIFO order)", got, want)
		}
	}
}

func TestRingCapacityFloor(t *testing.T) {
	r := NewRing(1, false)
	if r.Cap() != MinRingCapacity {
		t.Errorf("Cap() = %d, want floor %d", r.Cap(), MinRingCapacity)
	}
	r2 := NewRing(0, false)
	if r2.Cap() != DefaultRingCapacity {
		t.Errorf("Cap() with capacity<=0 = %d, want default %d", r2.Cap(), DefaultRingCapacity)
	}
}

func TestRingShutdownDrainsThenReportsClosed(t *testing.T) {
	r := NewRing(MinRingCapacity, false)
	r.Push(NewTerminateEnvelope(true, "last"))
	r.Shutdown()
	if !r.Closed() {
		t.Fatal("Closed() = false after Shutdown")
	}

	if _, ok := r.Pop(); !ok {
		t.Errorf("expected Pop to drain the buffered element after shutdown")
	}
	if _, ok := r.Pop(); ok {
		t.Errorf("expected Pop to report shutdown once drained")
	}
}

func TestRingPushAfterShutdownFails(t *testing.T) {
	r := NewRing(MinRingCapacity, false)
	r.Shutdown()
	if r.Push(NewTerminateEnvelope(true, "x")) {
		t.Errorf("Push succeeded on a shut-down ring")
	}
}

func TestRingBlocksWhileFullAndUnblocksOnPop(t *testing.T) {
	r := NewRing(MinRingCapacity, false)
	for i := 0; i < r.Cap(); i++ {
		if !r.Push(NewTerminateEnvelope(true, "fill")) {
			t.Fatal("unexpected push failure while filling")
		}
	}

	pushed := make(chan bool, 1)
	go func() {
		pushed <- r.Push(NewTerminateEnvelope(true, "overflow"))
	}()

	select {
	case <-pushed:
		t.Fatal("Push on a full ring returned before any Pop freed space")
	case <-time.After(50 * time.Millisecond):
	}

	if _, ok := r.Pop(); !ok {
		t.Fatal("Pop failed unexpectedly")
	}

	select {
	case ok := <-pushed:
		if !ok {
			t.Error("blocked Push returned false after space freed on an open ring")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked Push never unblocked after a Pop freed space")
	}
}

func TestRingProducersDefaultsToOne(t *testing.T) {
	r := NewRing(MinRingCapacity, true)
	if r.Producers() != 1 {
		t.Errorf("Producers() = %d, want 1 before any RegisterProducer call", r.Producers())
	}
	r.RegisterProducer()
	r.RegisterProducer()
	if r.Producers() != 2 {
		t.Errorf("Producers() = %d, want 2 after two RegisterProducer calls", r.Producers())
	}
}

func TestRingConcurrentPushPop(t *testing.T) {
	r := NewRing(MinRingCapacity, true)
	const n = 500

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			r.Push(NewTerminateEnvelope(true, "x"))
		}
	}()

	received := 0
	for received < n {
		if _, ok := r.Pop(); ok {
			received++
		}
	}
	wg.Wait()
	if received != n {
		t.Errorf("received %d envelopes, want %d", received, n)
	}
}
