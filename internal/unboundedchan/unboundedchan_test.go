package unboundedchan

import (
	"testing"
)

func TestUnboundedChannel(t *testing.T) {
	unboundedQueue := NewUnboundedChannel[int]()

	// Goroutine to send data.
	// Send a all integers [0, 19].
	max := 20
	go func() {
		ch := unboundedQueue.In()
		for i := range max {
			ch <- i
		}
		close(ch) // Close the input channel when done
	}()

	// Goroutine to receive and process data (here, sum it all up)
	sum := 0
	expect := (max * (max - 1)) / 2
	for d := range unboundedQueue.Out() {
		sum += d
	}
	if sum != expect {
		t.Errorf("UnboundedQueue sum was %d, want %d", sum, expect)
	}
}

// TestSendNeverWaitsOnReader sends many values with nobody reading, then
// checks they all arrive in order.
func TestSendNeverWaitsOnReader(t *testing.T) {
	uc := NewUnboundedChannel[int]()
	const n = 5000
	for i := 0; i < n; i++ {
		if !uc.Send(i) {
			t.Fatalf("Send(%d) returned false on an open channel", i)
		}
	}
	if l := uc.Len(); l != n {
		t.Errorf("Len()=%d before reading, want %d", l, n)
	}
	uc.Close()
	uc.Close() // second Close is harmless
	if uc.Send(-1) {
		t.Error("Send after Close returned true, want false")
	}

	next := 0
	for v := range uc.Out() {
		if v != next {
			t.Fatalf("received %d, want %d", v, next)
		}
		next++
	}
	if next != n {
		t.Errorf("received %d values, want %d", next, n)
	}
	if l := uc.Len(); l != 0 {
		t.Errorf("Len()=%d after draining, want 0", l)
	}
}
