package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresOnDeadline(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(3*time.Second, func() { fired++ })

	c.Advance(2999 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Millisecond)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(10 * time.Second)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStopAndReset(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	timer := c.AfterFunc(time.Second, func() { fired++ })

	if !timer.Stop() {
		t.Fatal("expected stop of pending timer to report true")
	}
	c.Advance(2 * time.Second)
	if fired != 0 {
		t.Fatal("stopped timer fired")
	}
	if timer.Reset(time.Second) {
		t.Fatal("reset of stopped timer should report inactive")
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d after reset", fired)
	}
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []int
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.AfterFunc(time.Second, func() { order = append(order, 1) })

	c.Advance(5 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v", order)
	}
}

func TestFakeCallbackMayScheduleTimer(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(time.Second, func() {
		c.AfterFunc(time.Second, func() { fired++ })
	})
	c.Advance(2 * time.Second)
	if fired != 1 {
		t.Fatalf("nested timer fired = %d", fired)
	}
}

func TestFakeAfterAndTicker(t *testing.T) {
	c := Fake(epoch)
	after := c.After(time.Second)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)
	select {
	case got := <-after:
		if !got.Equal(epoch.Add(time.Second)) {
			t.Fatalf("after delivered %v", got)
		}
	default:
		t.Fatal("after did not fire")
	}
	select {
	case <-ticker.C:
	default:
		t.Fatal("ticker did not tick")
	}
	if c.PendingCount() != 1 {
		t.Fatalf("pending = %d, want ticker only", c.PendingCount())
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()
	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}
