package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC))

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(time.Second, func() { order = append(order, "first") })
	c.AfterFunc(5*time.Second, func() { order = append(order, "late") })

	c.Advance(2 * time.Second)

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("unexpected firing order: %v", order)
	}
	if c.Pending() != 1 {
		t.Fatalf("expected one pending waiter, got %d", c.Pending())
	}
}

func TestFakeStopPreventsCallback(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Fatalf("expected Stop to report an active timer")
	}
	if timer.Stop() {
		t.Fatalf("expected second Stop to report false")
	}

	c.Advance(time.Minute)
	if fired {
		t.Fatalf("stopped timer must not fire")
	}
}

func TestFakeAfterDeliversOnAdvance(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ch := c.After(3 * time.Second)

	go c.Advance(3 * time.Second)

	select {
	case got := <-ch:
		if !got.Equal(time.Unix(3, 0)) {
			t.Fatalf("unexpected time %v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("After channel never fired")
	}
}
