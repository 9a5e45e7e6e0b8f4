package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()
	b := New()
	ch1, stop1 := b.Subscribe(4)
	ch2, stop2 := b.Subscribe(4)
	defer stop1()
	defer stop2()

	b.Publish(Event{Type: TypeRunStarted, Time: time.Now(), Data: RunEvent{Endpoint: "free_search"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case e := <-ch:
			if e.Type != TypeRunStarted {
				t.Fatalf("subscriber %d got %q", i, e.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d got nothing", i)
		}
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	t.Parallel()
	b := New()
	_, stop := b.Subscribe(1) // full after one event
	defer stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: TypeRunFinished})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New()
	ch, stop := b.Subscribe(1)
	stop()
	b.Publish(Event{Type: TypeTaskDone})
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("event delivered after unsubscribe")
		}
	default:
	}
}
