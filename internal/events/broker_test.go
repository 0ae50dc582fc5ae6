package events

import (
	"testing"
	"time"

	"peerchat/internal/testutil"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()
	ch1, cancel1 := b.Subscribe()
	defer cancel1()
	ch2, cancel2 := b.Subscribe()
	defer cancel2()

	b.Publish(7)
	for _, ch := range []<-chan int{ch1, ch2} {
		select {
		case v := <-ch:
			if v != 7 {
				t.Fatalf("got %d", v)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber never received")
		}
	}
}

func TestCancelIsIdempotentAndClosesChannel(t *testing.T) {
	b := NewBroker[string]()
	defer b.Close()
	ch, cancel := b.Subscribe()
	cancel()
	cancel()
	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
	// Publishing after cancel must not panic or deliver.
	b.Publish("late")
}

func TestPublishNeverBlocks(t *testing.T) {
	b := NewBroker[int]()
	defer b.Close()
	ch, cancel := b.Subscribe()
	defer cancel()

	testutil.WithTimeout(t, 2*time.Second, func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(i)
		}
	})
	// The slow subscriber lost the oldest events but keeps the newest.
	var last int
	for {
		select {
		case v := <-ch:
			last = v
			continue
		default:
		}
		break
	}
	if last != subscriberBuffer*3-1 {
		t.Fatalf("newest event lost, last=%d", last)
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	b := NewBroker[int]()
	ch, cancel := b.Subscribe()
	defer cancel()
	b.Close()
	if _, open := <-ch; open {
		t.Fatal("channel open after broker close")
	}
	// Subscribing after close yields a closed channel, not a panic.
	ch2, _ := b.Subscribe()
	if _, open := <-ch2; open {
		t.Fatal("post-close subscription open")
	}
}
