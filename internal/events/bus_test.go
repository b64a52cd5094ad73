package events

import (
	"sync"
	"testing"
)

func TestPublishReachesSubscribers(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventStartSignaled)
	other := b.Subscribe(EventGeneralRecall)

	b.Publish(EventStartSignaled, Payload{"fleet": "Laser"})

	select {
	case p := <-sub:
		if p["fleet"] != "Laser" {
			t.Fatalf("payload fleet %v", p["fleet"])
		}
	default:
		t.Fatal("subscriber did not receive the event")
	}
	select {
	case <-other:
		t.Fatal("event delivered to the wrong type")
	default:
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBus()
	sub := b.Subscribe(EventStartSignaled)

	// Overfill the buffer; Publish must return without stalling.
	for i := 0; i < cap(sub)+4; i++ {
		b.Publish(EventStartSignaled, Payload{"n": i})
	}
	if got := len(sub); got != cap(sub) {
		t.Fatalf("buffered %d events, want %d", got, cap(sub))
	}
}

func TestUnsubscribeDuringPublishStorm(t *testing.T) {
	b := NewBus()

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				b.Publish(EventStartSignaled, Payload{})
			}
		}
	}()

	// Churning subscribers must never race a close against a send.
	for i := 0; i < 200; i++ {
		sub := b.Subscribe(EventStartSignaled)
		b.Unsubscribe(EventStartSignaled, sub)
		if _, open := <-sub; open {
			// Drain anything buffered before the close.
			for range sub {
			}
		}
	}
	close(stop)
	wg.Wait()
}
