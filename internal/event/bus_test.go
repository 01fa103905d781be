package event

import (
	"errors"
	"testing"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := NewBus()

	var got1, got2 []any
	if _, err := b.Subscribe(func(ev any) { got1 = append(got1, ev) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe(func(ev any) { got2 = append(got2, ev) }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish("hit")
	b.Publish(42)

	if len(got1) != 2 || len(got2) != 2 {
		t.Fatalf("deliveries = %d/%d, want 2/2", len(got1), len(got2))
	}
	if got1[0] != "hit" || got2[1] != 42 {
		t.Errorf("wrong payloads: %v %v", got1, got2)
	}
}

func TestSubscribeNilHandler(t *testing.T) {
	b := NewBus()
	if _, err := b.Subscribe(nil); !errors.Is(err, ErrNilHandler) {
		t.Errorf("Subscribe(nil) err = %v, want ErrNilHandler", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	b := NewBus()

	count := 0
	sub, err := b.Subscribe(func(any) { count++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish("one")
	if err := b.Unsubscribe(sub); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	b.Publish("two")

	if count != 1 {
		t.Errorf("handler ran %d times, want 1", count)
	}

	if err := b.Unsubscribe(sub); !errors.Is(err, ErrSubscriptionNotFound) {
		t.Errorf("second Unsubscribe err = %v, want ErrSubscriptionNotFound", err)
	}
}

func TestPanicIsolatedFromOtherHandlers(t *testing.T) {
	var panicked any
	b := NewBus(WithPanicHandler(func(_ any, recovered any, _ []byte) {
		panicked = recovered
	}))

	delivered := false
	if _, err := b.Subscribe(func(any) { panic("boom") }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe(func(any) { delivered = true }); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish("ev")

	if !delivered {
		t.Error("second handler should still run after first panics")
	}
	if panicked != "boom" {
		t.Errorf("panic handler got %v, want boom", panicked)
	}

	s := b.Stats()
	if s.HandlerPanics != 1 {
		t.Errorf("HandlerPanics = %d, want 1", s.HandlerPanics)
	}
	if s.Published != 1 {
		t.Errorf("Published = %d, want 1", s.Published)
	}
}

func TestStatsSubscribers(t *testing.T) {
	b := NewBus()
	sub, _ := b.Subscribe(func(any) {})
	if got := b.Stats().Subscribers; got != 1 {
		t.Errorf("Subscribers = %d, want 1", got)
	}
	_ = b.Unsubscribe(sub)
	if got := b.Stats().Subscribers; got != 0 {
		t.Errorf("Subscribers = %d, want 0", got)
	}
}
