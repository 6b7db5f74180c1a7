package events

import (
	"context"
	"testing"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
)

func TestBus_DeliversInOrder(t *testing.T) {
	b := NewBus(nil)
	var order []string
	b.Subscribe("first", func(context.Context, cms.PublishEvent) { order = append(order, "first") })
	b.Subscribe("second", func(context.Context, cms.PublishEvent) { order = append(order, "second") })

	n := b.Publish(context.Background(), cms.PublishEvent{Source: "test"})
	if n != 2 {
		t.Fatalf("delivered = %d, want 2", n)
	}
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Fatalf("order = %v", order)
	}
}

func TestBus_PanicIsolated(t *testing.T) {
	b := NewBus(nil)
	var reached bool
	b.Subscribe("bad", func(context.Context, cms.PublishEvent) { panic("boom") })
	b.Subscribe("good", func(context.Context, cms.PublishEvent) { reached = true })

	n := b.Publish(context.Background(), cms.PublishEvent{})
	if !reached {
		t.Fatal("subscriber after a panicking one should still run")
	}
	if n != 1 {
		t.Fatalf("delivered = %d, want 1", n)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus(nil)
	var calls int
	unsub := b.Subscribe("x", func(context.Context, cms.PublishEvent) { calls++ })
	b.Subscribe("y", func(context.Context, cms.PublishEvent) {})

	unsub()
	unsub()
	if b.Len() != 1 {
		t.Fatalf("Len = %d after unsubscribe", b.Len())
	}
	b.Publish(context.Background(), cms.PublishEvent{})
	if calls != 0 {
		t.Fatal("unsubscribed handler was called")
	}
}

func TestBus_NoSubscribers(t *testing.T) {
	if n := NewBus(nil).Publish(context.Background(), cms.PublishEvent{}); n != 0 {
		t.Fatalf("delivered = %d", n)
	}
}
