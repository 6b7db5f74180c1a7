// Package events fans publish events out to in-process subscribers.
package events

import (
	"context"
	"sync"

	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/cms"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/log"
	"github.com/keithlinneman/linnemanlabs-sitestyle/internal/xerrors"
)

// Handler receives one publish event. It runs on the publisher's goroutine.
type Handler func(ctx context.Context, ev cms.PublishEvent)

type subscription struct {
	id   uint64
	name string
	h    Handler
}

// Bus delivers events synchronously, in subscription order. A panicking
// subscriber is logged and does not stop delivery to the others.
type Bus struct {
	logger log.Logger

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

func NewBus(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.Nop()
	}
	return &Bus{logger: logger}
}

// Subscribe registers h under name and returns a function that removes it.
func (b *Bus) Subscribe(name string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, h: h})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Publish delivers ev to every subscriber and returns how many completed
// without panicking.
func (b *Bus) Publish(ctx context.Context, ev cms.PublishEvent) int {
	b.mu.RLock()
	subs := append([]subscription(nil), b.subs...)
	b.mu.RUnlock()

	if len(subs) == 0 {
		b.logger.Warn(ctx, "publish event dropped, no subscribers", "entities", len(ev.Entities))
		return 0
	}

	delivered := 0
	for _, s := range subs {
		if b.deliver(ctx, s, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) deliver(ctx context.Context, s subscription, ev cms.PublishEvent) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, xerrors.FromPanic(r), "publish subscriber panicked, continuing",
				"subscriber", s.name,
				"source", ev.Source,
			)
			ok = false
		}
	}()
	s.h(ctx, ev)
	return true
}

// Len returns the number of subscribers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
