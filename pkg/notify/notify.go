// Package notify fans normalized batches out to in-process observers such
// as the websocket hub.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nicktill/tagstream/pkg/envelope"
	"github.com/nicktill/tagstream/pkg/logging"
)

// Observer receives every batch the pipeline processes.
type Observer interface {
	Observe(ctx context.Context, batch envelope.Batch) error
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func(ctx context.Context, batch envelope.Batch) error

func (f ObserverFunc) Observe(ctx context.Context, batch envelope.Batch) error {
	return f(ctx, batch)
}

type subscription struct {
	id       uint64
	observer Observer
}

// Notifier delivers batches synchronously, in registration order. A failing
// or panicking observer is logged and skipped; the others still run.
type Notifier struct {
	logger  *slog.Logger
	onError func(error)

	mu     sync.RWMutex
	nextID uint64
	subs   []subscription
}

// New returns a notifier. onError, when not nil, is called once per
// observer failure (the server counts them).
func New(logger *slog.Logger, onError func(error)) *Notifier {
	return &Notifier{logger: logging.OrDiscard(logger), onError: onError}
}

// Subscribe registers o and returns a function removing it again. Calling
// the returned function more than once is harmless.
func (n *Notifier) Subscribe(o Observer) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, observer: o})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i, s := range n.subs {
		if s.id == id {
			subs := make([]subscription, 0, len(n.subs)-1)
			subs = append(subs, n.subs[:i]...)
			n.subs = append(subs, n.subs[i+1:]...)
			return
		}
	}
}

// Len reports the number of registered observers.
func (n *Notifier) Len() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs)
}

// Publish hands batch to every observer. It never returns an error.
func (n *Notifier) Publish(ctx context.Context, batch envelope.Batch) {
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()

	for _, s := range subs {
		if err := n.deliver(ctx, s.observer, batch); err != nil {
			n.logger.Warn("observer failed",
				"observer", s.id,
				"device", batch.DeviceRef,
				"batch", batch.ID,
				"error", err)
			if n.onError != nil {
				n.onError(err)
			}
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, o Observer, batch envelope.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("observer panic: %v", r)
		}
	}()
	return o.Observe(ctx, batch)
}
