package dispatch

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/hyperline/hyperline/internal/observability/log"
	"github.com/hyperline/hyperline/internal/protocol"
	"github.com/hyperline/hyperline/internal/session"
)

// Handler processes one decoded message for the connection it arrived on.
type Handler func(ctx context.Context, conn *session.Connection, msg protocol.Message) error

// Dispatcher routes decoded messages to the handler registered for their
// type tag. The registry is populated once at startup; an unrecognized tag
// goes to the fallback handler, which logs and drops.
//
// Each dispatch runs in its own goroutine, so a handler blocked on
// persistence never stalls other connections' traffic. The read loops
// schedule dispatches in wire order per connection; completion order is
// not guaranteed.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	fallback Handler
	logger   log.Log
	wg       sync.WaitGroup
}

func New(logger log.Log) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[string]Handler),
		logger:   logger.With(log.String("component", "dispatcher")),
	}
	d.fallback = func(_ context.Context, conn *session.Connection, msg protocol.Message) error {
		d.logger.Warn("No handler for message type",
			log.String("type", msg.Type()),
			log.String("conn", conn.ConnID()))
		return nil
	}
	return d
}

// Register installs a handler for one message type. Registering the same
// type twice is a programming error.
func (d *Dispatcher) Register(msgType string, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, exists := d.handlers[msgType]; exists {
		return errors.Errorf("handler for message type %q already registered", msgType)
	}
	d.handlers[msgType] = handler
	return nil
}

// SetFallback replaces the catch-all handler for unknown tags.
func (d *Dispatcher) SetFallback(handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = handler
}

// Dispatch hands msg to its handler as an independent unit of work.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *session.Connection, msg protocol.Message) {
	d.mu.RLock()
	handler, ok := d.handlers[msg.Type()]
	if !ok {
		handler = d.fallback
	}
	d.mu.RUnlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("Handler panic",
					log.String("type", msg.Type()),
					log.String("conn", conn.ConnID()),
					log.Any("panic", r))
			}
		}()

		if err := handler(ctx, conn, msg); err != nil {
			d.logger.Warn("Handler failed",
				log.String("type", msg.Type()),
				log.String("conn", conn.ConnID()),
				log.Error(err))
		}
	}()
}

// Wait blocks until all in-flight dispatches complete. Used on shutdown.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
