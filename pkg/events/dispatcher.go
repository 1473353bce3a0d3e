// Package events fans inbound frames out to application listeners and
// derives the typing and presence views from them.
package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// Listener receives one inbound frame. It runs on the dispatching
// goroutine and must not block.
type Listener func(*protocol.InboundFrame)

// Subscription is the handle returned by On.
type Subscription struct {
	d    *Dispatcher
	kind protocol.FrameType
	id   uint64
	fn   Listener
}

// Unsubscribe removes the listener. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.d == nil {
		return
	}
	s.d.Off(s.kind, s)
}

// Dispatcher is a typed publish/subscribe bus keyed by frame type.
// Listeners of a kind are called synchronously in registration order.
// Frames are not buffered: a listener only sees frames dispatched after it
// subscribed.
type Dispatcher struct {
	logger *zap.Logger

	mu        sync.RWMutex
	listeners map[protocol.FrameType][]*Subscription
	nextID    uint64
}

func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:    logger.Named("events"),
		listeners: make(map[protocol.FrameType][]*Subscription),
	}
}

// On registers fn for kind.
func (d *Dispatcher) On(kind protocol.FrameType, fn Listener) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub := &Subscription{d: d, kind: kind, id: d.nextID, fn: fn}
	d.listeners[kind] = append(d.listeners[kind], sub)
	return sub
}

// Off removes sub from kind. A nil sub removes every listener of kind.
func (d *Dispatcher) Off(kind protocol.FrameType, sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sub == nil {
		delete(d.listeners, kind)
		return
	}

	subs := d.listeners[kind]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		kept := make([]*Subscription, 0, len(subs)-1)
		kept = append(kept, subs[:i]...)
		kept = append(kept, subs[i+1:]...)
		if len(kept) == 0 {
			delete(d.listeners, kind)
		} else {
			d.listeners[kind] = kept
		}
		return
	}
}

// Count returns the number of listeners registered for kind.
func (d *Dispatcher) Count(kind protocol.FrameType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.listeners[kind])
}

// Dispatch delivers f to the listeners of its kind. Unknown kinds are
// ignored.
func (d *Dispatcher) Dispatch(f *protocol.InboundFrame) {
	if !f.Type.IsInbound() {
		d.logger.Debug("ignoring frame of unknown type", zap.String("type", string(f.Type)))
		return
	}

	d.mu.RLock()
	subs := d.listeners[f.Type]
	d.mu.RUnlock()

	// subs is never mutated in place, so listeners may unsubscribe freely.
	for _, s := range subs {
		s.fn(f)
	}
}

// HandleRaw parses one frame off the wire and dispatches it. Malformed
// frames are logged and dropped.
func (d *Dispatcher) HandleRaw(raw []byte) {
	f, err := protocol.ParseInbound(raw)
	if err != nil {
		d.logger.Warn("dropping malformed frame", zap.Error(err), zap.Int("size", len(raw)))
		return
	}
	d.Dispatch(f)
}
