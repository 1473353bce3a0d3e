package client

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

const (
	DefaultReadDwell      = 1500 * time.Millisecond
	DefaultReadVisibility = 0.5
)

type pendingRead struct {
	timer *clock.Timer
	seq   uint64
}

// ReadTracker emits a read receipt once a message has been at least
// Visibility visible for Dwell while the view has focus. Each message is
// marked at most once per tracker.
type ReadTracker struct {
	dwell     time.Duration
	threshold float64
	clock     clock.Clock
	logger    *zap.Logger
	send      func(messageID string) error

	mu      sync.Mutex
	focused bool
	seq     uint64
	visible map[string]struct{}
	pending map[string]pendingRead
	marked  map[string]struct{}
}

// NewReadTracker creates a tracker that calls send when a message
// qualifies. A failed send leaves the message unmarked.
func NewReadTracker(dwell time.Duration, visibility float64, clk clock.Clock, logger *zap.Logger, send func(string) error) *ReadTracker {
	if dwell <= 0 {
		dwell = DefaultReadDwell
	}
	if visibility <= 0 || visibility > 1 {
		visibility = DefaultReadVisibility
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReadTracker{
		dwell:     dwell,
		threshold: visibility,
		clock:     clk,
		logger:    logger,
		send:      send,
		focused:   true,
		visible:   make(map[string]struct{}),
		pending:   make(map[string]pendingRead),
		marked:    make(map[string]struct{}),
	}
}

// Observe records the visible fraction of a message.
func (r *ReadTracker) Observe(messageID string, ratio float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, done := r.marked[messageID]; done {
		return
	}
	if ratio >= r.threshold {
		r.visible[messageID] = struct{}{}
		if r.focused {
			r.armLocked(messageID)
		}
		return
	}
	delete(r.visible, messageID)
	r.disarmLocked(messageID)
}

// SetFocus pauses dwell timing while the view is unfocused. Messages still
// visible start a fresh dwell when focus returns.
func (r *ReadTracker) SetFocus(focused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.focused == focused {
		return
	}
	r.focused = focused
	if !focused {
		for id := range r.pending {
			r.disarmLocked(id)
		}
		return
	}
	for id := range r.visible {
		r.armLocked(id)
	}
}

// Marked reports whether a receipt was sent for messageID.
func (r *ReadTracker) Marked(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.marked[messageID]
	return ok
}

// Reset forgets visibility and pending timers. Already marked messages
// stay marked.
func (r *ReadTracker) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.pending {
		r.disarmLocked(id)
	}
	r.visible = make(map[string]struct{})
}

func (r *ReadTracker) armLocked(id string) {
	if _, ok := r.pending[id]; ok {
		return
	}
	r.seq++
	seq := r.seq
	r.pending[id] = pendingRead{
		timer: r.clock.AfterFunc(r.dwell, func() { r.fire(id, seq) }),
		seq:   seq,
	}
}

func (r *ReadTracker) disarmLocked(id string) {
	if p, ok := r.pending[id]; ok {
		p.timer.Stop()
		delete(r.pending, id)
	}
}

func (r *ReadTracker) fire(id string, seq uint64) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if !ok || p.seq != seq {
		r.mu.Unlock()
		return
	}
	delete(r.pending, id)
	_, stillVisible := r.visible[id]
	if !stillVisible || !r.focused {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	if err := r.send(id); err != nil {
		r.logger.Debug("read receipt not sent", zap.String("message", id), zap.Error(err))
		return
	}

	r.mu.Lock()
	r.marked[id] = struct{}{}
	delete(r.visible, id)
	r.mu.Unlock()
}
