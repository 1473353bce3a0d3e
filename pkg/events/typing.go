package events

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	DefaultTypingTimeout = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// TypingOptions configures a TypingTracker. Zero values select the
// defaults.
type TypingOptions struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
}

// TypingTracker aggregates typing frames into the set of users currently
// typing. Entries without a matching stop frame expire after Timeout. The
// local identity never appears in the set.
type TypingTracker struct {
	clock    clock.Clock
	timeout  time.Duration
	interval time.Duration

	mu       sync.Mutex
	self     string
	started  map[string]time.Time
	onChange func(users []string)
	stop     chan struct{}
}

func NewTypingTracker(opts TypingOptions) *TypingTracker {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTypingTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &TypingTracker{
		clock:    opts.Clock,
		timeout:  opts.Timeout,
		interval: opts.SweepInterval,
		started:  make(map[string]time.Time),
	}
}

// SetSelf sets the local identity excluded from the view.
func (t *TypingTracker) SetSelf(user string) {
	t.mu.Lock()
	t.self = user
	_, had := t.started[user]
	delete(t.started, user)
	t.mu.Unlock()
	if had {
		t.changed()
	}
}

// OnChange registers fn to receive the view whenever it changes.
func (t *TypingTracker) OnChange(fn func(users []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// Attach subscribes the tracker to typing frames on d.
func (t *TypingTracker) Attach(d *Dispatcher) *Subscription {
	return d.On(protocol.FrameTyping, t.Handle)
}

// Handle applies one typing frame.
func (t *TypingTracker) Handle(f *protocol.InboundFrame) {
	if f.Type != protocol.FrameTyping || f.User == "" {
		return
	}

	t.mu.Lock()
	if f.User == t.self {
		t.mu.Unlock()
		return
	}
	_, had := t.started[f.User]
	if f.Typing {
		t.started[f.User] = t.clock.Now()
	} else {
		delete(t.started, f.User)
	}
	t.mu.Unlock()

	if had != f.Typing {
		t.changed()
	}
}

// Sweep drops entries older than the timeout.
func (t *TypingTracker) Sweep() {
	now := t.clock.Now()
	removed := false

	t.mu.Lock()
	for user, at := range t.started {
		if now.Sub(at) > t.timeout {
			delete(t.started, user)
			removed = true
		}
	}
	t.mu.Unlock()

	if removed {
		t.changed()
	}
}

// Start runs Sweep every sweep interval until Stop.
func (t *TypingTracker) Start() {
	t.mu.Lock()
	if t.stop != nil {
		t.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	t.stop = stop
	ticker := t.clock.Ticker(t.interval)
	t.mu.Unlock()

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and empties the view.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	if t.stop != nil {
		close(t.stop)
		t.stop = nil
	}
	t.started = make(map[string]time.Time)
	t.mu.Unlock()
}

// Typing returns the users currently typing, sorted.
func (t *TypingTracker) Typing() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *TypingTracker) snapshotLocked() []string {
	users := make([]string, 0, len(t.started))
	for user := range t.started {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

func (t *TypingTracker) changed() {
	t.mu.Lock()
	fn := t.onChange
	users := t.snapshotLocked()
	t.mu.Unlock()
	if fn != nil {
		fn(users)
	}
}
