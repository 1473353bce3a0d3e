package events

import (
	"sort"
	"sync"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// PresenceTracker keeps the status of each conversation participant from
// presence, participants and membership frames.
type PresenceTracker struct {
	mu     sync.RWMutex
	status map[string]string
}

func NewPresenceTracker() *PresenceTracker {
	return &PresenceTracker{status: make(map[string]string)}
}

// Attach subscribes the tracker on d and returns the subscriptions.
func (p *PresenceTracker) Attach(d *Dispatcher) []*Subscription {
	kinds := []protocol.FrameType{
		protocol.FramePresence,
		protocol.FrameParticipants,
		protocol.FrameUserJoined,
		protocol.FrameUserLeft,
	}
	subs := make([]*Subscription, 0, len(kinds))
	for _, kind := range kinds {
		subs = append(subs, d.On(kind, p.Handle))
	}
	return subs
}

// Handle applies one frame.
func (p *PresenceTracker) Handle(f *protocol.InboundFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch f.Type {
	case protocol.FramePresence:
		if f.Status == "" || f.Status == protocol.PresenceOffline {
			delete(p.status, f.User)
		} else {
			p.status[f.User] = f.Status
		}
	case protocol.FrameUserJoined:
		p.status[f.User] = protocol.PresenceOnline
	case protocol.FrameUserLeft:
		delete(p.status, f.User)
	case protocol.FrameParticipants:
		next := make(map[string]string, len(f.Participants))
		for _, user := range f.Participants {
			if s, ok := p.status[user]; ok {
				next[user] = s
			} else {
				next[user] = protocol.PresenceOnline
			}
		}
		p.status = next
	}
}

// Status returns the user's status, PresenceOffline if unknown.
func (p *PresenceTracker) Status(user string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.status[user]; ok {
		return s
	}
	return protocol.PresenceOffline
}

// Online returns every user not offline, sorted.
func (p *PresenceTracker) Online() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	users := make([]string, 0, len(p.status))
	for user := range p.status {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Reset forgets every participant.
func (p *PresenceTracker) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = make(map[string]string)
}
