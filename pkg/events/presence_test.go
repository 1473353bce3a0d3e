package events

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

func TestPresenceTracker(t *testing.T) {
	d := NewDispatcher(nil)
	p := NewPresenceTracker()
	p.Attach(d)

	d.Dispatch(protocol.ParticipantsEvent([]string{"alice", "bob"}))
	assert.Equal(t, []string{"alice", "bob"}, p.Online())

	d.Dispatch(protocol.PresenceEvent("bob", protocol.PresenceAway))
	assert.Equal(t, protocol.PresenceAway, p.Status("bob"))

	d.Dispatch(protocol.MembershipEvent(protocol.FrameUserJoined, "carol"))
	d.Dispatch(protocol.MembershipEvent(protocol.FrameUserLeft, "alice"))
	assert.Equal(t, []string{"bob", "carol"}, p.Online())
	assert.Equal(t, protocol.PresenceOffline, p.Status("alice"))

	// A new participant list keeps known statuses.
	d.Dispatch(protocol.ParticipantsEvent([]string{"bob"}))
	assert.Equal(t, []string{"bob"}, p.Online())
	assert.Equal(t, protocol.PresenceAway, p.Status("bob"))

	d.Dispatch(protocol.PresenceEvent("bob", protocol.PresenceOffline))
	assert.Empty(t, p.Online())

	p.Reset()
	assert.Empty(t, p.Online())
}
