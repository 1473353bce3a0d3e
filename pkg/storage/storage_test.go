package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

func newTestDB(t *testing.T) *MessageDB {
	t.Helper()
	db, err := NewMessageDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func fingerprint(b byte) protocol.Fingerprint {
	var fp protocol.Fingerprint
	fp[0] = b
	fp[31] = 0x42
	return fp
}

func TestIdentityLimit(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < protocol.MaxIdentities; i++ {
		require.NoError(t, db.SaveIdentity(&protocol.Identity{
			ID:          fmt.Sprintf("id-%d", i),
			AccountID:   "acct",
			Fingerprint: fingerprint(byte(i + 1)),
			CreatedAt:   int64(i),
		}))
	}

	err := db.SaveIdentity(&protocol.Identity{ID: "id-x", AccountID: "acct", Fingerprint: fingerprint(99)})
	assert.ErrorIs(t, err, ErrIdentityLimit)

	// Other accounts are unaffected.
	require.NoError(t, db.SaveIdentity(&protocol.Identity{ID: "other", AccountID: "acct-2", Fingerprint: fingerprint(100)}))

	ids, err := db.GetIdentities("acct")
	require.NoError(t, err)
	require.Len(t, ids, protocol.MaxIdentities)
	assert.Equal(t, "id-0", ids[0].ID)
	assert.Equal(t, fingerprint(1), ids[0].Fingerprint)
}

func TestIdentityDuplicateAndDelete(t *testing.T) {
	db := newTestDB(t)
	id := &protocol.Identity{ID: "id-1", AccountID: "acct", Fingerprint: fingerprint(1), Label: "main"}
	require.NoError(t, db.SaveIdentity(id))

	dup := *id
	dup.ID = "id-2"
	assert.ErrorIs(t, db.SaveIdentity(&dup), ErrIdentityExists)

	got, err := db.GetIdentity("id-1")
	require.NoError(t, err)
	assert.Equal(t, "main", got.Label)

	assert.ErrorIs(t, db.DeleteIdentity("acct-2", "id-1"), ErrNotFound)
	require.NoError(t, db.DeleteIdentity("acct", "id-1"))
	_, err = db.GetIdentity("id-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationsAndMessages(t *testing.T) {
	db := newTestDB(t)
	alice, bob, carol := fingerprint(1), fingerprint(2), fingerprint(3)

	require.NoError(t, db.CreateConversation("conv1", []protocol.Fingerprint{alice, bob}, 10))
	require.NoError(t, db.CreateConversation("conv2", []protocol.Fingerprint{bob, carol}, 20))
	assert.ErrorIs(t, db.CreateConversation("conv1", nil, 30), ErrConversationExists)

	require.NoError(t, db.SaveMessage(&protocol.Message{ID: "m1", ConversationID: "conv1", Sender: alice, Body: "ZTK:a", Timestamp: 100}))
	require.NoError(t, db.SaveMessage(&protocol.Message{ID: "m2", ConversationID: "conv1", Sender: bob, Body: "ZTK:b", Timestamp: 200}))
	require.NoError(t, db.SaveMessage(&protocol.Message{ID: "m3", ConversationID: "conv1", Sender: bob, Body: "ZTK:c", Timestamp: 300, ExpiresAt: 400}))

	convs, err := db.GetConversations(alice)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "conv1", convs[0].ID)
	assert.Equal(t, 2, convs[0].UnreadCount)
	require.NotNil(t, convs[0].Latest)
	assert.Equal(t, "m3", convs[0].Latest.ID)
	assert.True(t, convs[0].HasParticipant(bob))

	require.NoError(t, db.MarkRead("m2", alice))
	require.NoError(t, db.MarkRead("m2", alice))
	convs, err = db.GetConversations(alice)
	require.NoError(t, err)
	assert.Equal(t, 1, convs[0].UnreadCount)

	msgs, err := db.GetConversationMessages("conv1", 350, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, []protocol.Fingerprint{alice}, msgs[1].ReadBy)

	msgs, err = db.GetConversationMessages("conv1", 400, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	n, err := db.PurgeExpired(400)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	ok, err := db.IsParticipant("conv2", alice)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	db := newTestDB(t)
	alice, bob := fingerprint(1), fingerprint(2)
	require.NoError(t, db.CreateConversation("conv1", []protocol.Fingerprint{alice, bob}, 0))
	require.NoError(t, db.SaveMessage(&protocol.Message{ID: "m1", ConversationID: "conv1", Sender: alice, Body: "ZTK:a", Timestamp: 1}))

	_, err := db.DeleteMessage("m1", bob)
	assert.ErrorIs(t, err, ErrForbidden)

	deleted, err := db.DeleteMessage("m1", alice)
	require.NoError(t, err)
	assert.Equal(t, "conv1", deleted.ConversationID)

	_, err = db.DeleteMessage("m1", alice)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestProfiles(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetProfile("alice")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.SaveProfile(&protocol.Profile{UserID: "alice", AccountID: "acct", DisplayName: "Alice", UpdatedAt: 1}))
	require.NoError(t, db.SaveProfile(&protocol.Profile{UserID: "alice", AccountID: "acct", DisplayName: "Alice B", UpdatedAt: 2}))

	p, err := db.GetProfile("alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice B", p.DisplayName)
}
