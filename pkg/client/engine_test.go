package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-sync/pkg/backend"
	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/envelope"
	"github.com/ZentaChain/zentalk-sync/pkg/identity"
	"github.com/ZentaChain/zentalk-sync/pkg/network"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// ===== FAKES =====

type fakeBackend struct {
	mu            sync.Mutex
	identities    []protocol.Identity
	conversations map[string][]protocol.Conversation
	messages      map[string][]protocol.Message
	posted        []protocol.Message
	deleted       []string
	profile       protocol.Profile
	nextID        int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[string][]protocol.Conversation),
		messages:      make(map[string][]protocol.Message),
		profile:       protocol.Profile{UserID: "u", DisplayName: "u"},
	}
}

func (f *fakeBackend) ListIdentities(ctx context.Context) ([]protocol.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Identity(nil), f.identities...), nil
}

func (f *fakeBackend) RegisterIdentity(ctx context.Context, id *protocol.Identity) (*protocol.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	created := *id
	created.ID = fmt.Sprintf("id-%d", f.nextID)
	created.AccountID = "acct"
	f.identities = append(f.identities, created)
	return &created, nil
}

func (f *fakeBackend) DeleteIdentity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, known := range f.identities {
		if known.ID == id {
			f.identities = append(f.identities[:i], f.identities[i+1:]...)
			return nil
		}
	}
	return backend.ErrNotFound
}

func (f *fakeBackend) FetchConversations(ctx context.Context, identity string) ([]protocol.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Conversation(nil), f.conversations[identity]...), nil
}

func (f *fakeBackend) FetchMessages(ctx context.Context, identity, conversation string) ([]protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Message(nil), f.messages[conversation]...), nil
}

func (f *fakeBackend) Profile(ctx context.Context) (*protocol.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.profile
	return &p, nil
}

func (f *fakeBackend) UpdateProfile(ctx context.Context, displayName string) (*protocol.Profile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profile.DisplayName = displayName
	p := f.profile
	return &p, nil
}

func (f *fakeBackend) CreateConversation(ctx context.Context, identity string, req backend.CreateConversationRequest) (*protocol.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv := protocol.Conversation{ID: "conv-new", Participants: req.Participants}
	f.conversations[identity] = append(f.conversations[identity], conv)
	return &conv, nil
}

func (f *fakeBackend) CreateMessage(ctx context.Context, identity string, msg *protocol.Message) (*protocol.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	created := *msg
	created.ID = fmt.Sprintf("m-%d", len(f.posted)+1)
	f.posted = append(f.posted, created)
	return &created, nil
}

func (f *fakeBackend) DeleteMessage(ctx context.Context, identity, conversation, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, messageID)
	return nil
}

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once
}

func (f *fakeTransport) WriteMessage(data []byte) error { return nil }

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("closed")
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

type fakeDialer struct {
	mu   sync.Mutex
	last *fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (network.Transport, error) {
	t := &fakeTransport{inbound: make(chan []byte, 8), closed: make(chan struct{})}
	d.mu.Lock()
	d.last = t
	d.mu.Unlock()
	return t, nil
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func testToken(t *testing.T, clk clock.Clock) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": clk.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

type engineFixture struct {
	engine  *Engine
	backend *fakeBackend
	creds   *network.CredentialStore
	dialer  *fakeDialer
	clock   *clock.Mock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Now())

	fb := newFakeBackend()
	dialer := &fakeDialer{}
	creds := network.NewCredentialStore(func(ctx context.Context) (string, error) {
		return testToken(t, clk), nil
	}, clk)

	e, err := NewEngine(Options{
		Backend:     fb,
		Credentials: creds,
		Dialer:      dialer,
		BaseURL:     "http://backend.test",
		AccountID:   "acct",
		Clock:       clk,
		Logger:      zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return &engineFixture{engine: e, backend: fb, creds: creds, dialer: dialer, clock: clk}
}

// identity creates, registers and activates a fresh identity.
func (fx *engineFixture) identity(t *testing.T, label string) (*protocol.Identity, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	created, err := fx.engine.CreateIdentity(context.Background(), kp, label)
	require.NoError(t, err)
	require.NoError(t, fx.engine.SelectIdentity(context.Background(), created.ID))
	return created, kp
}

// ===== TESTS =====

func TestNewEngineRequiresCollaborators(t *testing.T) {
	_, err := NewEngine(Options{})
	require.Error(t, err)

	_, err = NewEngine(Options{Backend: newFakeBackend()})
	require.ErrorIs(t, err, network.ErrNoSource)
}

func TestOperationsRequireActiveIdentity(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	_, err := fx.engine.Conversations(ctx, false)
	assert.ErrorIs(t, err, ErrNoActiveIdentity)
	_, err = fx.engine.Messages(ctx, "c1", false)
	assert.ErrorIs(t, err, ErrNoActiveIdentity)
	assert.ErrorIs(t, fx.engine.OpenConversation(ctx, "c1"), ErrNoActiveIdentity)
	_, err = fx.engine.SendMessage(ctx, "hi", nil)
	assert.ErrorIs(t, err, ErrNoConversation)
	assert.ErrorIs(t, fx.engine.SetTyping(true), ErrNoConversation)
}

func TestSelectUnknownIdentity(t *testing.T) {
	fx := newEngineFixture(t)
	err := fx.engine.SelectIdentity(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownIdentity)
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestCreateAndSelectIdentity(t *testing.T) {
	fx := newEngineFixture(t)
	created, kp := fx.identity(t, "work")

	active, ok := fx.engine.ActiveIdentity()
	require.True(t, ok)
	assert.Equal(t, created.ID, active.ID)
	assert.Equal(t, kp.Public, active.Fingerprint)

	ids, err := fx.engine.Identities(context.Background(), true)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	require.NoError(t, fx.engine.DeleteIdentity(context.Background(), created.ID))
	_, ok = fx.engine.ActiveIdentity()
	assert.False(t, ok)
}

func TestPostAndDecryptRoundTrip(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	me, _ := fx.identity(t, "me")

	peer, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	fx.backend.conversations[me.ID] = []protocol.Conversation{
		{ID: "c1", Participants: []protocol.Fingerprint{me.Fingerprint, peer.Public}},
	}

	msg, err := fx.engine.PostMessage(ctx, "c1", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, me.Fingerprint, msg.Sender)

	// Recipients defaulted to the other participant; the sender can read
	// its own message too.
	codec := envelope.NewCodec(nil, nil)
	_, plain, err := codec.Open(msg.Body, peer)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(plain))

	out, err := fx.engine.DecryptMessages(ctx, []protocol.Message{*msg, {ID: "junk", Body: "not an envelope"}})
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "hello", out[0].Text)
	assert.NoError(t, out[0].Err)
	assert.Equal(t, UndecryptablePlaceholder, out[1].Text)
	assert.Error(t, out[1].Err)
}

func TestPostMessageToUnknownConversation(t *testing.T) {
	fx := newEngineFixture(t)
	fx.identity(t, "me")

	_, err := fx.engine.PostMessage(context.Background(), "missing", "hello", nil)
	assert.ErrorIs(t, err, backend.ErrNotFound)
}

func TestDecryptPromptsForLockedKey(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	// Registered elsewhere: the key never entered this engine's key ring.
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	created, err := fx.backend.RegisterIdentity(ctx, &protocol.Identity{Fingerprint: kp.Public, Label: "remote"})
	require.NoError(t, err)
	require.NoError(t, fx.engine.SelectIdentity(ctx, created.ID))

	done := make(chan error, 1)
	go func() {
		_, err := fx.engine.DecryptMessages(ctx, []protocol.Message{{ID: "m1", Body: "x"}})
		done <- err
	}()

	var req *identity.UnlockRequest
	select {
	case req = <-fx.engine.Unlocks():
	case <-time.After(time.Second):
		t.Fatal("no unlock prompt")
	}
	assert.Equal(t, created.ID, req.IdentityID)

	// Without a keystore no passphrase can succeed.
	assert.ErrorIs(t, req.Resolve(ctx, "guess"), crypto.ErrKeyNotFound)
	req.Reject(nil)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, identity.ErrUnlockRejected)
	case <-time.After(time.Second):
		t.Fatal("decrypt did not return")
	}
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	me, _ := fx.identity(t, "me")

	other := protocol.Fingerprint{9}
	fx.backend.messages["c1"] = []protocol.Message{
		{ID: "theirs", ConversationID: "c1", Sender: other, Body: "x"},
		{ID: "mine", ConversationID: "c1", Sender: me.Fingerprint, Body: "y"},
	}
	_, err := fx.engine.Messages(ctx, "c1", false)
	require.NoError(t, err)

	err = fx.engine.DeleteMessage(ctx, "c1", "theirs")
	assert.ErrorIs(t, err, ErrNotSender)

	require.NoError(t, fx.engine.DeleteMessage(ctx, "c1", "mine"))
	assert.Equal(t, []string{"mine"}, fx.backend.deleted)
}

func TestStartConversationRespectsRecipientCap(t *testing.T) {
	fx := newEngineFixture(t)
	fx.identity(t, "me")

	tooMany := make([]protocol.Fingerprint, envelope.MaxRecipients+1)
	_, err := fx.engine.StartConversation(context.Background(), tooMany)
	assert.ErrorIs(t, err, envelope.ErrTooManyRecipients)

	conv, err := fx.engine.StartConversation(context.Background(), []protocol.Fingerprint{{7}})
	require.NoError(t, err)

	convs, err := fx.engine.Conversations(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, conv.ID, convs[0].ID)
}

func TestInboundFramesMarkConversationDirty(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	me, _ := fx.identity(t, "me")

	fx.backend.messages["c1"] = []protocol.Message{{ID: "m1", ConversationID: "c1", Sender: me.Fingerprint, Body: "x"}}
	msgs, err := fx.engine.Messages(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	require.NoError(t, fx.engine.OpenConversation(ctx, "c1"))
	require.Eventually(t, func() bool {
		return fx.engine.State() == network.StateOpen
	}, time.Second, 5*time.Millisecond)

	received := make(chan *protocol.InboundFrame, 1)
	fx.engine.On(protocol.FrameMessage, func(f *protocol.InboundFrame) { received <- f })

	incoming := &protocol.Message{ID: "m2", ConversationID: "c1", Sender: protocol.Fingerprint{2}, Body: "y"}
	fx.backend.mu.Lock()
	fx.backend.messages["c1"] = append(fx.backend.messages["c1"], *incoming)
	fx.backend.mu.Unlock()

	frame, err := protocol.MessageEvent(incoming)
	require.NoError(t, err)
	raw, err := frame.Encode()
	require.NoError(t, err)
	fx.dialer.transport().inbound <- raw

	select {
	case <-received:
	case <-time.After(time.Second):
		t.Fatal("message frame not dispatched")
	}

	// Still inside the message TTL, but the inbound frame forces a refetch.
	msgs, err = fx.engine.Messages(ctx, "c1", false)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestIdentitySwitchClosesConversation(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()
	fx.identity(t, "first")

	require.NoError(t, fx.engine.OpenConversation(ctx, "c1"))
	_, open := fx.engine.ConversationID()
	require.True(t, open)

	fx.identity(t, "second")
	_, open = fx.engine.ConversationID()
	assert.False(t, open)
	assert.Equal(t, network.StateDisconnected, fx.engine.State())
}

func TestSelectAccountRevokesCredential(t *testing.T) {
	fx := newEngineFixture(t)

	var events []network.CredentialEvent
	fx.creds.Subscribe(func(ev network.CredentialEvent, _ network.Credential) {
		events = append(events, ev)
	})

	require.NoError(t, fx.engine.SelectAccount(context.Background(), "acct"))
	assert.Empty(t, events)

	require.NoError(t, fx.engine.SelectAccount(context.Background(), "other"))
	assert.Equal(t, []network.CredentialEvent{network.CredentialRevoked}, events)
	assert.Equal(t, "other", fx.engine.CurrentAccount())
}

func TestProfile(t *testing.T) {
	fx := newEngineFixture(t)
	ctx := context.Background()

	p, err := fx.engine.RefreshProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "u", p.DisplayName)

	_, err = fx.engine.UpdateProfile(ctx, "Ada")
	require.NoError(t, err)
	p, err = fx.engine.ReloadProfile(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Ada", p.DisplayName)
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newEngineFixture(t)
	require.NoError(t, fx.engine.Close())
	require.NoError(t, fx.engine.Close())
	assert.ErrorIs(t, fx.engine.OpenConversation(context.Background(), "c1"), ErrNoActiveIdentity)
}
