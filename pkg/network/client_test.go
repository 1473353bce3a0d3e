package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/envelope"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

var errDropped = errors.New("connection reset by peer")

type fakeTransport struct {
	inbound chan []byte
	closed  chan struct{}
	once    sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-f.closed:
		return errDropped
	default:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errDropped
	}
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeTransport) frameTypes() []protocol.FrameType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []protocol.FrameType
	for _, w := range f.writes {
		var frame protocol.OutboundFrame
		if err := json.Unmarshal(w, &frame); err == nil {
			types = append(types, frame.Type)
		}
	}
	return types
}

type fakeDialer struct {
	mu         sync.Mutex
	urls       []string
	transports []*fakeTransport
	err        error
}

func (d *fakeDialer) Dial(ctx context.Context, rawURL string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, rawURL)
	if d.err != nil {
		return nil, d.err
	}
	t := newFakeTransport()
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func makeToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

type harness struct {
	m      *Manager
	dialer *fakeDialer
	store  *CredentialStore
	clock  *clock.Mock
	frames chan []byte
}

func newHarness(t *testing.T, withToken bool) *harness {
	t.Helper()
	h := &harness{
		dialer: &fakeDialer{},
		clock:  clock.NewMock(),
		frames: make(chan []byte, 16),
	}
	h.store = NewCredentialStore(nil, h.clock)
	if withToken {
		require.NoError(t, h.store.Set(makeToken(t, "alice", h.clock.Now().Add(time.Hour))))
	}

	m, err := NewManager(Session{
		BaseURL:        "http://localhost:8080",
		ConversationID: "conv1",
		AccountID:      "acct",
		UserID:         "alice",
		APIKey:         "key",
	}, Options{
		Dialer:      h.dialer,
		Credentials: h.store,
		Clock:       h.clock,
		Logger:      zaptest.NewLogger(t),
		OnFrame:     func(raw []byte) { h.frames <- raw },
	})
	require.NoError(t, err)
	h.m = m
	t.Cleanup(func() { _ = m.Disconnect() })
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return h.m.State() == want }, time.Second, time.Millisecond,
		"state never became %s (is %s)", want, h.m.State())
}

func TestNewManagerRequiresCollaborators(t *testing.T) {
	_, err := NewManager(Session{}, Options{Credentials: NewCredentialStore(nil, nil)})
	assert.ErrorIs(t, err, ErrNoDialer)
	_, err = NewManager(Session{}, Options{Dialer: &fakeDialer{}})
	assert.ErrorIs(t, err, ErrNoSource)
}

func TestConnectOpensOnceAndIsIdempotent(t *testing.T) {
	h := newHarness(t, true)

	var changes []string
	h.m.OnStateChange(func(from, to State) {
		changes = append(changes, fmt.Sprintf("%s->%s", from, to))
	})

	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateOpen, h.m.State())
	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, []string{"disconnected->connecting", "connecting->open"}, changes)

	u, err := url.Parse(h.dialer.urls[0])
	require.NoError(t, err)
	assert.Equal(t, "ws", u.Scheme)
	assert.Equal(t, "/ws/conv1", u.Path)
	assert.Equal(t, "acct", u.Query().Get("account_id"))
	assert.Equal(t, "alice", u.Query().Get("user_id"))
	assert.Equal(t, "key", u.Query().Get("x_api_key"))
	assert.NotEmpty(t, u.Query().Get("auth_token"))
}

func TestConnectWithoutCredentialAborts(t *testing.T) {
	h := newHarness(t, false)

	err := h.m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
	assert.ErrorIs(t, err, protocol.ErrAuth)
	assert.Equal(t, StateDisconnected, h.m.State())

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, h.dialer.dials())
}

func TestInboundFramesReachHandler(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	h.dialer.last().inbound <- []byte(`{"type":"connected"}`)
	select {
	case raw := <-h.frames:
		assert.JSONEq(t, `{"type":"connected"}`, string(raw))
	case <-time.After(time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestTransportDropSchedulesOneReconnect(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	first := h.dialer.last()
	h.m.mu.Lock()
	epoch := h.m.epoch
	h.m.mu.Unlock()

	_ = first.Close()
	h.waitState(t, StateReconnectPending)

	// Repeated close events for the same transport do not stack timers.
	h.m.handleClose(epoch, errDropped)
	h.m.handleClose(epoch, errDropped)

	h.clock.Add(2999 * time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())

	h.clock.Add(time.Millisecond)
	h.waitState(t, StateOpen)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, h.dialer.dials())
}

func TestTimerAttemptAfterConnectKeepsTransport(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	_ = h.dialer.last().Close()
	h.waitState(t, StateReconnectPending)

	// Connect wins the race with a timer that has already fired.
	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateOpen, h.m.State())
	fresh := h.dialer.last()

	require.NoError(t, h.m.attempt(context.Background(), true))
	assert.Equal(t, StateOpen, h.m.State())
	assert.Equal(t, 2, h.dialer.dials())
	assert.False(t, fresh.isClosed())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	_ = h.dialer.last().Close()
	h.waitState(t, StateReconnectPending)

	h.clock.Add(time.Second)
	require.NoError(t, h.m.Disconnect())
	assert.Equal(t, StateClosed, h.m.State())

	h.clock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
	assert.Equal(t, StateClosed, h.m.State())
}

func TestDialFailureRetries(t *testing.T) {
	h := newHarness(t, true)
	h.dialer.mu.Lock()
	h.dialer.err = fmt.Errorf("%w: dial tcp: connection refused", protocol.ErrConnection)
	h.dialer.mu.Unlock()

	require.NoError(t, h.m.Connect(context.Background()))
	assert.Equal(t, StateReconnectPending, h.m.State())

	h.dialer.mu.Lock()
	h.dialer.err = nil
	h.dialer.mu.Unlock()

	h.clock.Add(DefaultReconnectDelay)
	h.waitState(t, StateOpen)
	assert.Equal(t, 2, h.dialer.dials())
}

func TestHandshakeRejectedDoesNotRetry(t *testing.T) {
	h := newHarness(t, true)
	h.dialer.err = fmt.Errorf("%w: handshake rejected: 401 Unauthorized", protocol.ErrAuth)

	err := h.m.Connect(context.Background())
	assert.ErrorIs(t, err, protocol.ErrAuth)
	assert.Equal(t, StateDisconnected, h.m.State())

	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, h.dialer.dials())
}

func TestKeepaliveStopsOnDisconnect(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))
	tr := h.dialer.last()

	h.clock.Add(DefaultKeepaliveInterval)
	require.Eventually(t, func() bool { return len(tr.frameTypes()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []protocol.FrameType{protocol.FramePing}, tr.frameTypes())

	require.NoError(t, h.m.Disconnect())
	assert.True(t, tr.isClosed())
	h.clock.Add(3 * DefaultKeepaliveInterval)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, tr.frameTypes(), 1)
}

func TestSendWhileNotOpenIsDropped(t *testing.T) {
	h := newHarness(t, true)
	err := h.m.SendTyping(true)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, err, protocol.ErrConnection)

	require.NoError(t, h.m.Connect(context.Background()))
	require.NoError(t, h.m.SendTyping(true))
	require.NoError(t, h.m.MarkRead("m1"))
	require.NoError(t, h.m.DeleteMessage("m1", ""))
	assert.Equal(t, []protocol.FrameType{protocol.FrameTyping, protocol.FrameMarkRead, protocol.FrameDeleteMessage},
		h.dialer.last().frameTypes())
}

func TestSendMessageEncodesEnvelope(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	alice, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	bob, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	msg, err := h.m.SendMessage([]byte("hi"), []protocol.Fingerprint{bob.Public}, alice.Public)
	require.NoError(t, err)
	assert.Equal(t, "conv1", msg.ConversationID)
	assert.True(t, envelope.IsCandidate(msg.Body))

	_, plaintext, err := envelope.NewCodec(nil, nil).Open(msg.Body, bob)
	require.NoError(t, err)
	assert.Equal(t, "hi", string(plaintext))
	assert.Equal(t, []protocol.FrameType{protocol.FrameChatMessage}, h.dialer.last().frameTypes())
}

func TestCredentialRenewalReconnectsOnlyOnChange(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))
	first := h.dialer.last()

	cur, err := h.store.Credential(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.store.Set(cur.Token))
	assert.Equal(t, 1, h.dialer.dials())

	require.NoError(t, h.store.Set(makeToken(t, "alice-renewed", h.clock.Now().Add(2*time.Hour))))
	assert.Equal(t, 2, h.dialer.dials())
	assert.True(t, first.isClosed())
	assert.Equal(t, StateOpen, h.m.State())

	h.store.Revoke()
	assert.Equal(t, StateClosed, h.m.State())
	assert.True(t, h.dialer.last().isClosed())
}

func TestConnectWithExpiredCredentialKeepsState(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	h.clock.Add(2 * time.Hour)
	err := h.m.Connect(context.Background())
	assert.ErrorIs(t, err, ErrCredentialExpired)
	assert.Equal(t, StateOpen, h.m.State())
	assert.Equal(t, 1, h.dialer.dials())
}

func TestReconnectWithoutCredentialGoesDisconnected(t *testing.T) {
	h := newHarness(t, true)
	require.NoError(t, h.m.Connect(context.Background()))

	_ = h.dialer.last().Close()
	h.waitState(t, StateReconnectPending)

	h.store.mu.Lock()
	h.store.current = Credential{}
	h.store.mu.Unlock()

	h.clock.Add(DefaultReconnectDelay)
	h.waitState(t, StateDisconnected)
	assert.Equal(t, 1, h.dialer.dials())
}
