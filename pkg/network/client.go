// Package network owns the live connection to a conversation server: the
// connection state machine, keepalive and reconnect timers, credential
// reactivity and the websocket transport.
package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/envelope"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultReconnectDelay    = 3 * time.Second
)

var (
	ErrNotConnected = fmt.Errorf("%w: not connected", protocol.ErrConnection)
	ErrNoDialer     = errors.New("manager requires a dialer")
	ErrNoSource     = errors.New("manager requires a credential source")
)

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	Dialer            Dialer
	Credentials       CredentialSource
	Codec             *envelope.Codec
	KeepaliveInterval time.Duration
	ReconnectDelay    time.Duration
	Clock             clock.Clock
	Logger            *zap.Logger

	// OnFrame receives every inbound frame, raw, on the read goroutine.
	OnFrame func(raw []byte)
}

type stateChange struct{ from, to State }

// Manager keeps at most one live transport to a conversation. connect and
// disconnect are the only external transitions; everything else reacts to
// transport and credential events.
type Manager struct {
	session   Session
	dialer    Dialer
	creds     CredentialSource
	codec     *envelope.Codec
	keepalive time.Duration
	delay     time.Duration
	clock     clock.Clock
	logger    *zap.Logger
	onFrame   func([]byte)

	mu        sync.Mutex
	state     State
	desired   bool   // the caller wants a live connection
	epoch     uint64 // bumped whenever the current transport is abandoned
	transport Transport
	cred      Credential
	reconnect *clock.Timer
	stopPing  chan struct{}
	unsubCred func()
	listeners []func(from, to State)
	notes     []stateChange
}

func NewManager(session Session, opts Options) (*Manager, error) {
	if opts.Dialer == nil {
		return nil, ErrNoDialer
	}
	if opts.Credentials == nil {
		return nil, ErrNoSource
	}
	if opts.Codec == nil {
		opts.Codec = envelope.NewCodec(nil, opts.Logger)
	}
	if opts.KeepaliveInterval <= 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func([]byte) {}
	}

	return &Manager{
		session:   session,
		dialer:    opts.Dialer,
		creds:     opts.Credentials,
		codec:     opts.Codec,
		keepalive: opts.KeepaliveInterval,
		delay:     opts.ReconnectDelay,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("network").With(zap.String("conversation", session.ConversationID)),
		onFrame:   opts.OnFrame,
		state:     StateDisconnected,
	}, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Session returns the scope the manager connects with.
func (m *Manager) Session() Session {
	return m.session
}

// OnStateChange registers fn to observe every transition. fn runs after
// the manager lock is released.
func (m *Manager) OnStateChange(fn func(from, to State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Connect opens the transport. It is a no-op while connecting, or while
// open with a still valid credential. Credential failures abort the attempt
// without a state change and are returned. Transport failures schedule a
// reconnect and are not returned.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.desired = true
	switch m.state {
	case StateConnecting:
		m.unlock()
		return nil
	case StateOpen:
		if m.cred.Valid(m.clock.Now()) {
			m.unlock()
			return nil
		}
	}
	m.stopReconnectLocked()
	m.unlock()

	return m.attempt(ctx, false)
}

// Disconnect closes the transport and cancels every timer and listener.
// No reconnect happens until Connect is called again.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	m.desired = false
	m.epoch++
	m.stopReconnectLocked()
	t := m.teardownLocked()
	if m.state != StateClosed {
		m.setStateLocked(StateClosed)
	}
	m.unlock()

	if t != nil {
		return t.Close()
	}
	return nil
}

// attempt runs one connection attempt. Attempts fired by the reconnect
// timer give up unless that reconnect is still pending.
func (m *Manager) attempt(ctx context.Context, fromTimer bool) error {
	cred, err := m.creds.Credential(ctx)
	if err == nil && !cred.Valid(m.clock.Now()) {
		err = ErrCredentialExpired
	}

	m.mu.Lock()
	if !m.desired || m.state == StateConnecting {
		m.unlock()
		return nil
	}
	// A Connect that raced the timer has already replaced the pending
	// reconnect, or a newer timer owns it.
	if fromTimer && (m.state != StateReconnectPending || m.reconnect != nil) {
		m.unlock()
		return nil
	}
	if err != nil {
		m.failAuthLocked(err)
		m.unlock()
		return err
	}

	old := m.teardownLocked()
	m.epoch++
	epoch := m.epoch
	m.setStateLocked(StateConnecting)
	m.unlock()

	if old != nil {
		_ = old.Close()
	}

	rawURL, err := BuildURL(m.session, cred.Token)
	if err != nil {
		m.mu.Lock()
		if epoch == m.epoch {
			m.setStateLocked(StateClosed)
			m.desired = false
		}
		m.unlock()
		return err
	}

	t, err := m.dialer.Dial(ctx, rawURL)

	m.mu.Lock()
	if epoch != m.epoch || !m.desired {
		// Disconnected or superseded while dialing.
		m.unlock()
		if t != nil {
			_ = t.Close()
		}
		return nil
	}
	if err != nil {
		if errors.Is(err, protocol.ErrAuth) {
			m.logger.Warn("handshake rejected, not reconnecting", zap.Error(err))
			m.setStateLocked(StateDisconnected)
			m.unlock()
			return err
		}
		m.logger.Warn("dial failed", zap.Error(err))
		m.scheduleReconnectLocked()
		m.unlock()
		return nil
	}

	m.transport = t
	m.cred = cred
	m.setStateLocked(StateOpen)
	m.startKeepaliveLocked()
	m.unsubCred = m.creds.Subscribe(m.onCredential)
	m.unlock()

	m.logger.Info("connected")
	go m.readLoop(t, epoch)
	return nil
}

// failAuthLocked leaves a pending reconnect cycle without scheduling
// another one.
func (m *Manager) failAuthLocked(err error) {
	m.logger.Warn("credential unavailable, not reconnecting", zap.Error(err))
	m.stopReconnectLocked()
	if m.state == StateReconnectPending {
		m.setStateLocked(StateDisconnected)
	}
}

// teardownLocked stops the keepalive and credential listener and detaches
// the transport, which the caller must close outside the lock.
func (m *Manager) teardownLocked() Transport {
	if m.stopPing != nil {
		close(m.stopPing)
		m.stopPing = nil
	}
	if m.unsubCred != nil {
		m.unsubCred()
		m.unsubCred = nil
	}
	t := m.transport
	m.transport = nil
	return t
}

func (m *Manager) onCredential(ev CredentialEvent, cred Credential) {
	switch ev {
	case CredentialRevoked:
		m.logger.Info("credential revoked, disconnecting")
		_ = m.Disconnect()
	case CredentialRenewed:
		m.mu.Lock()
		same := m.state != StateOpen || cred.Token == m.cred.Token
		m.unlock()
		if same {
			return
		}
		m.logger.Info("credential renewed, reconnecting")
		if err := m.attempt(context.Background(), false); err != nil {
			m.logger.Warn("reconnect after renewal failed", zap.Error(err))
		}
	}
}

// Send writes one frame. Frames sent while the transport is not open are
// dropped and ErrNotConnected is returned.
func (m *Manager) Send(f *protocol.OutboundFrame) error {
	data, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	m.mu.Lock()
	t, state := m.transport, m.state
	m.mu.Unlock()

	if state != StateOpen || t == nil {
		m.logger.Warn("dropping frame, transport not open",
			zap.String("type", string(f.Type)), zap.Stringer("state", state))
		return ErrNotConnected
	}
	if err := t.WriteMessage(data); err != nil {
		m.logger.Warn("write failed", zap.String("type", string(f.Type)), zap.Error(err))
		return fmt.Errorf("%w: %v", protocol.ErrConnection, err)
	}
	return nil
}

func (m *Manager) setStateLocked(to State) {
	from := m.state
	if from == to {
		return
	}
	if !CanTransition(from, to) {
		m.logger.Error("illegal state transition", zap.Stringer("from", from), zap.Stringer("to", to))
		return
	}
	m.state = to
	m.notes = append(m.notes, stateChange{from: from, to: to})
	m.logger.Debug("state changed", zap.Stringer("from", from), zap.Stringer("to", to))
}

// unlock releases m.mu and then delivers queued state changes.
func (m *Manager) unlock() {
	notes := m.notes
	m.notes = nil
	listeners := m.listeners
	m.mu.Unlock()

	for _, n := range notes {
		for _, fn := range listeners {
			fn(n.from, n.to)
		}
	}
}
