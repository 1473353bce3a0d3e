// Package client is the conversation synchronization engine. It ties the
// identity context, conversation cache, connection manager and event
// dispatcher together behind one facade.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/backend"
	"github.com/ZentaChain/zentalk-sync/pkg/cache"
	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/envelope"
	"github.com/ZentaChain/zentalk-sync/pkg/events"
	"github.com/ZentaChain/zentalk-sync/pkg/identity"
	"github.com/ZentaChain/zentalk-sync/pkg/network"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// UndecryptablePlaceholder replaces the text of a message that could not
// be decrypted.
const UndecryptablePlaceholder = "[unable to decrypt]"

var (
	ErrNoActiveIdentity = fmt.Errorf("%w: no active identity", protocol.ErrValidation)
	ErrNoConversation   = fmt.Errorf("%w: no open conversation", protocol.ErrValidation)
	ErrNotSender        = fmt.Errorf("%w: only the sender may delete a message", protocol.ErrValidation)
	ErrUnknownIdentity  = fmt.Errorf("%w: unknown identity", protocol.ErrValidation)
	ErrClosed           = errors.New("engine closed")
)

// Backend is the REST surface the engine consumes. *backend.Client
// implements it.
type Backend interface {
	identity.Backend
	cache.Source
	Profile(ctx context.Context) (*protocol.Profile, error)
	UpdateProfile(ctx context.Context, displayName string) (*protocol.Profile, error)
	CreateConversation(ctx context.Context, identity string, req backend.CreateConversationRequest) (*protocol.Conversation, error)
	CreateMessage(ctx context.Context, identity string, msg *protocol.Message) (*protocol.Message, error)
	DeleteMessage(ctx context.Context, identity, conversation, messageID string) error
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	Backend     Backend
	Credentials network.CredentialSource
	Dialer      network.Dialer
	Unlocker    identity.Unlocker
	Codec       *envelope.Codec

	// Connection scope shared by every conversation.
	BaseURL   string
	AccountID string
	APIKey    string

	KeepaliveInterval time.Duration
	ReconnectDelay    time.Duration
	ConversationTTL   time.Duration
	MessageTTL        time.Duration
	PageCapacity      int
	IdentityTTL       time.Duration
	TypingTimeout     time.Duration
	TypingSweep       time.Duration
	ReadDwell         time.Duration
	ReadVisibility    float64

	Clock  clock.Clock
	Logger *zap.Logger
}

// conversation is the open conversation and its connection.
type conversation struct {
	id       string
	identity protocol.Identity
	manager  *network.Manager
}

// Engine is the client-side synchronization engine.
type Engine struct {
	backend    Backend
	creds      network.CredentialSource
	dialer     network.Dialer
	codec      *envelope.Codec
	cache      *cache.Cache
	identities *identity.Context
	broker     *identity.Broker
	dispatcher *events.Dispatcher
	typing     *events.TypingTracker
	presence   *events.PresenceTracker
	receipts   *ReadTracker
	profile    *cache.Refresher[*protocol.Profile]
	clock      clock.Clock
	logger     *zap.Logger
	opts       Options

	mu      sync.Mutex
	account string
	conv    *conversation
	known   map[string]protocol.Message
	closed  bool
}

// NewEngine wires the components together.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Backend == nil {
		return nil, errors.New("engine requires a backend")
	}
	if opts.Credentials == nil {
		return nil, network.ErrNoSource
	}
	if opts.Dialer == nil {
		opts.Dialer = network.NewWebsocketDialer()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Codec == nil {
		opts.Codec = envelope.NewCodec(nil, opts.Logger.Named("envelope"))
	}
	if opts.Unlocker == nil {
		opts.Unlocker = noKeystore{}
	}

	e := &Engine{
		backend: opts.Backend,
		creds:   opts.Credentials,
		dialer:  opts.Dialer,
		codec:   opts.Codec,
		clock:   opts.Clock,
		logger:  opts.Logger.Named("engine"),
		opts:    opts,
		account: opts.AccountID,
		known:   make(map[string]protocol.Message),
	}

	var err error
	e.cache, err = cache.New(opts.Backend, cache.Options{
		ConversationTTL: opts.ConversationTTL,
		MessageTTL:      opts.MessageTTL,
		PageCapacity:    opts.PageCapacity,
		Clock:           opts.Clock,
		Logger:          opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e.identities, err = identity.New(identity.Options{
		Backend:  opts.Backend,
		Accounts: e,
		Cache:    e.cache,
		TTL:      opts.IdentityTTL,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	e.identities.OnActiveChange(e.activeChanged)

	e.broker = identity.NewBroker(opts.Unlocker, 0, opts.Logger)

	e.dispatcher = events.NewDispatcher(opts.Logger)
	e.typing = events.NewTypingTracker(events.TypingOptions{
		Timeout:       opts.TypingTimeout,
		SweepInterval: opts.TypingSweep,
		Clock:         opts.Clock,
	})
	e.typing.Attach(e.dispatcher)
	e.presence = events.NewPresenceTracker()
	e.presence.Attach(e.dispatcher)
	e.dispatcher.On(protocol.FrameMessage, e.onMessage)
	e.dispatcher.On(protocol.FrameMessageDeleted, e.onDeleted)

	e.receipts = NewReadTracker(opts.ReadDwell, opts.ReadVisibility, opts.Clock, e.logger, e.sendReceipt)

	e.profile = cache.NewRefresher(func(ctx context.Context) (*protocol.Profile, error) {
		return opts.Backend.Profile(ctx)
	})

	e.typing.Start()
	return e, nil
}

// ===== ACCOUNT SELECTION =====

// CurrentAccount implements identity.AccountSelector.
func (e *Engine) CurrentAccount() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account
}

// SelectAccount implements identity.AccountSelector. Switching account
// revokes the held credential so the next connection authenticates anew.
func (e *Engine) SelectAccount(ctx context.Context, accountID string) error {
	e.mu.Lock()
	if e.account == accountID {
		e.mu.Unlock()
		return nil
	}
	e.account = accountID
	e.mu.Unlock()

	if s, ok := e.backend.(interface{ SetAccount(string) }); ok {
		s.SetAccount(accountID)
	}
	if r, ok := e.creds.(interface{ Revoke() }); ok {
		r.Revoke()
	}
	e.logger.Info("account selected", zap.String("account", accountID))
	return nil
}

// ===== IDENTITIES =====

// Identities returns the registered identities, refreshing them if the
// list is older than its TTL.
func (e *Engine) Identities(ctx context.Context, force bool) ([]protocol.Identity, error) {
	if err := e.identities.Refresh(ctx, force); err != nil {
		return nil, err
	}
	return e.identities.Identities(), nil
}

// ActiveIdentity returns the active identity.
func (e *Engine) ActiveIdentity() (protocol.Identity, bool) {
	return e.identities.Active()
}

// CreateIdentity registers kp under label and keeps it unlocked.
func (e *Engine) CreateIdentity(ctx context.Context, kp *crypto.KeyPair, label string) (*protocol.Identity, error) {
	created, err := e.identities.Create(ctx, protocol.Identity{
		AccountID:   e.CurrentAccount(),
		Fingerprint: kp.Public,
		Label:       label,
	})
	if err != nil {
		return nil, err
	}
	e.broker.Add(created.ID, kp)
	return created, nil
}

// DeleteIdentity deregisters an identity and forgets its key.
func (e *Engine) DeleteIdentity(ctx context.Context, id string) error {
	if err := e.identities.Delete(ctx, id); err != nil {
		return err
	}
	e.broker.Lock(id)
	return nil
}

// SelectIdentity makes the registered identity id active. Any open
// conversation is closed because connections are identity scoped.
func (e *Engine) SelectIdentity(ctx context.Context, id string) error {
	if err := e.identities.Refresh(ctx, false); err != nil {
		return err
	}
	for _, known := range e.identities.Identities() {
		if known.ID == id {
			return e.identities.SetActive(ctx, known)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownIdentity, id)
}

// Unlocks delivers passphrase prompts for locked identities.
func (e *Engine) Unlocks() <-chan *identity.UnlockRequest {
	return e.broker.Requests()
}

// AddKey puts an already unlocked key pair in the key ring.
func (e *Engine) AddKey(id string, kp *crypto.KeyPair) {
	e.broker.Add(id, kp)
}

func (e *Engine) activeChanged(active *protocol.Identity) {
	if err := e.CloseConversation(); err != nil {
		e.logger.Warn("close conversation on identity change", zap.Error(err))
	}
	self := ""
	if active != nil {
		self = active.Fingerprint.String()
	}
	e.typing.SetSelf(self)

	e.mu.Lock()
	e.known = make(map[string]protocol.Message)
	e.mu.Unlock()
}

func (e *Engine) requireActive() (protocol.Identity, error) {
	active, ok := e.identities.Active()
	if !ok {
		return protocol.Identity{}, ErrNoActiveIdentity
	}
	return active, nil
}

// ===== CONVERSATIONS =====

// OpenConversation connects to a conversation as the active identity,
// closing the previously open one.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) error {
	active, err := e.requireActive()
	if err != nil {
		return err
	}

	mgr, err := network.NewManager(network.Session{
		BaseURL:        e.opts.BaseURL,
		ConversationID: conversationID,
		AccountID:      e.CurrentAccount(),
		UserID:         active.Fingerprint.String(),
		APIKey:         e.opts.APIKey,
	}, network.Options{
		Dialer:            e.dialer,
		Credentials:       e.creds,
		Codec:             e.codec,
		KeepaliveInterval: e.opts.KeepaliveInterval,
		ReconnectDelay:    e.opts.ReconnectDelay,
		Clock:             e.clock,
		Logger:            e.opts.Logger,
		OnFrame:           e.dispatcher.HandleRaw,
	})
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	prev := e.conv
	e.conv = &conversation{id: conversationID, identity: active, manager: mgr}
	e.mu.Unlock()

	if prev != nil {
		if err := prev.manager.Disconnect(); err != nil {
			e.logger.Debug("close previous conversation", zap.Error(err))
		}
	}
	e.presence.Reset()
	e.receipts.Reset()

	return mgr.Connect(ctx)
}

// CloseConversation disconnects the open conversation, if any.
func (e *Engine) CloseConversation() error {
	e.mu.Lock()
	conv := e.conv
	e.conv = nil
	e.mu.Unlock()

	if conv == nil {
		return nil
	}
	e.presence.Reset()
	e.receipts.Reset()
	return conv.manager.Disconnect()
}

// ConversationID returns the id of the open conversation.
func (e *Engine) ConversationID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return "", false
	}
	return e.conv.id, true
}

// State returns the connection state of the open conversation.
func (e *Engine) State() network.State {
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		return network.StateDisconnected
	}
	return conv.manager.State()
}

// OnStateChange observes connection state changes of the open
// conversation. It must be called after OpenConversation.
func (e *Engine) OnStateChange(fn func(from, to network.State)) error {
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		return ErrNoConversation
	}
	conv.manager.OnStateChange(fn)
	return nil
}

func (e *Engine) openConversation() (*conversation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conv == nil {
		return nil, ErrNoConversation
	}
	return e.conv, nil
}

// Conversations lists the active identity's conversations through the
// cache.
func (e *Engine) Conversations(ctx context.Context, force bool) ([]protocol.Conversation, error) {
	active, err := e.requireActive()
	if err != nil {
		return nil, err
	}
	return e.cache.Conversations(ctx, active.ID, force)
}

// StartConversation creates a conversation with participants.
func (e *Engine) StartConversation(ctx context.Context, participants []protocol.Fingerprint) (*protocol.Conversation, error) {
	active, err := e.requireActive()
	if err != nil {
		return nil, err
	}
	if len(participants) > envelope.MaxRecipients {
		return nil, fmt.Errorf("%w: %d participants", envelope.ErrTooManyRecipients, len(participants))
	}
	conv, err := e.backend.CreateConversation(ctx, active.ID, backend.CreateConversationRequest{Participants: participants})
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(active.ID, conv.ID)
	return conv, nil
}

// Messages lists a conversation's messages through the cache.
func (e *Engine) Messages(ctx context.Context, conversationID string, force bool) ([]protocol.Message, error) {
	active, err := e.requireActive()
	if err != nil {
		return nil, err
	}
	msgs, err := e.cache.Messages(ctx, active.ID, conversationID, force)
	if err != nil {
		return nil, err
	}
	e.remember(msgs...)
	return msgs, nil
}

// ===== DECRYPTION =====

// DecryptedMessage is one message with its plaintext, or the placeholder
// and the per-message error.
type DecryptedMessage struct {
	protocol.Message
	Text string
	Err  error
}

// DecryptMessages decrypts msgs as the active identity. A failure on one
// message does not abort the batch; it yields the placeholder instead.
// The returned error is set only when the identity key is unavailable.
func (e *Engine) DecryptMessages(ctx context.Context, msgs []protocol.Message) ([]DecryptedMessage, error) {
	active, err := e.requireActive()
	if err != nil {
		return nil, err
	}
	kp, err := e.broker.Unlock(ctx, active.ID)
	if err != nil {
		return nil, fmt.Errorf("unlock %s: %w", active.ID, err)
	}

	out := make([]DecryptedMessage, len(msgs))
	for i, msg := range msgs {
		out[i].Message = msg
		_, plaintext, err := e.codec.Open(msg.Body, kp)
		if err != nil {
			e.logger.Debug("decrypt failed", zap.String("message", msg.ID), zap.Error(err))
			out[i].Text = UndecryptablePlaceholder
			out[i].Err = err
			continue
		}
		out[i].Text = string(plaintext)
	}
	return out, nil
}

// ===== SENDING =====

// recipientsFor returns the participants of conversationID other than
// self, from the cached conversation list.
func (e *Engine) recipientsFor(ctx context.Context, active protocol.Identity, conversationID string) ([]protocol.Fingerprint, error) {
	convs, err := e.cache.Conversations(ctx, active.ID, false)
	if err != nil {
		return nil, err
	}
	for _, c := range convs {
		if c.ID != conversationID {
			continue
		}
		var out []protocol.Fingerprint
		for _, p := range c.Participants {
			if p != active.Fingerprint {
				out = append(out, p)
			}
		}
		if len(out) == 0 {
			out = []protocol.Fingerprint{active.Fingerprint}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: conversation %s", backend.ErrNotFound, conversationID)
}

// SendMessage encrypts text and sends it over the open conversation. With
// no recipients the conversation's participants are used. Sends while the
// connection is not open are dropped with network.ErrNotConnected.
func (e *Engine) SendMessage(ctx context.Context, text string, recipients []protocol.Fingerprint) (*protocol.Message, error) {
	conv, err := e.openConversation()
	if err != nil {
		return nil, err
	}
	if recipients == nil {
		if recipients, err = e.recipientsFor(ctx, conv.identity, conv.id); err != nil {
			return nil, err
		}
	}

	msg, err := conv.manager.SendMessage([]byte(text), recipients, conv.identity.Fingerprint)
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(conv.identity.ID, conv.id)
	e.remember(*msg)
	return msg, nil
}

// PostMessage encrypts text and stores it through the REST backend,
// without a live connection.
func (e *Engine) PostMessage(ctx context.Context, conversationID, text string, recipients []protocol.Fingerprint) (*protocol.Message, error) {
	active, err := e.requireActive()
	if err != nil {
		return nil, err
	}
	if recipients == nil {
		if recipients, err = e.recipientsFor(ctx, active, conversationID); err != nil {
			return nil, err
		}
	}

	body, err := e.codec.Encode([]byte(text), recipients, active.Fingerprint)
	if err != nil {
		return nil, err
	}
	msg, err := e.backend.CreateMessage(ctx, active.ID, &protocol.Message{
		ConversationID: conversationID,
		Sender:         active.Fingerprint,
		Body:           body,
		Timestamp:      protocol.UnixMilli(e.clock.Now()),
	})
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(active.ID, conversationID)
	e.remember(*msg)
	return msg, nil
}

// DeleteMessage deletes a message of the active identity. When the
// message is known locally its sender is checked first. The open
// connection is used when it carries the conversation, REST otherwise.
func (e *Engine) DeleteMessage(ctx context.Context, conversationID, messageID string) error {
	active, err := e.requireActive()
	if err != nil {
		return err
	}

	e.mu.Lock()
	msg, known := e.known[messageID]
	conv := e.conv
	e.mu.Unlock()

	rkey := ""
	if known {
		if msg.Sender != active.Fingerprint {
			return ErrNotSender
		}
		rkey = msg.RKey
	}

	if conv != nil && conv.id == conversationID && conv.manager.State() == network.StateOpen {
		err = conv.manager.DeleteMessage(messageID, rkey)
	} else {
		err = e.backend.DeleteMessage(ctx, active.ID, conversationID, messageID)
	}
	if err != nil {
		return err
	}

	e.cache.Invalidate(active.ID, conversationID)
	e.forget(messageID)
	return nil
}

// SetTyping announces the local typing state on the open conversation.
func (e *Engine) SetTyping(typing bool) error {
	conv, err := e.openConversation()
	if err != nil {
		return err
	}
	return conv.manager.SendTyping(typing)
}

// ===== READ RECEIPTS =====

// ObserveVisibility reports the visible fraction of a message in the view.
func (e *Engine) ObserveVisibility(messageID string, ratio float64) {
	e.receipts.Observe(messageID, ratio)
}

// SetFocus reports whether the view has focus.
func (e *Engine) SetFocus(focused bool) {
	e.receipts.SetFocus(focused)
}

func (e *Engine) sendReceipt(messageID string) error {
	conv, err := e.openConversation()
	if err != nil {
		return err
	}
	return conv.manager.MarkRead(messageID)
}

// ===== PROFILE =====

// RefreshProfile fetches the profile, joining a refresh already in flight.
func (e *Engine) RefreshProfile(ctx context.Context) (*protocol.Profile, error) {
	return e.profile.Refresh(ctx)
}

// ReloadProfile aborts any in-flight refresh and fetches anew.
func (e *Engine) ReloadProfile(ctx context.Context) (*protocol.Profile, error) {
	return e.profile.Reload(ctx)
}

// UpdateProfile sets the display name. Refreshes in flight are superseded
// so they cannot publish the old profile.
func (e *Engine) UpdateProfile(ctx context.Context, displayName string) (*protocol.Profile, error) {
	e.profile.Supersede()
	return e.backend.UpdateProfile(ctx, displayName)
}

// ===== EVENTS =====

// On subscribes fn to inbound frames of kind.
func (e *Engine) On(kind protocol.FrameType, fn events.Listener) *events.Subscription {
	return e.dispatcher.On(kind, fn)
}

// OnTyping observes the aggregated typing view.
func (e *Engine) OnTyping(fn func(users []string)) {
	e.typing.OnChange(fn)
}

// Typing returns the fingerprints currently typing, excluding self.
func (e *Engine) Typing() []string {
	return e.typing.Typing()
}

// Online returns the fingerprints currently online in the open
// conversation.
func (e *Engine) Online() []string {
	return e.presence.Online()
}

// CacheStats exposes cache counters.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// onMessage marks the conversation dirty so the next read refetches.
func (e *Engine) onMessage(f *protocol.InboundFrame) {
	msg, err := f.Message()
	if err != nil {
		e.logger.Warn("bad message frame", zap.Error(err))
		return
	}
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		return
	}
	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = conv.id
	}
	e.cache.MarkDirty(conv.identity.ID, conversationID)
	e.remember(*msg)
}

func (e *Engine) onDeleted(f *protocol.InboundFrame) {
	id, ok := f.DeletedMessageID()
	if !ok {
		return
	}
	e.mu.Lock()
	conv := e.conv
	e.mu.Unlock()
	if conv == nil {
		return
	}
	e.cache.MarkDirty(conv.identity.ID, conv.id)
	e.forget(id)
}

func (e *Engine) remember(msgs ...protocol.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range msgs {
		e.known[m.ID] = m
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.known, id)
}

// Close disconnects, stops background timers and locks every key.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var err error
	err = multierr.Append(err, e.CloseConversation())
	e.typing.Stop()
	e.receipts.Reset()
	e.profile.Supersede()
	e.broker.Close()
	return err
}

// noKeystore is the unlocker used when no keystore is configured: only
// keys added with AddKey are available.
type noKeystore struct{}

func (noKeystore) UnlockIdentity(ctx context.Context, id, passphrase string) (*crypto.KeyPair, error) {
	return nil, crypto.ErrKeyNotFound
}
