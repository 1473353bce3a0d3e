// Package identity tracks the registered identities of an account and the
// single active identity of a client.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	DefaultTTL     = 5 * time.Minute
	MaxLabelLength = 64
)

var (
	ErrTooManyIdentities = fmt.Errorf("%w: identity limit reached", protocol.ErrCapacity)
	ErrInvalidIdentity   = fmt.Errorf("%w: invalid identity", protocol.ErrValidation)
	ErrRestricted        = fmt.Errorf("%w: identity is restricted", protocol.ErrValidation)
	ErrNotFound          = fmt.Errorf("%w: identity not registered", protocol.ErrValidation)
)

// Backend is the REST collaborator holding registered identities.
type Backend interface {
	ListIdentities(ctx context.Context) ([]protocol.Identity, error)
	RegisterIdentity(ctx context.Context, id *protocol.Identity) (*protocol.Identity, error)
	DeleteIdentity(ctx context.Context, id string) error
}

// AccountSelector aligns the underlying account with the identity about to
// become active.
type AccountSelector interface {
	CurrentAccount() string
	SelectAccount(ctx context.Context, accountID string) error
}

// Clearer is implemented by the conversation cache.
type Clearer interface {
	Clear()
}

type Options struct {
	Backend  Backend
	Accounts AccountSelector
	Cache    Clearer
	TTL      time.Duration
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Context holds at most protocol.MaxIdentities registered identities and a
// nullable active pointer. It is safe for concurrent use.
type Context struct {
	backend  Backend
	accounts AccountSelector
	cache    Clearer
	ttl      time.Duration
	clock    clock.Clock
	logger   *zap.Logger

	// refreshMu serializes backend round trips; mu guards state.
	refreshMu sync.Mutex

	mu         sync.Mutex
	identities []protocol.Identity
	fetchedAt  time.Time
	loaded     bool
	active     *protocol.Identity
	onChange   []func(*protocol.Identity)
}

func New(opts Options) (*Context, error) {
	if opts.Backend == nil {
		return nil, fmt.Errorf("identity context requires a backend")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Context{
		backend:  opts.Backend,
		accounts: opts.Accounts,
		cache:    opts.Cache,
		ttl:      opts.TTL,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("identity"),
	}, nil
}

// Validate checks the integrity of an identity record.
func Validate(id *protocol.Identity) error {
	if id != nil && id.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidIdentity)
	}
	return validateKey(id)
}

// validateKey checks everything but the backend-assigned id.
func validateKey(id *protocol.Identity) error {
	switch {
	case id == nil:
		return fmt.Errorf("%w: nil", ErrInvalidIdentity)
	case id.Fingerprint.IsZero():
		return fmt.Errorf("%w: missing fingerprint", ErrInvalidIdentity)
	case !utf8.ValidString(id.Label) || utf8.RuneCountInString(id.Label) > MaxLabelLength:
		return fmt.Errorf("%w: bad label", ErrInvalidIdentity)
	}
	return nil
}

// OnActiveChange registers fn to run after the active identity changes.
// fn receives nil when the pointer is cleared.
func (c *Context) OnActiveChange(fn func(*protocol.Identity)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// Identities returns a copy of the known registered identities.
func (c *Context) Identities() []protocol.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Identity(nil), c.identities...)
}

// Active returns the active identity.
func (c *Context) Active() (protocol.Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return protocol.Identity{}, false
	}
	return *c.active, true
}

// SetActive makes id the active identity. The account selection is aligned
// first; the conversation cache is cleared before the pointer moves.
func (c *Context) SetActive(ctx context.Context, id protocol.Identity) error {
	if err := Validate(&id); err != nil {
		return err
	}
	if id.Restricted {
		return ErrRestricted
	}

	c.mu.Lock()
	if c.loaded {
		known, ok := c.findLocked(id.ID)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, id.ID)
		}
		if known.Fingerprint != id.Fingerprint {
			c.mu.Unlock()
			return fmt.Errorf("%w: fingerprint mismatch for %s", ErrInvalidIdentity, id.ID)
		}
		if known.Restricted {
			c.mu.Unlock()
			return ErrRestricted
		}
	}
	c.mu.Unlock()

	if c.accounts != nil && id.AccountID != "" && id.AccountID != c.accounts.CurrentAccount() {
		if err := c.accounts.SelectAccount(ctx, id.AccountID); err != nil {
			return fmt.Errorf("select account %s: %w", id.AccountID, err)
		}
	}

	if c.cache != nil {
		c.cache.Clear()
	}

	c.mu.Lock()
	active := id
	c.active = &active
	listeners := append([]func(*protocol.Identity){}, c.onChange...)
	c.mu.Unlock()

	c.logger.Info("active identity changed",
		zap.String("identity", id.ID), zap.String("fingerprint", id.Fingerprint.Short()))
	for _, fn := range listeners {
		fn(&active)
	}
	return nil
}

// ClearActive drops the active pointer and the cache.
func (c *Context) ClearActive() {
	c.mu.Lock()
	had := c.active != nil
	c.active = nil
	listeners := append([]func(*protocol.Identity){}, c.onChange...)
	c.mu.Unlock()

	if !had {
		return
	}
	if c.cache != nil {
		c.cache.Clear()
	}
	for _, fn := range listeners {
		fn(nil)
	}
}

// Refresh refetches the registered identities unless the list is younger
// than the TTL. If the active identity is no longer registered the pointer
// is cleared.
func (c *Context) Refresh(ctx context.Context, force bool) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	fresh := c.loaded && c.clock.Now().Sub(c.fetchedAt) <= c.ttl
	c.mu.Unlock()
	if fresh && !force {
		return nil
	}

	ids, err := c.backend.ListIdentities(ctx)
	if err != nil {
		return fmt.Errorf("list identities: %w", err)
	}

	c.mu.Lock()
	c.identities = ids
	c.fetchedAt = c.clock.Now()
	c.loaded = true
	stale := c.active != nil
	if stale {
		_, stale = c.findLocked(c.active.ID)
		stale = !stale
	}
	c.mu.Unlock()

	if stale {
		c.logger.Info("active identity no longer registered")
		c.ClearActive()
	}
	return nil
}

// Create registers a new identity. The capacity check runs against the
// known list before any backend mutation.
func (c *Context) Create(ctx context.Context, id protocol.Identity) (*protocol.Identity, error) {
	if err := validateKey(&id); err != nil {
		return nil, err
	}

	if err := c.Refresh(ctx, false); err != nil {
		return nil, err
	}

	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	c.mu.Lock()
	count := len(c.identities)
	c.mu.Unlock()
	if count >= protocol.MaxIdentities {
		return nil, fmt.Errorf("%w: %d of %d", ErrTooManyIdentities, count, protocol.MaxIdentities)
	}

	created, err := c.backend.RegisterIdentity(ctx, &id)
	if err != nil {
		return nil, fmt.Errorf("register identity: %w", err)
	}

	c.mu.Lock()
	c.identities = append(c.identities, *created)
	c.mu.Unlock()
	return created, nil
}

// Delete deregisters an identity, clearing the active pointer if it was
// the deleted one.
func (c *Context) Delete(ctx context.Context, id string) error {
	c.refreshMu.Lock()
	if err := c.backend.DeleteIdentity(ctx, id); err != nil {
		c.refreshMu.Unlock()
		return fmt.Errorf("delete identity: %w", err)
	}

	c.mu.Lock()
	kept := c.identities[:0:0]
	for _, known := range c.identities {
		if known.ID != id {
			kept = append(kept, known)
		}
	}
	c.identities = kept
	wasActive := c.active != nil && c.active.ID == id
	c.mu.Unlock()
	c.refreshMu.Unlock()

	if wasActive {
		c.ClearActive()
	}
	return nil
}

func (c *Context) findLocked(id string) (protocol.Identity, bool) {
	for _, known := range c.identities {
		if known.ID == id {
			return known, true
		}
	}
	return protocol.Identity{}, false
}
