// Package cache holds conversation lists and message pages for the active
// identity.
//
// The cache has three tiers: a conversation-list entry per identity, a
// message-page entry per (identity, conversation) bounded by an LRU, and a
// dirty set per (identity, conversation). A key is refetched when it is
// absent, older than its TTL, dirty, or the caller forces a refresh.
// Concurrent reads of the same key share one backend call.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

const (
	DefaultConversationTTL = 5 * time.Minute
	DefaultMessageTTL      = 2 * time.Minute
	DefaultPageCapacity    = 256
)

var ErrNoSource = errors.New("cache has no source")

// Source is the backend collaborator the cache falls back to.
type Source interface {
	FetchConversations(ctx context.Context, identity string) ([]protocol.Conversation, error)
	FetchMessages(ctx context.Context, identity, conversation string) ([]protocol.Message, error)
}

// Key addresses a message page and its dirty flag.
type Key struct {
	Identity     string
	Conversation string
}

func (k Key) String() string {
	return k.Identity + "/" + k.Conversation
}

type entry[T any] struct {
	payload   T
	fetchedAt time.Time
}

// Options configures a Cache. Zero values select the defaults.
type Options struct {
	ConversationTTL time.Duration
	MessageTTL      time.Duration
	PageCapacity    int
	Clock           clock.Clock
	Logger          *zap.Logger
}

// Stats counts cache activity since creation.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Fetches    uint64
	StaleDrops uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	source  Source
	clock   clock.Clock
	logger  *zap.Logger
	convTTL time.Duration
	msgTTL  time.Duration

	group singleflight.Group

	mu         sync.Mutex
	lists      map[string]*entry[[]protocol.Conversation]
	pages      *lru.Cache // Key -> *entry[[]protocol.Message]
	dirty      map[Key]uint64
	listMarks  map[string]uint64
	marks      uint64
	generation uint64
	stats      Stats
}

// New creates a cache reading through to source.
func New(source Source, opts Options) (*Cache, error) {
	if source == nil {
		return nil, ErrNoSource
	}
	if opts.ConversationTTL <= 0 {
		opts.ConversationTTL = DefaultConversationTTL
	}
	if opts.MessageTTL <= 0 {
		opts.MessageTTL = DefaultMessageTTL
	}
	if opts.PageCapacity <= 0 {
		opts.PageCapacity = DefaultPageCapacity
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	pages, err := lru.New(opts.PageCapacity)
	if err != nil {
		return nil, fmt.Errorf("create page tier: %w", err)
	}

	return &Cache{
		source:    source,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("cache"),
		convTTL:   opts.ConversationTTL,
		msgTTL:    opts.MessageTTL,
		lists:     make(map[string]*entry[[]protocol.Conversation]),
		pages:     pages,
		dirty:     make(map[Key]uint64),
		listMarks: make(map[string]uint64),
	}, nil
}

// expired uses a strict comparison: an entry exactly ttl old is fresh.
func (c *Cache) expired(fetchedAt time.Time, ttl time.Duration) bool {
	return c.clock.Now().Sub(fetchedAt) > ttl
}

// Conversations returns the conversation list of identity.
func (c *Cache) Conversations(ctx context.Context, identity string, force bool) ([]protocol.Conversation, error) {
	if !force {
		c.mu.Lock()
		if e, ok := c.lists[identity]; ok && !c.expired(e.fetchedAt, c.convTTL) {
			c.stats.Hits++
			c.mu.Unlock()
			return e.payload, nil
		}
		c.stats.Misses++
		c.mu.Unlock()
	}

	v, err, _ := c.group.Do(listFlight(identity), func() (interface{}, error) {
		c.mu.Lock()
		gen := c.generation
		mark := c.listMarks[identity]
		c.stats.Fetches++
		c.mu.Unlock()

		convs, err := c.source.FetchConversations(ctx, identity)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.generation {
			c.stats.StaleDrops++
			c.logger.Warn("dropping conversation list fetched before clear", zap.String("identity", identity))
			return convs, nil
		}
		// A write that landed during the fetch makes this snapshot stale.
		if c.listMarks[identity] != mark {
			c.stats.StaleDrops++
			c.logger.Debug("dropping conversation list fetched before write", zap.String("identity", identity))
			return convs, nil
		}
		c.lists[identity] = &entry[[]protocol.Conversation]{payload: convs, fetchedAt: c.clock.Now()}
		return convs, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch conversations: %w", err)
	}
	return v.([]protocol.Conversation), nil
}

// Messages returns the message page of a conversation. Dirty keys are
// always refetched; the dirty flag clears only after a successful fetch.
func (c *Cache) Messages(ctx context.Context, identity, conversation string, force bool) ([]protocol.Message, error) {
	key := Key{Identity: identity, Conversation: conversation}

	if !force {
		c.mu.Lock()
		if e, ok := c.page(key); ok && !c.isDirtyLocked(key) && !c.expired(e.fetchedAt, c.msgTTL) {
			c.stats.Hits++
			c.mu.Unlock()
			return e.payload, nil
		}
		c.stats.Misses++
		c.mu.Unlock()
	}

	v, err, _ := c.group.Do(pageFlight(key), func() (interface{}, error) {
		c.mu.Lock()
		gen := c.generation
		mark := c.dirty[key]
		c.stats.Fetches++
		c.mu.Unlock()

		msgs, err := c.source.FetchMessages(ctx, identity, conversation)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if gen != c.generation {
			c.stats.StaleDrops++
			c.logger.Warn("dropping message page fetched before clear", zap.Stringer("key", key))
			return msgs, nil
		}
		c.pages.Add(key, &entry[[]protocol.Message]{payload: msgs, fetchedAt: c.clock.Now()})
		// A write that landed during the fetch keeps the key dirty.
		if c.dirty[key] == mark {
			delete(c.dirty, key)
		}
		return msgs, nil
	})
	if err != nil {
		c.logger.Debug("message fetch failed", zap.Stringer("key", key), zap.Error(err))
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return v.([]protocol.Message), nil
}

func listFlight(identity string) string {
	return fmt.Sprintf("conversations/%q", identity)
}

func pageFlight(key Key) string {
	return fmt.Sprintf("messages/%q/%q", key.Identity, key.Conversation)
}

func (c *Cache) page(key Key) (*entry[[]protocol.Message], bool) {
	v, ok := c.pages.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(*entry[[]protocol.Message])
	if !ok {
		// Unreachable; treated as a miss.
		c.logger.Warn("unexpected page entry type", zap.Stringer("key", key))
		c.pages.Remove(key)
		return nil, false
	}
	return e, true
}

// Invalidate records a local write to a conversation: its page and the
// identity's conversation list are evicted and the conversation is marked
// dirty. List and page fetches already in flight are not stored and later
// reads do not join them.
func (c *Cache) Invalidate(identity, conversation string) {
	key := Key{Identity: identity, Conversation: conversation}

	c.mu.Lock()
	c.pages.Remove(key)
	delete(c.lists, identity)
	c.marks++
	c.listMarks[identity] = c.marks
	c.markDirtyLocked(key)
	c.mu.Unlock()

	c.group.Forget(listFlight(identity))
	c.group.Forget(pageFlight(key))
}

// MarkDirty forces the next read of the conversation to refetch.
func (c *Cache) MarkDirty(identity, conversation string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markDirtyLocked(Key{Identity: identity, Conversation: conversation})
}

func (c *Cache) markDirtyLocked(key Key) {
	c.marks++
	c.dirty[key] = c.marks
}

// IsDirty reports whether the conversation awaits a successful refetch.
func (c *Cache) IsDirty(identity, conversation string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isDirtyLocked(Key{Identity: identity, Conversation: conversation})
}

func (c *Cache) isDirtyLocked(key Key) bool {
	_, ok := c.dirty[key]
	return ok
}

// Clear empties all three tiers. Fetches in flight when Clear is called
// are returned to their callers but not stored.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.lists = make(map[string]*entry[[]protocol.Conversation])
	c.pages.Purge()
	c.dirty = make(map[Key]uint64)
	c.listMarks = make(map[string]uint64)
	c.logger.Debug("cache cleared", zap.Uint64("generation", c.generation))
}

// Len returns the number of conversation lists, message pages, and dirty
// keys currently held.
func (c *Cache) Len() (lists, pages, dirty int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lists), c.pages.Len(), len(c.dirty)
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
