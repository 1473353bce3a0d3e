package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ZentaChain/zentalk-sync/pkg/crypto"
	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

var (
	ErrUnlockRejected = fmt.Errorf("%w: unlock rejected", protocol.ErrAuth)
	ErrBrokerClosed   = errors.New("unlock broker closed")
)

// Unlocker opens the key material of an identity. crypto.Keystore is the
// default implementation.
type Unlocker interface {
	UnlockIdentity(ctx context.Context, id, passphrase string) (*crypto.KeyPair, error)
}

// UnlockRequest is one pending passphrase prompt. The prompting side
// answers with Resolve or Reject.
type UnlockRequest struct {
	IdentityID string

	broker *Broker
	done   chan struct{}
	once   sync.Once
	kp     *crypto.KeyPair
	err    error
}

// Resolve tries passphrase. On failure the request stays open so the
// prompt can be retried, and the error is returned.
func (r *UnlockRequest) Resolve(ctx context.Context, passphrase string) error {
	select {
	case <-r.done:
		return r.err
	default:
	}

	kp, err := r.broker.unlocker.UnlockIdentity(ctx, r.IdentityID, passphrase)
	if err != nil {
		r.broker.logger.Debug("unlock attempt failed", zap.String("identity", r.IdentityID), zap.Error(err))
		return err
	}
	r.finish(kp, nil)
	return nil
}

// Reject ends the request. A nil err means the user cancelled.
func (r *UnlockRequest) Reject(err error) {
	if err == nil {
		err = ErrUnlockRejected
	} else {
		err = fmt.Errorf("%w: %v", ErrUnlockRejected, err)
	}
	r.finish(nil, err)
}

// Done is closed once the request is resolved or rejected.
func (r *UnlockRequest) Done() <-chan struct{} {
	return r.done
}

func (r *UnlockRequest) finish(kp *crypto.KeyPair, err error) {
	r.once.Do(func() {
		r.kp, r.err = kp, err
		r.broker.complete(r)
		close(r.done)
	})
}

// Broker queues unlock prompts keyed by identity id and keeps unlocked key
// pairs in a key ring. Concurrent Unlock calls for the same identity share
// one prompt; prompts for different identities queue independently.
type Broker struct {
	unlocker Unlocker
	logger   *zap.Logger
	requests chan *UnlockRequest

	mu      sync.Mutex
	pending map[string]*UnlockRequest
	ring    map[string]*crypto.KeyPair
	closed  bool
}

// NewBroker creates a broker whose prompt queue holds up to queue requests.
func NewBroker(unlocker Unlocker, queue int, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if queue <= 0 {
		queue = protocol.MaxIdentities
	}
	return &Broker{
		unlocker: unlocker,
		logger:   logger.Named("unlock"),
		requests: make(chan *UnlockRequest, queue),
		pending:  make(map[string]*UnlockRequest),
		ring:     make(map[string]*crypto.KeyPair),
	}
}

// Requests delivers prompts to whoever collects passphrases.
func (b *Broker) Requests() <-chan *UnlockRequest {
	return b.requests
}

// Unlock returns the key pair of identity id, prompting if it is not in
// the key ring yet.
func (b *Broker) Unlock(ctx context.Context, id string) (*crypto.KeyPair, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	if kp, ok := b.ring[id]; ok {
		b.mu.Unlock()
		return kp, nil
	}
	req, waiting := b.pending[id]
	if !waiting {
		req = &UnlockRequest{IdentityID: id, broker: b, done: make(chan struct{})}
		b.pending[id] = req
	}
	b.mu.Unlock()

	if !waiting {
		select {
		case b.requests <- req:
			b.logger.Debug("unlock requested", zap.String("identity", id))
		case <-ctx.Done():
			b.drop(req)
			return nil, ctx.Err()
		}
	}

	select {
	case <-req.done:
		return req.kp, req.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// KeyPair returns an unlocked key pair without prompting.
func (b *Broker) KeyPair(id string) (*crypto.KeyPair, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kp, ok := b.ring[id]
	return kp, ok
}

// Add puts an already unlocked key pair in the ring.
func (b *Broker) Add(id string, kp *crypto.KeyPair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring[id] = kp
}

// Lock forgets the key pair of identity id.
func (b *Broker) Lock(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if kp, ok := b.ring[id]; ok {
		kp.Private = [32]byte{}
		delete(b.ring, id)
	}
}

// Close rejects every pending prompt and locks all identities.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	pending := make([]*UnlockRequest, 0, len(b.pending))
	for _, req := range b.pending {
		pending = append(pending, req)
	}
	for id, kp := range b.ring {
		kp.Private = [32]byte{}
		delete(b.ring, id)
	}
	b.mu.Unlock()

	for _, req := range pending {
		req.finish(nil, ErrBrokerClosed)
	}
}

func (b *Broker) complete(req *UnlockRequest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending[req.IdentityID] == req {
		delete(b.pending, req.IdentityID)
	}
	if req.kp != nil && !b.closed {
		b.ring[req.IdentityID] = req.kp
	}
}

// drop abandons a request that was never queued.
func (b *Broker) drop(req *UnlockRequest) {
	req.finish(nil, context.Canceled)
}
