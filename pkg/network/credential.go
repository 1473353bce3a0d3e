package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

var (
	ErrNoCredential      = fmt.Errorf("%w: no credential", protocol.ErrAuth)
	ErrCredentialExpired = fmt.Errorf("%w: credential expired", protocol.ErrAuth)
	ErrCredentialRevoked = fmt.Errorf("%w: credential revoked", protocol.ErrAuth)
)

// Credential is the session token used to open a transport.
type Credential struct {
	Token     string
	ExpiresAt time.Time // zero means no expiry
}

// Valid reports whether the credential can be used at now.
func (c Credential) Valid(now time.Time) bool {
	return c.Token != "" && (c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt))
}

// ParseCredential reads the expiry of a JWT session token. The signature
// is not verified; that is the server's job.
func ParseCredential(token string) (Credential, error) {
	if token == "" {
		return Credential{}, ErrNoCredential
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", protocol.ErrAuth, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", protocol.ErrAuth, err)
	}
	cred := Credential{Token: token}
	if exp != nil {
		cred.ExpiresAt = exp.Time
	}
	return cred, nil
}

// CredentialEvent is published by a CredentialSource.
type CredentialEvent int

const (
	CredentialRenewed CredentialEvent = iota
	CredentialRevoked
)

// CredentialSource hands out the current credential and notifies
// subscribers when it is renewed or revoked.
type CredentialSource interface {
	Credential(ctx context.Context) (Credential, error)
	Subscribe(fn func(CredentialEvent, Credential)) (unsubscribe func())
}

// CredentialStore is an in-memory CredentialSource. When the held
// credential is missing or expired it asks fetch for a new token, if set.
type CredentialStore struct {
	fetch func(ctx context.Context) (string, error)
	clock clock.Clock

	mu      sync.Mutex
	current Credential
	nextID  int
	subs    map[int]func(CredentialEvent, Credential)
}

func NewCredentialStore(fetch func(ctx context.Context) (string, error), clk clock.Clock) *CredentialStore {
	if clk == nil {
		clk = clock.New()
	}
	return &CredentialStore{
		fetch: fetch,
		clock: clk,
		subs:  make(map[int]func(CredentialEvent, Credential)),
	}
}

// Credential returns a valid credential or an ErrAuth-kind error.
func (s *CredentialStore) Credential(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	cur := s.current
	s.mu.Unlock()

	if cur.Valid(s.clock.Now()) {
		return cur, nil
	}
	if s.fetch == nil {
		if cur.Token == "" {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, ErrCredentialExpired
	}

	token, err := s.fetch(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", protocol.ErrAuth, err)
	}
	cred, err := ParseCredential(token)
	if err != nil {
		return Credential{}, err
	}
	if !cred.Valid(s.clock.Now()) {
		return Credential{}, ErrCredentialExpired
	}

	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()
	return cred, nil
}

// Set stores token and notifies subscribers that the credential was
// renewed.
func (s *CredentialStore) Set(token string) error {
	cred, err := ParseCredential(token)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cred
	s.mu.Unlock()
	s.publish(CredentialRenewed, cred)
	return nil
}

// Revoke forgets the credential and notifies subscribers.
func (s *CredentialStore) Revoke() {
	s.mu.Lock()
	s.current = Credential{}
	s.mu.Unlock()
	s.publish(CredentialRevoked, Credential{})
}

func (s *CredentialStore) Subscribe(fn func(CredentialEvent, Credential)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *CredentialStore) publish(ev CredentialEvent, cred Credential) {
	s.mu.Lock()
	subs := make([]func(CredentialEvent, Credential), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev, cred)
	}
}
