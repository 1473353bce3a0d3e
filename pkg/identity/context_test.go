package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

type fakeBackend struct {
	mu         sync.Mutex
	identities []protocol.Identity
	calls      int
	nextID     int
}

func (f *fakeBackend) ListIdentities(ctx context.Context) ([]protocol.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]protocol.Identity(nil), f.identities...), nil
}

func (f *fakeBackend) RegisterIdentity(ctx context.Context, id *protocol.Identity) (*protocol.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.nextID++
	created := *id
	created.ID = fmt.Sprintf("new-%d", f.nextID)
	f.identities = append(f.identities, created)
	return &created, nil
}

func (f *fakeBackend) DeleteIdentity(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	for i, known := range f.identities {
		if known.ID == id {
			f.identities = append(f.identities[:i], f.identities[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCache struct{ clears int }

func (f *fakeCache) Clear() { f.clears++ }

type fakeAccounts struct {
	current  string
	selected []string
}

func (f *fakeAccounts) CurrentAccount() string { return f.current }

func (f *fakeAccounts) SelectAccount(ctx context.Context, accountID string) error {
	f.selected = append(f.selected, accountID)
	f.current = accountID
	return nil
}

func testIdentity(n byte) protocol.Identity {
	var fp protocol.Fingerprint
	fp[0] = n
	fp[31] = 0xaa
	return protocol.Identity{
		ID:          fmt.Sprintf("id-%d", n),
		AccountID:   "acct",
		Fingerprint: fp,
		Label:       fmt.Sprintf("identity %d", n),
	}
}

func newTestContext(t *testing.T, backend *fakeBackend) (*Context, *fakeCache, *fakeAccounts, *clock.Mock) {
	t.Helper()
	cache := &fakeCache{}
	accounts := &fakeAccounts{current: "acct"}
	mock := clock.NewMock()
	c, err := New(Options{
		Backend:  backend,
		Accounts: accounts,
		Cache:    cache,
		Clock:    mock,
		Logger:   zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return c, cache, accounts, mock
}

func TestCreateRejectsAtCapacityWithoutNetwork(t *testing.T) {
	backend := &fakeBackend{}
	for i := byte(1); i <= protocol.MaxIdentities; i++ {
		backend.identities = append(backend.identities, testIdentity(i))
	}
	c, _, _, _ := newTestContext(t, backend)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx, false))
	before := backend.callCount()

	id := testIdentity(9)
	id.ID = ""
	_, err := c.Create(ctx, id)
	assert.ErrorIs(t, err, ErrTooManyIdentities)
	assert.ErrorIs(t, err, protocol.ErrCapacity)
	assert.Equal(t, before, backend.callCount())
}

func TestCreateRegisters(t *testing.T) {
	backend := &fakeBackend{identities: []protocol.Identity{testIdentity(1)}}
	c, _, _, _ := newTestContext(t, backend)
	ctx := context.Background()

	id := testIdentity(2)
	id.ID = ""
	created, err := c.Create(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "new-1", created.ID)
	assert.Len(t, c.Identities(), 2)

	_, err = c.Create(ctx, protocol.Identity{Label: "no key"})
	assert.ErrorIs(t, err, protocol.ErrValidation)
}

func TestSetActive(t *testing.T) {
	backend := &fakeBackend{identities: []protocol.Identity{testIdentity(1), testIdentity(2)}}
	c, cache, accounts, _ := newTestContext(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx, false))

	var changes []string
	c.OnActiveChange(func(id *protocol.Identity) {
		if id == nil {
			changes = append(changes, "")
			return
		}
		changes = append(changes, id.ID)
	})

	other := testIdentity(2)
	other.AccountID = "acct-2"
	backend.identities[1] = other
	require.NoError(t, c.Refresh(ctx, true))

	require.NoError(t, c.SetActive(ctx, other))
	active, ok := c.Active()
	require.True(t, ok)
	assert.Equal(t, "id-2", active.ID)
	assert.Equal(t, []string{"acct-2"}, accounts.selected)
	assert.Equal(t, 1, cache.clears)
	assert.Equal(t, []string{"id-2"}, changes)
}

func TestSetActiveRejects(t *testing.T) {
	restricted := testIdentity(3)
	restricted.Restricted = true
	backend := &fakeBackend{identities: []protocol.Identity{testIdentity(1), restricted}}
	c, cache, _, _ := newTestContext(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx, false))

	assert.ErrorIs(t, c.SetActive(ctx, protocol.Identity{ID: "x"}), ErrInvalidIdentity)
	assert.ErrorIs(t, c.SetActive(ctx, restricted), ErrRestricted)
	assert.ErrorIs(t, c.SetActive(ctx, testIdentity(7)), ErrNotFound)

	tampered := testIdentity(1)
	tampered.Fingerprint[5] = 0xff
	assert.ErrorIs(t, c.SetActive(ctx, tampered), ErrInvalidIdentity)

	_, ok := c.Active()
	assert.False(t, ok)
	assert.Zero(t, cache.clears)
}

func TestRefreshHonorsTTLAndClearsVanishedActive(t *testing.T) {
	backend := &fakeBackend{identities: []protocol.Identity{testIdentity(1), testIdentity(2)}}
	c, cache, _, mock := newTestContext(t, backend)
	ctx := context.Background()

	require.NoError(t, c.Refresh(ctx, false))
	require.NoError(t, c.SetActive(ctx, testIdentity(2)))
	assert.Equal(t, 1, backend.callCount())

	backend.mu.Lock()
	backend.identities = backend.identities[:1]
	backend.mu.Unlock()

	mock.Add(DefaultTTL)
	require.NoError(t, c.Refresh(ctx, false))
	assert.Equal(t, 1, backend.callCount())
	_, ok := c.Active()
	assert.True(t, ok)

	mock.Add(time.Millisecond)
	require.NoError(t, c.Refresh(ctx, false))
	assert.Equal(t, 2, backend.callCount())
	_, ok = c.Active()
	assert.False(t, ok)
	assert.Equal(t, 2, cache.clears)
}

func TestDeleteClearsActive(t *testing.T) {
	backend := &fakeBackend{identities: []protocol.Identity{testIdentity(1)}}
	c, _, _, _ := newTestContext(t, backend)
	ctx := context.Background()
	require.NoError(t, c.Refresh(ctx, false))
	require.NoError(t, c.SetActive(ctx, testIdentity(1)))

	require.NoError(t, c.Delete(ctx, "id-1"))
	_, ok := c.Active()
	assert.False(t, ok)
	assert.Empty(t, c.Identities())
}
