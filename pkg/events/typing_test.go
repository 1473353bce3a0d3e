package events

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

func TestTypingStartStop(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTypingTracker(TypingOptions{Clock: mock})

	tr.Handle(protocol.TypingEvent("bob", true))
	tr.Handle(protocol.TypingEvent("carol", true))
	assert.Equal(t, []string{"bob", "carol"}, tr.Typing())

	tr.Handle(protocol.TypingEvent("bob", false))
	assert.Equal(t, []string{"carol"}, tr.Typing())
}

func TestTypingExcludesSelf(t *testing.T) {
	tr := NewTypingTracker(TypingOptions{Clock: clock.NewMock()})
	tr.Handle(protocol.TypingEvent("alice", true))
	tr.SetSelf("alice")
	assert.Empty(t, tr.Typing())

	tr.Handle(protocol.TypingEvent("alice", true))
	assert.Empty(t, tr.Typing())
}

func TestTypingSweepPurgesStaleEntries(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTypingTracker(TypingOptions{Clock: mock})

	tr.Handle(protocol.TypingEvent("bob", true))
	mock.Add(2 * time.Second)
	tr.Handle(protocol.TypingEvent("carol", true))

	mock.Add(time.Second)
	tr.Sweep()
	assert.Equal(t, []string{"bob", "carol"}, tr.Typing(), "exactly the timeout is kept")

	mock.Add(time.Millisecond)
	tr.Sweep()
	assert.Equal(t, []string{"carol"}, tr.Typing())
}

func TestTypingSweepLoop(t *testing.T) {
	mock := clock.NewMock()
	tr := NewTypingTracker(TypingOptions{Clock: mock})

	var mu sync.Mutex
	var views [][]string
	tr.OnChange(func(users []string) {
		mu.Lock()
		views = append(views, users)
		mu.Unlock()
	})

	tr.Start()
	defer tr.Stop()

	tr.Handle(protocol.TypingEvent("bob", true))
	for i := 0; i < 4; i++ {
		mock.Add(time.Second)
	}

	require.Eventually(t, func() bool { return len(tr.Typing()) == 0 }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, views, 2)
	assert.Equal(t, []string{"bob"}, views[0])
	assert.Empty(t, views[1])
}

func TestTypingAttach(t *testing.T) {
	d := NewDispatcher(nil)
	tr := NewTypingTracker(TypingOptions{Clock: clock.NewMock()})
	sub := tr.Attach(d)

	d.HandleRaw([]byte(`{"type":"typing","user":"bob","typing":true}`))
	assert.Equal(t, []string{"bob"}, tr.Typing())

	sub.Unsubscribe()
	d.HandleRaw([]byte(`{"type":"typing","user":"bob","typing":false}`))
	assert.Equal(t, []string{"bob"}, tr.Typing())
}
