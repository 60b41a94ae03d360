package gosubs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcher_QueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := NewDispatcher(1, 1, time.Second, func(ctx context.Context, n *Notification) {
		started <- struct{}{}
		<-release
	})
	d.Start()

	require.NoError(t, d.Submit(&Notification{EventID: "a"}))
	<-started
	require.NoError(t, d.Submit(&Notification{EventID: "b"}))

	err := d.Submit(&Notification{EventID: "c"})
	assert.True(t, errors.Is(err, ErrQueueFull))
	assert.Equal(t, 1, d.Pending())

	close(release)
	d.Close()
}

func TestDispatcher_CloseDrainsQueue(t *testing.T) {
	var mu sync.Mutex
	var handled []string
	d := NewDispatcher(2, 16, time.Second, func(ctx context.Context, n *Notification) {
		mu.Lock()
		handled = append(handled, n.EventID)
		mu.Unlock()
	})

	// queued before the workers start, drained on close
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, d.Submit(&Notification{EventID: id}))
	}
	d.Start()
	d.Close()

	mu.Lock()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, handled)
	mu.Unlock()

	err := d.Submit(&Notification{EventID: "d"})
	assert.True(t, errors.Is(err, ErrEngineClosed))
}
