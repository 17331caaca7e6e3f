package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRelay_ConnectionsShareState(t *testing.T) {
	backend := NewMemoryRelay()
	writer := backend.Connect()
	reader := backend.Connect()

	require.NoError(t, writer.SetValue(context.Background(), "presence/s1/broadcaster", map[string]string{"id": "b1"}))

	var mu sync.Mutex
	var got json.RawMessage
	unsub, err := reader.Subscribe(context.Background(), "presence/s1/broadcaster", func(_ string, value json.RawMessage) {
		mu.Lock()
		got = value
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := got != nil
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("replay never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.JSONEq(t, `{"id":"b1"}`, string(got))
}

func TestMemoryConn_DropRunsDisconnectRemovals(t *testing.T) {
	backend := NewMemoryRelay()
	conn := backend.Connect()

	ctx := context.Background()
	require.NoError(t, conn.SetValue(ctx, "presence/s1/viewers/v1", map[string]string{"n": "one"}))
	require.NoError(t, conn.RemoveOnDisconnect(ctx, "presence/s1/viewers/v1"))

	watcher := backend.Connect()
	var mu sync.Mutex
	var removed bool
	unsub, err := watcher.Subscribe(ctx, "presence/s1/viewers/v1", func(_ string, value json.RawMessage) {
		if value == nil {
			mu.Lock()
			removed = true
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	defer unsub()

	conn.Drop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := removed
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("disconnect removal never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMemoryConn_ClosedConnRejectsOperations(t *testing.T) {
	backend := NewMemoryRelay()
	conn := backend.Connect()
	require.NoError(t, conn.Close())

	ctx := context.Background()
	assert.ErrorIs(t, conn.SetValue(ctx, "p", 1), domain.ErrChannelClosed)
	_, err := conn.Publish(ctx, "p", 1)
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	_, err = conn.Subscribe(ctx, "p", func(string, json.RawMessage) {})
	assert.ErrorIs(t, err, domain.ErrChannelClosed)
	assert.ErrorIs(t, conn.Remove(ctx, "p"), domain.ErrChannelClosed)
	assert.ErrorIs(t, conn.RemoveOnDisconnect(ctx, "p"), domain.ErrChannelClosed)

	// Closing again is a no-op.
	assert.NoError(t, conn.Close())
}

func TestMemoryConn_DropStopsOwnSubscriptions(t *testing.T) {
	backend := NewMemoryRelay()
	conn := backend.Connect()

	var mu sync.Mutex
	var count int
	_, err := conn.Subscribe(context.Background(), "chat/s1/messages", func(string, json.RawMessage) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	other := backend.Connect()
	_, err = other.Publish(context.Background(), "chat/s1/messages", "one")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := count
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first message never arrived")
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Drop()
	_, err = other.Publish(context.Background(), "chat/s1/messages", "two")
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}
