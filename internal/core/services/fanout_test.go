package services

import (
	"context"
	"fmt"
	"testing"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/infrastructure/relay"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestFanoutBus_ChatReachesFollowers(t *testing.T) {
	backend := relay.NewMemoryRelay()
	logger := zaptest.NewLogger(t).Sugar()
	bus := NewFanoutBus("s1", backend.Connect(), nil, logger, 100, 100)

	chat := NewChatLog(10)
	require.NoError(t, chat.Follow(context.Background(), backend.Connect(), "s1"))
	defer chat.Close()

	sender := domain.Identity{ID: "v1", DisplayName: "Viewer One"}
	bus.SendChat(context.Background(), sender, "hello")
	bus.SendChat(context.Background(), sender, "world")

	waitFor(t, "two messages", func() bool { return len(chat.Messages()) == 2 })
	msgs := chat.Messages()
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, "world", msgs[1].Text)
	assert.Equal(t, "Viewer One", msgs[0].SenderName)
}

func TestFanoutBus_EmptyChatDropped(t *testing.T) {
	backend := relay.NewMemoryRelay()
	bus := NewFanoutBus("s1", backend.Connect(), nil, zaptest.NewLogger(t).Sugar(), 100, 100)

	chat := NewChatLog(10)
	require.NoError(t, chat.Follow(context.Background(), backend.Connect(), "s1"))
	defer chat.Close()

	bus.SendChat(context.Background(), domain.Identity{ID: "v1"}, "")
	bus.SendChat(context.Background(), domain.Identity{ID: "v1"}, "real")

	waitFor(t, "one message", func() bool { return len(chat.Messages()) == 1 })
	assert.Equal(t, "real", chat.Messages()[0].Text)
}

func TestFanoutBus_RateLimitDropsExcess(t *testing.T) {
	backend := relay.NewMemoryRelay()
	bus := NewFanoutBus("s1", backend.Connect(), nil, zaptest.NewLogger(t).Sugar(), 1, 2)

	chat := NewChatLog(100)
	require.NoError(t, chat.Follow(context.Background(), backend.Connect(), "s1"))
	defer chat.Close()

	sender := domain.Identity{ID: "spammer"}
	for i := 0; i < 10; i++ {
		bus.SendChat(context.Background(), sender, fmt.Sprintf("msg %d", i))
	}

	// Burst of 2 admits the first two sends; the rest are dropped.
	waitFor(t, "burst delivered", func() bool { return len(chat.Messages()) == 2 })
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, chat.Messages(), 2)

	// Another sender is not affected by the spammer's limiter.
	bus.SendChat(context.Background(), domain.Identity{ID: "other"}, "fine")
	waitFor(t, "other sender delivered", func() bool { return len(chat.Messages()) == 3 })
}

func TestFanoutBus_IdleLimitersEvicted(t *testing.T) {
	backend := relay.NewMemoryRelay()
	bus := NewFanoutBus("s1", backend.Connect(), nil, zaptest.NewLogger(t).Sugar(), 1, 2)

	bus.SendChat(context.Background(), domain.Identity{ID: "gone"}, "bye")
	bus.SendChat(context.Background(), domain.Identity{ID: "active"}, "hi")

	bus.mu.Lock()
	require.Contains(t, bus.limiters, domain.UserID("gone"))
	bus.limiters["gone"].lastSeen = time.Now().Add(-2 * limiterIdleTTL)
	bus.mu.Unlock()

	// The next send sweeps senders idle past the TTL.
	bus.SendChat(context.Background(), domain.Identity{ID: "active"}, "still here")

	bus.mu.Lock()
	assert.NotContains(t, bus.limiters, domain.UserID("gone"))
	assert.Contains(t, bus.limiters, domain.UserID("active"))
	bus.mu.Unlock()
}

func TestChatLog_DedupesAndKeepsWindow(t *testing.T) {
	backend := relay.NewMemoryRelay()
	conn := backend.Connect()

	chat := NewChatLog(3)
	require.NoError(t, chat.Follow(context.Background(), backend.Connect(), "s1"))
	defer chat.Close()

	base := time.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		ev := domain.ChatEvent{
			ID:        fmt.Sprintf("m%d", i),
			SenderID:  "v1",
			Text:      fmt.Sprintf("msg %d", i),
			Timestamp: base + int64(i),
		}
		_, err := conn.Publish(context.Background(), chatMessagesPath("s1"), ev)
		require.NoError(t, err)
	}
	// Redeliver an event that is still inside the window.
	_, err := conn.Publish(context.Background(), chatMessagesPath("s1"), domain.ChatEvent{
		ID: "m4", SenderID: "v1", Text: "msg 4", Timestamp: base + 4,
	})
	require.NoError(t, err)

	waitFor(t, "window settled", func() bool {
		msgs := chat.Messages()
		return len(msgs) == 3 && msgs[2].ID == "m4"
	})
	msgs := chat.Messages()
	assert.Equal(t, []string{"m2", "m3", "m4"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
}

func TestChatLog_ReplayShowsHistoryToLateJoiner(t *testing.T) {
	backend := relay.NewMemoryRelay()
	bus := NewFanoutBus("s1", backend.Connect(), nil, zaptest.NewLogger(t).Sugar(), 100, 100)

	bus.SendChat(context.Background(), domain.Identity{ID: "v1", DisplayName: "One"}, "before join")

	// Follower subscribes after the message was published.
	chat := NewChatLog(10)
	require.NoError(t, chat.Follow(context.Background(), backend.Connect(), "s1"))
	defer chat.Close()

	waitFor(t, "history replayed", func() bool { return len(chat.Messages()) == 1 })
	assert.Equal(t, "before join", chat.Messages()[0].Text)
}

func TestHeartTally_CountsDistinctHearts(t *testing.T) {
	backend := relay.NewMemoryRelay()
	bus := NewFanoutBus("s1", backend.Connect(), nil, zaptest.NewLogger(t).Sugar(), 100, 100)

	tally := NewHeartTally()
	require.NoError(t, tally.Follow(context.Background(), backend.Connect(), "s1"))
	defer tally.Close()

	bus.SendHeart(context.Background(), "v1")
	bus.SendHeart(context.Background(), "v1")
	bus.SendHeart(context.Background(), "v2")

	waitFor(t, "three hearts", func() bool { return tally.Count() == 3 })

	// Manual redelivery of a known id does not double count.
	conn := backend.Connect()
	_, err := conn.Publish(context.Background(), heartsPath("s1"), domain.HeartEvent{
		ID: "fixed", SenderID: "v3", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	_, err = conn.Publish(context.Background(), heartsPath("s1"), domain.HeartEvent{
		ID: "fixed", SenderID: "v3", Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	waitFor(t, "four hearts", func() bool { return tally.Count() == 4 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, tally.Count())
}
