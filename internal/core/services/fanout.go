package services

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultChatWindow is how many recent messages readers retain.
const DefaultChatWindow = 100

// limiterIdleTTL is how long a sender's rate limiter survives without a send
// before it is dropped, so the per-sender map stays bounded over a long
// session.
const limiterIdleTTL = 10 * time.Minute

// FanoutBus relays chat messages and heart reactions through the session's
// relay paths. Sends are fire-and-forget: a delivery failure is logged, never
// retried and never surfaced to the caller.
type FanoutBus struct {
	sessionID domain.SessionID
	channel   ports.SignalingChannel
	metrics   ports.Metrics
	logger    *zap.SugaredLogger

	chatRate  rate.Limit
	chatBurst int

	mu       sync.Mutex
	limiters map[domain.UserID]*senderLimiter
}

type senderLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// NewFanoutBus wires a bus with a per-sender chat rate limit.
func NewFanoutBus(
	sessionID domain.SessionID,
	channel ports.SignalingChannel,
	metrics ports.Metrics,
	logger *zap.SugaredLogger,
	chatPerSecond float64,
	chatBurst int,
) *FanoutBus {
	if chatPerSecond <= 0 {
		chatPerSecond = 5
	}
	if chatBurst <= 0 {
		chatBurst = 10
	}
	return &FanoutBus{
		sessionID: sessionID,
		channel:   channel,
		metrics:   metrics,
		logger:    logger.With("session_id", sessionID),
		chatRate:  rate.Limit(chatPerSecond),
		chatBurst: chatBurst,
		limiters:  make(map[domain.UserID]*senderLimiter),
	}
}

func (b *FanoutBus) limiter(sender domain.UserID) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	for id, entry := range b.limiters {
		if id != sender && now.Sub(entry.lastSeen) > limiterIdleTTL {
			delete(b.limiters, id)
		}
	}

	entry, ok := b.limiters[sender]
	if !ok {
		entry = &senderLimiter{lim: rate.NewLimiter(b.chatRate, b.chatBurst)}
		b.limiters[sender] = entry
	}
	entry.lastSeen = now
	return entry.lim
}

// SendChat publishes a chat event. Empty text and over-limit sends are
// dropped silently.
func (b *FanoutBus) SendChat(ctx context.Context, sender domain.Identity, text string) {
	if text == "" {
		return
	}
	if !b.limiter(sender.ID).Allow() {
		b.logger.Debugw("chat message rate limited", "sender_id", sender.ID)
		return
	}

	ev := domain.ChatEvent{
		ID:           uuid.NewString(),
		SenderID:     sender.ID,
		SenderName:   sender.DisplayName,
		SenderAvatar: sender.AvatarURL,
		Text:         text,
		Timestamp:    time.Now().UnixMilli(),
	}
	if _, err := b.channel.Publish(ctx, chatMessagesPath(b.sessionID), ev); err != nil {
		b.logger.Warnw("chat publish failed", "sender_id", sender.ID, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.ChatMessageSent()
	}
}

// SendHeart publishes a heart event.
func (b *FanoutBus) SendHeart(ctx context.Context, senderID domain.UserID) {
	ev := domain.HeartEvent{
		ID:        uuid.NewString(),
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
	if _, err := b.channel.Publish(ctx, heartsPath(b.sessionID), ev); err != nil {
		b.logger.Warnw("heart publish failed", "sender_id", senderID, "error", err)
		return
	}
	if b.metrics != nil {
		b.metrics.HeartSent()
	}
}

// ChatLog follows a session's chat path and retains the most recent messages
// ordered by timestamp. Rendering is idempotent by event id, so relay
// redelivery shows each message once.
type ChatLog struct {
	limit int

	mu     sync.Mutex
	events []domain.ChatEvent
	seen   map[string]struct{}
	unsub  ports.Unsubscribe

	onMessage func(domain.ChatEvent)
}

// NewChatLog creates a log bounded to limit messages (DefaultChatWindow if
// limit <= 0).
func NewChatLog(limit int) *ChatLog {
	if limit <= 0 {
		limit = DefaultChatWindow
	}
	return &ChatLog{
		limit: limit,
		seen:  make(map[string]struct{}),
	}
}

// SetMessageHandler registers a callback for each newly retained message.
// Must be called before Follow.
func (c *ChatLog) SetMessageHandler(fn func(domain.ChatEvent)) {
	c.onMessage = fn
}

// Follow subscribes to the session's chat path.
func (c *ChatLog) Follow(ctx context.Context, channel ports.SignalingChannel, sessionID domain.SessionID) error {
	unsub, err := channel.Subscribe(ctx, chatMessagesPath(sessionID), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var ev domain.ChatEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return
		}
		c.add(ev)
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
	return nil
}

func (c *ChatLog) add(ev domain.ChatEvent) {
	c.mu.Lock()
	if _, dup := c.seen[ev.ID]; dup {
		c.mu.Unlock()
		return
	}
	c.seen[ev.ID] = struct{}{}

	c.events = append(c.events, ev)
	sort.SliceStable(c.events, func(i, j int) bool {
		return c.events[i].Timestamp < c.events[j].Timestamp
	})
	if len(c.events) > c.limit {
		dropped := c.events[:len(c.events)-c.limit]
		for _, d := range dropped {
			delete(c.seen, d.ID)
		}
		c.events = append([]domain.ChatEvent(nil), c.events[len(c.events)-c.limit:]...)
	}
	c.mu.Unlock()

	if c.onMessage != nil {
		c.onMessage(ev)
	}
}

// Messages returns the retained window, oldest first.
func (c *ChatLog) Messages() []domain.ChatEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.ChatEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Close cancels the subscription.
func (c *ChatLog) Close() {
	c.mu.Lock()
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// HeartTally follows a session's reactions path and counts distinct hearts.
type HeartTally struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	count int
	unsub ports.Unsubscribe

	onHeart func(domain.HeartEvent)
}

// NewHeartTally creates an empty tally.
func NewHeartTally() *HeartTally {
	return &HeartTally{seen: make(map[string]struct{})}
}

// SetHeartHandler registers a callback per counted heart. Must be called
// before Follow.
func (h *HeartTally) SetHeartHandler(fn func(domain.HeartEvent)) {
	h.onHeart = fn
}

// Follow subscribes to the session's hearts path.
func (h *HeartTally) Follow(ctx context.Context, channel ports.SignalingChannel, sessionID domain.SessionID) error {
	unsub, err := channel.Subscribe(ctx, heartsPath(sessionID), func(_ string, value json.RawMessage) {
		if value == nil {
			return
		}
		var ev domain.HeartEvent
		if err := json.Unmarshal(value, &ev); err != nil {
			return
		}
		h.mu.Lock()
		if _, dup := h.seen[ev.ID]; dup {
			h.mu.Unlock()
			return
		}
		h.seen[ev.ID] = struct{}{}
		h.count++
		h.mu.Unlock()

		if h.onHeart != nil {
			h.onHeart(ev)
		}
	})
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.unsub = unsub
	h.mu.Unlock()
	return nil
}

// Count returns the number of distinct hearts observed.
func (h *HeartTally) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Close cancels the subscription.
func (h *HeartTally) Close() {
	h.mu.Lock()
	unsub := h.unsub
	h.unsub = nil
	h.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}
