// Package redis backs the signaling channel with Redis. Values live in keys,
// appends in lists, and change notification rides pub/sub. Redis has no
// server-side disconnect hook, so disconnect removals are emulated with a
// heartbeat key per client and a sweeper that applies the removals of clients
// whose heartbeat expired.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	valuePrefix = "lc:val:"
	listPrefix  = "lc:list:"
	eventPrefix = "lc:evt:"
	heartbeat   = "lc:hb:"
	disconnect  = "lc:dis:"
	pushSeqKey  = "lc:seq"

	// DefaultHeartbeatTTL bounds how long a crashed client's presence
	// survives before the sweeper applies its disconnect removals.
	DefaultHeartbeatTTL = 15 * time.Second
)

type wireEvent struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Channel is one participant's Redis-backed signaling channel. It implements
// ports.SignalingChannel.
type Channel struct {
	client   *redis.Client
	clientID string
	logger   *zap.SugaredLogger
	hbTTL    time.Duration

	mu     sync.Mutex
	closed bool
	subs   []*redis.PubSub

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

var _ ports.SignalingChannel = (*Channel)(nil)

// NewChannel opens a channel for one participant and starts its heartbeat.
func NewChannel(client *redis.Client, logger *zap.SugaredLogger, hbTTL time.Duration) *Channel {
	if hbTTL <= 0 {
		hbTTL = DefaultHeartbeatTTL
	}
	c := &Channel{
		client:        client,
		clientID:      uuid.NewString(),
		logger:        logger,
		hbTTL:         hbTTL,
		stopHeartbeat: make(chan struct{}),
		heartbeatDone: make(chan struct{}),
	}
	go c.heartbeatLoop()
	return c
}

func (c *Channel) heartbeatLoop() {
	defer close(c.heartbeatDone)

	ticker := time.NewTicker(c.hbTTL / 3)
	defer ticker.Stop()

	beat := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.client.Set(ctx, heartbeat+c.clientID, "1", c.hbTTL).Err(); err != nil {
			c.logger.Warnw("heartbeat write failed", "error", err)
		}
	}
	beat()

	for {
		select {
		case <-ticker.C:
			beat()
		case <-c.stopHeartbeat:
			return
		}
	}
}

func (c *Channel) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	return nil
}

func splitPath(path string) (parent, base string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func (c *Channel) publishEvent(ctx context.Context, path, key string, value json.RawMessage) error {
	data, err := json.Marshal(wireEvent{Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return c.client.Publish(ctx, eventPrefix+path, data).Err()
}

// SetValue overwrites the singleton at path and notifies subscribers of the
// path and of its parent.
func (c *Channel) SetValue(ctx context.Context, path string, value interface{}) error {
	if err := c.guard(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	if err := c.client.Set(ctx, valuePrefix+path, string(raw), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	if err := c.publishEvent(ctx, path, "", raw); err != nil {
		return err
	}
	parent, base := splitPath(path)
	if parent != "" {
		return c.publishEvent(ctx, parent, base, raw)
	}
	return nil
}

// Publish appends value under path and returns the generated key. Keys sort
// in append order.
func (c *Channel) Publish(ctx context.Context, path string, value interface{}) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}

	seq, err := c.client.Incr(ctx, pushSeqKey).Result()
	if err != nil {
		return "", fmt.Errorf("allocate push key: %w", err)
	}
	key := fmt.Sprintf("k%012d", seq)

	item, err := json.Marshal(wireEvent{Key: key, Value: raw})
	if err != nil {
		return "", fmt.Errorf("encode item: %w", err)
	}
	if err := c.client.RPush(ctx, listPrefix+path, item).Err(); err != nil {
		return "", fmt.Errorf("append %s: %w", path, err)
	}
	if err := c.publishEvent(ctx, path, key, raw); err != nil {
		return "", err
	}
	return key, nil
}

// Subscribe replays current state under path, then streams pub/sub events.
// Delivery is at least once: a write racing the replay can arrive twice.
func (c *Channel) Subscribe(ctx context.Context, path string, fn ports.SubscriptionFunc) (ports.Unsubscribe, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}

	pubsub := c.client.Subscribe(ctx, eventPrefix+path)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", path, err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, pubsub)
	c.mu.Unlock()

	go func() {
		c.replay(ctx, path, fn)
		for msg := range pubsub.Channel() {
			var ev wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				c.logger.Warnw("malformed relay event", "path", path, "error", err)
				continue
			}
			fn(ev.Key, ev.Value)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			pubsub.Close()
		})
	}, nil
}

func (c *Channel) replay(ctx context.Context, path string, fn ports.SubscriptionFunc) {
	if raw, err := c.client.Get(ctx, valuePrefix+path).Result(); err == nil {
		fn("", json.RawMessage(raw))
	}

	// Direct child singletons.
	childPrefix := valuePrefix + path + "/"
	iter := c.client.Scan(ctx, 0, childPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		rel := strings.TrimPrefix(key, childPrefix)
		if strings.Contains(rel, "/") {
			continue
		}
		if raw, err := c.client.Get(ctx, key).Result(); err == nil {
			fn(rel, json.RawMessage(raw))
		}
	}
	if err := iter.Err(); err != nil {
		c.logger.Warnw("replay scan failed", "path", path, "error", err)
	}

	items, err := c.client.LRange(ctx, listPrefix+path, 0, -1).Result()
	if err != nil {
		c.logger.Warnw("replay range failed", "path", path, "error", err)
		return
	}
	for _, item := range items {
		var ev wireEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		fn(ev.Key, ev.Value)
	}
}

// Remove deletes path and its subtree, notifying subscribers with nil values.
func (c *Channel) Remove(ctx context.Context, path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	return removeSubtree(ctx, c.client, path)
}

// removeSubtree is shared with the sweeper, which applies removals on behalf
// of clients that are already gone.
func removeSubtree(ctx context.Context, client *redis.Client, path string) error {
	notify := func(p, key string, value json.RawMessage) {
		data, err := json.Marshal(wireEvent{Key: key, Value: value})
		if err != nil {
			return
		}
		client.Publish(ctx, eventPrefix+p, data)
	}

	for _, prefix := range []string{valuePrefix, listPrefix} {
		exact := prefix + path
		subtree := prefix + path + "/"

		var keys []string
		if n, err := client.Exists(ctx, exact).Result(); err == nil && n > 0 {
			keys = append(keys, exact)
		}
		iter := client.Scan(ctx, 0, subtree+"*", 0).Iterator()
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("scan %s: %w", path, err)
		}

		for _, key := range keys {
			if err := client.Del(ctx, key).Err(); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			p := strings.TrimPrefix(key, prefix)
			notify(p, "", nil)
			if prefix == valuePrefix {
				if parent, base := splitPath(p); parent != "" {
					notify(parent, base, nil)
				}
			}
		}
	}
	return nil
}

// RemoveOnDisconnect registers path for removal once this client's heartbeat
// lapses or Close runs.
func (c *Channel) RemoveOnDisconnect(ctx context.Context, path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	if err := c.client.SAdd(ctx, disconnect+c.clientID, path).Err(); err != nil {
		return fmt.Errorf("register disconnect removal: %w", err)
	}
	return nil
}

// Close stops the heartbeat, applies this client's disconnect removals and
// releases its bookkeeping keys.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	close(c.stopHeartbeat)
	<-c.heartbeatDone

	for _, pubsub := range subs {
		pubsub.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	paths, err := c.client.SMembers(ctx, disconnect+c.clientID).Result()
	if err != nil {
		return fmt.Errorf("load disconnect removals: %w", err)
	}
	for _, path := range paths {
		if err := removeSubtree(ctx, c.client, path); err != nil {
			c.logger.Warnw("disconnect removal failed", "path", path, "error", err)
		}
	}
	return c.client.Del(ctx, disconnect+c.clientID, heartbeat+c.clientID).Err()
}
