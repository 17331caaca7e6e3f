// Package wsclient implements the signaling channel over the relay's
// websocket protocol.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/relay"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	requestTimeout = 15 * time.Second
)

// Channel is one participant's connection to a relay server. It implements
// ports.SignalingChannel.
type Channel struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	nextReq uint64
	nextSub uint64
	pending map[uint64]chan relay.WireMessage
	subs    map[uint64]ports.SubscriptionFunc

	done chan struct{}
}

var _ ports.SignalingChannel = (*Channel)(nil)

// Dial connects to a relay server at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *zap.SugaredLogger) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	c := &Channel{
		conn:    conn,
		logger:  logger,
		pending: make(map[uint64]chan relay.WireMessage),
		subs:    make(map[uint64]ports.SubscriptionFunc),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

func (c *Channel) readLoop() {
	defer c.shutdown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg relay.WireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnw("relay read error", "error", err)
			}
			return
		}

		switch msg.Op {
		case relay.OpAck:
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
		case relay.OpEvent:
			c.mu.Lock()
			fn := c.subs[msg.SubID]
			c.mu.Unlock()
			if fn != nil {
				fn(msg.Key, msg.Value)
			}
		}
	}
}

func (c *Channel) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// request sends msg with a fresh ID and waits for the matching ack.
func (c *Channel) request(ctx context.Context, msg relay.WireMessage) (relay.WireMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return relay.WireMessage{}, domain.ErrChannelClosed
	}
	c.nextReq++
	msg.ID = c.nextReq
	ch := make(chan relay.WireMessage, 1)
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.conn.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return relay.WireMessage{}, fmt.Errorf("write %s: %w", msg.Op, err)
	}

	timer := time.NewTimer(requestTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return relay.WireMessage{}, domain.ErrChannelClosed
		}
		if ack.Error != "" {
			return relay.WireMessage{}, errors.New(ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return relay.WireMessage{}, ctx.Err()
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
		return relay.WireMessage{}, fmt.Errorf("%s %s: ack timeout", msg.Op, msg.Path)
	case <-c.done:
		return relay.WireMessage{}, domain.ErrChannelClosed
	}
}

// Publish appends value under path and returns the server-generated key.
func (c *Channel) Publish(ctx context.Context, path string, value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	ack, err := c.request(ctx, relay.WireMessage{Op: relay.OpPush, Path: path, Value: raw})
	if err != nil {
		return "", err
	}
	return ack.Key, nil
}

// SetValue overwrites the singleton at path.
func (c *Channel) SetValue(ctx context.Context, path string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = c.request(ctx, relay.WireMessage{Op: relay.OpSet, Path: path, Value: raw})
	return err
}

// Subscribe registers fn under path. The server replays current state before
// streaming new writes.
func (c *Channel) Subscribe(ctx context.Context, path string, fn ports.SubscriptionFunc) (ports.Unsubscribe, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.ErrChannelClosed
	}
	c.nextSub++
	subID := c.nextSub
	c.subs[subID] = fn
	c.mu.Unlock()

	if _, err := c.request(ctx, relay.WireMessage{Op: relay.OpSubscribe, SubID: subID, Path: path}); err != nil {
		c.mu.Lock()
		delete(c.subs, subID)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs, subID)
			c.mu.Unlock()

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if _, err := c.request(ctx, relay.WireMessage{Op: relay.OpUnsubscribe, SubID: subID}); err != nil {
				c.logger.Debugw("unsubscribe failed", "path", path, "error", err)
			}
		})
	}, nil
}

// Remove deletes path and its subtree.
func (c *Channel) Remove(ctx context.Context, path string) error {
	_, err := c.request(ctx, relay.WireMessage{Op: relay.OpRemove, Path: path})
	return err
}

// RemoveOnDisconnect asks the server to delete path when this socket ends.
func (c *Channel) RemoveOnDisconnect(ctx context.Context, path string) error {
	_, err := c.request(ctx, relay.WireMessage{Op: relay.OpOnDisconnect, Path: path})
	return err
}

// Close ends the connection. The server runs this participant's registered
// disconnect removals on socket close.
func (c *Channel) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	c.shutdown()
	return nil
}

func (c *Channel) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pending := c.pending
	c.pending = make(map[uint64]chan relay.WireMessage)
	c.subs = make(map[uint64]ports.SubscriptionFunc)
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
	for _, ch := range pending {
		close(ch)
	}
}
