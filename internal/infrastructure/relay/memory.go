package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
)

// MemoryRelay is an in-process relay backend. Every Connect shares the same
// tree, so participants wired to the same MemoryRelay observe each other's
// writes exactly as they would through the networked server.
type MemoryRelay struct {
	tree *PathTree
}

// NewMemoryRelay returns an empty in-process relay.
func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{tree: NewPathTree()}
}

// Tree exposes the backing tree.
func (r *MemoryRelay) Tree() *PathTree {
	return r.tree
}

// Connect opens one participant's channel.
func (r *MemoryRelay) Connect() *MemoryConn {
	return &MemoryConn{tree: r.tree}
}

// MemoryConn is one participant's view of a MemoryRelay. It implements
// ports.SignalingChannel.
type MemoryConn struct {
	tree *PathTree

	mu           sync.Mutex
	closed       bool
	unsubs       []ports.Unsubscribe
	onDisconnect []string
}

var _ ports.SignalingChannel = (*MemoryConn)(nil)

func (c *MemoryConn) guard() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	return nil
}

// Publish appends value under path and returns the generated key.
func (c *MemoryConn) Publish(_ context.Context, path string, value interface{}) (string, error) {
	if err := c.guard(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode value: %w", err)
	}
	return c.tree.Push(path, raw), nil
}

// SetValue overwrites the singleton at path.
func (c *MemoryConn) SetValue(_ context.Context, path string, value interface{}) error {
	if err := c.guard(); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	c.tree.Set(path, raw)
	return nil
}

// Subscribe registers fn under path; current state is replayed first.
func (c *MemoryConn) Subscribe(_ context.Context, path string, fn ports.SubscriptionFunc) (ports.Unsubscribe, error) {
	if err := c.guard(); err != nil {
		return nil, err
	}
	unsub := c.tree.Subscribe(path, EventFunc(fn))

	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsub)
	c.mu.Unlock()
	return unsub, nil
}

// Remove deletes path and its subtree.
func (c *MemoryConn) Remove(_ context.Context, path string) error {
	if err := c.guard(); err != nil {
		return err
	}
	c.tree.Remove(path)
	return nil
}

// RemoveOnDisconnect registers path for removal when this connection ends,
// gracefully or not.
func (c *MemoryConn) RemoveOnDisconnect(_ context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	c.onDisconnect = append(c.onDisconnect, path)
	return nil
}

// Close ends the connection gracefully. Registered disconnect removals run,
// matching the networked backend's behavior on socket close.
func (c *MemoryConn) Close() error {
	c.Drop()
	return nil
}

// Drop simulates an abrupt disconnect: subscriptions stop and the registered
// disconnect removals fire, with no client-side cleanup.
func (c *MemoryConn) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	paths := c.onDisconnect
	c.unsubs = nil
	c.onDisconnect = nil
	c.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, path := range paths {
		c.tree.Remove(path)
	}
}
