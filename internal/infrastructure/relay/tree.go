// Package relay holds the shared state and wire protocol of the signaling
// relay: a tree of logical paths carrying singleton values and append-only
// lists, with ordered per-path subscriptions.
package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// ListItem is one appended child under a path.
type ListItem struct {
	Key   string
	Value json.RawMessage
}

// EventFunc receives one tree event. A nil value signals removal.
type EventFunc func(key string, value json.RawMessage)

// PathTree is the relay's state. Within one path, events reach each
// subscriber in write order; subscribers at a parent path see direct-child
// singleton writes keyed by the child segment.
type PathTree struct {
	mu      sync.Mutex
	values  map[string]json.RawMessage
	lists   map[string][]ListItem
	subs    map[string]map[uint64]*subscription
	nextSub uint64
	nextKey uint64
}

// NewPathTree returns an empty tree.
func NewPathTree() *PathTree {
	return &PathTree{
		values: make(map[string]json.RawMessage),
		lists:  make(map[string][]ListItem),
		subs:   make(map[string]map[uint64]*subscription),
	}
}

func splitPath(path string) (parent, base string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

// Set overwrites the singleton value at path.
func (t *PathTree) Set(path string, value json.RawMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.values[path] = value
	t.notify(path, "", value)
	parent, base := splitPath(path)
	if parent != "" {
		t.notify(parent, base, value)
	}
}

// Push appends value under path and returns the generated child key. Keys
// sort in insertion order.
func (t *PathTree) Push(path string, value json.RawMessage) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextKey++
	key := fmt.Sprintf("k%012d", t.nextKey)
	t.lists[path] = append(t.lists[path], ListItem{Key: key, Value: value})
	t.notify(path, key, value)
	return key
}

// Remove deletes path and its whole subtree, notifying affected subscribers
// with nil values.
func (t *PathTree) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prefix := path + "/"
	for p := range t.values {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(t.values, p)
			t.notify(p, "", nil)
			parent, base := splitPath(p)
			if parent != "" {
				t.notify(parent, base, nil)
			}
		}
	}
	for p := range t.lists {
		if p == path || strings.HasPrefix(p, prefix) {
			delete(t.lists, p)
			t.notify(p, "", nil)
		}
	}
}

// Subscribe registers fn for every current and future value under path and
// returns a cancel function. Current state is replayed before new writes are
// delivered.
func (t *PathTree) Subscribe(path string, fn EventFunc) func() {
	sub := newSubscription(fn)

	t.mu.Lock()
	// Replay, in a stable order: the path's own singleton, direct child
	// singletons, then appended items.
	if v, ok := t.values[path]; ok {
		sub.enqueue(event{key: "", value: v})
	}
	prefix := path + "/"
	for p, v := range t.values {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			sub.enqueue(event{key: p[len(prefix):], value: v})
		}
	}
	for _, item := range t.lists[path] {
		sub.enqueue(event{key: item.Key, value: item.Value})
	}

	t.nextSub++
	id := t.nextSub
	if t.subs[path] == nil {
		t.subs[path] = make(map[uint64]*subscription)
	}
	t.subs[path][id] = sub
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs[path], id)
			t.mu.Unlock()
			sub.close()
		})
	}
}

// notify must run with t.mu held so per-path ordering is preserved.
func (t *PathTree) notify(path, key string, value json.RawMessage) {
	for _, sub := range t.subs[path] {
		sub.enqueue(event{key: key, value: value})
	}
}

type event struct {
	key   string
	value json.RawMessage
}

// subscription decouples delivery from the tree lock: events are appended to
// an ordered queue and drained by a dedicated goroutine, so a callback that
// writes back into the tree cannot deadlock.
type subscription struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []event
	closed bool
	fn     EventFunc
}

func newSubscription(fn EventFunc) *subscription {
	s := &subscription{fn: fn}
	s.cond = sync.NewCond(&s.mu)
	go s.drain()
	return s
}

func (s *subscription) enqueue(ev event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscription) drain() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed && len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(ev.key, ev.value)
	}
}
