package ports

import (
	"context"
	"encoding/json"
)

// Unsubscribe cancels a subscription. Safe to call more than once.
type Unsubscribe func()

// SubscriptionFunc receives one item under the subscribed path. For singleton
// paths the key is the final path segment that changed ("" when the
// subscribed path itself was set); for append paths it is the generated child
// key. A nil value signals removal. Delivery is at-least-once: consumers must
// be idempotent.
type SubscriptionFunc func(key string, value json.RawMessage)

// SignalingChannel abstracts the shared low-latency relay the participants
// coordinate through. Within one path, delivery order to subscribers matches
// write order; across paths nothing is guaranteed.
type SignalingChannel interface {
	// Publish appends value under path and returns the generated child key.
	Publish(ctx context.Context, path string, value interface{}) (string, error)

	// SetValue overwrites the singleton value at path.
	SetValue(ctx context.Context, path string, value interface{}) error

	// Subscribe delivers every current and future value under path.
	Subscribe(ctx context.Context, path string, fn SubscriptionFunc) (Unsubscribe, error)

	// Remove deletes path and everything below it.
	Remove(ctx context.Context, path string) error

	// RemoveOnDisconnect registers a relay-side deletion of path that runs
	// when this writer's connection drops, independent of any client-side
	// cleanup code. It must be registered at attach time, not teardown time.
	RemoveOnDisconnect(ctx context.Context, path string) error

	// Close releases the connection. Disconnect-registered removals fire.
	Close() error
}
