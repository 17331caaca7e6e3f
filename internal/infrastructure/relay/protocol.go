package relay

import "encoding/json"

// Wire operations exchanged between the relay server and its clients.
const (
	OpSet          = "set"
	OpPush         = "push"
	OpRemove       = "remove"
	OpSubscribe    = "subscribe"
	OpUnsubscribe  = "unsubscribe"
	OpOnDisconnect = "ondisconnect"
	OpAck          = "ack"
	OpEvent        = "event"
)

// WireMessage is the single frame type of the relay protocol. Requests carry
// an ID echoed back in the matching ack; subscription events carry the SubID
// chosen by the client.
type WireMessage struct {
	Op    string          `json:"op"`
	ID    uint64          `json:"id,omitempty"`
	SubID uint64          `json:"sub_id,omitempty"`
	Path  string          `json:"path,omitempty"`
	Key   string          `json:"key,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
	Error string          `json:"error,omitempty"`
}
