// Package server exposes the relay tree over websocket. One socket carries
// one participant; the socket's close, graceful or not, triggers that
// participant's registered disconnect removals.
package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"livecast/internal/infrastructure/relay"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server serves the relay protocol over websocket connections sharing one
// path tree.
type Server struct {
	tree   *relay.PathTree
	logger *zap.SugaredLogger

	mu    sync.Mutex
	conns map[*client]struct{}
}

// NewServer creates a relay server around an empty tree.
func NewServer(logger *zap.SugaredLogger) *Server {
	return &Server{
		tree:   relay.NewPathTree(),
		logger: logger,
		conns:  make(map[*client]struct{}),
	}
}

// Tree exposes the backing tree.
func (s *Server) Tree() *relay.PathTree {
	return s.tree
}

// HandleWebSocket upgrades the request and runs the connection until it
// closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	cl := &client{
		server: s,
		conn:   conn,
		send:   make(chan relay.WireMessage, sendBuffer),
		done:   make(chan struct{}),
		subs:   make(map[uint64]func()),
	}

	s.mu.Lock()
	s.conns[cl] = struct{}{}
	s.mu.Unlock()

	s.logger.Infow("relay client connected", "remote", conn.RemoteAddr().String())

	go cl.writeLoop()
	cl.readLoop()
}

// ConnectionCount reports the number of attached clients.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) detach(cl *client) {
	s.mu.Lock()
	delete(s.conns, cl)
	s.mu.Unlock()
}

// client is one websocket participant. All writes to the socket go through
// the send channel so the writer goroutine is the only one touching the
// connection.
type client struct {
	server *Server
	conn   *websocket.Conn
	send   chan relay.WireMessage

	closeOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	subs         map[uint64]func()
	onDisconnect []string
}

func (c *client) readLoop() {
	defer c.teardown()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg relay.WireMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.logger.Warnw("relay client read error", "error", err)
			}
			return
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg relay.WireMessage) {
	tree := c.server.tree

	switch msg.Op {
	case relay.OpSet:
		tree.Set(msg.Path, msg.Value)
		c.ack(msg.ID, "", "")
	case relay.OpPush:
		key := tree.Push(msg.Path, msg.Value)
		c.ack(msg.ID, key, "")
	case relay.OpRemove:
		tree.Remove(msg.Path)
		c.ack(msg.ID, "", "")
	case relay.OpSubscribe:
		c.subscribe(msg)
	case relay.OpUnsubscribe:
		c.mu.Lock()
		unsub, ok := c.subs[msg.SubID]
		delete(c.subs, msg.SubID)
		c.mu.Unlock()
		if ok {
			unsub()
		}
		c.ack(msg.ID, "", "")
	case relay.OpOnDisconnect:
		c.mu.Lock()
		c.onDisconnect = append(c.onDisconnect, msg.Path)
		c.mu.Unlock()
		c.ack(msg.ID, "", "")
	default:
		c.ack(msg.ID, "", "unknown op: "+msg.Op)
	}
}

func (c *client) subscribe(msg relay.WireMessage) {
	subID := msg.SubID
	unsub := c.server.tree.Subscribe(msg.Path, func(key string, value json.RawMessage) {
		c.enqueue(relay.WireMessage{Op: relay.OpEvent, SubID: subID, Key: key, Value: value})
	})

	c.mu.Lock()
	if prev, dup := c.subs[subID]; dup {
		prev()
	}
	c.subs[subID] = unsub
	c.mu.Unlock()

	c.ack(msg.ID, "", "")
}

func (c *client) ack(reqID uint64, key, errText string) {
	c.enqueue(relay.WireMessage{Op: relay.OpAck, ID: reqID, Key: key, Error: errText})
}

func (c *client) enqueue(msg relay.WireMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// teardown runs once when the socket ends: subscriptions are cancelled and
// the disconnect removals registered by this client are applied to the tree.
func (c *client) teardown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.server.detach(c)

		c.mu.Lock()
		subs := c.subs
		paths := c.onDisconnect
		c.subs = nil
		c.onDisconnect = nil
		c.mu.Unlock()

		for _, unsub := range subs {
			unsub()
		}
		for _, path := range paths {
			c.server.tree.Remove(path)
		}
		c.server.logger.Infow("relay client disconnected", "remote", c.conn.RemoteAddr().String())
	})
}
