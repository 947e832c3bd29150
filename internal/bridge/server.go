// Package bridge streams session events to local UI clients over websocket.
// It only carries state; signaling payloads never pass through it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/pastecall/internal/session"
	"github.com/1ureka/pastecall/internal/util"
)

const (
	clientQueue  = 32
	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return loopbackOrigin(r.Header.Get("Origin")) },
}

// loopbackOrigin accepts non-browser clients (no Origin) and pages served
// from this machine. Any other page is refused the session feed.
func loopbackOrigin(origin string) bool {
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Message is the JSON shape of one event.
type Message struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Role    string `json:"role,omitempty"`
	Control string `json:"control"`
	Media   string `json:"media"`
	Error   string `json:"error,omitempty"`
	Track   *Track `json:"track,omitempty"`
}

// Track describes a remote track.
type Track struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Codec string `json:"codec"`
}

func newMessage(kind string, snap session.Snapshot) Message {
	m := Message{
		Type:    kind,
		State:   snap.State.String(),
		Role:    string(snap.Role),
		Control: snap.Control.String(),
		Media:   snap.Media.String(),
	}
	if snap.LastError != nil {
		m.Error = snap.LastError.Error()
	}
	return m
}

// FromEvent converts an orchestrator event.
func FromEvent(e session.Event) Message {
	m := newMessage(e.Kind.String(), e.Session)
	if e.Err != nil {
		m.Error = e.Err.Error()
	}
	if e.Track != nil {
		m.Track = &Track{
			ID:    e.Track.ID(),
			Kind:  e.Track.Kind().String(),
			Codec: e.Track.Codec().MimeType,
		}
	}
	return m
}

type client struct {
	conn *websocket.Conn
	send chan Message
}

// Server is the local websocket event feed.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server

	mu       sync.Mutex
	clients  map[*client]struct{}
	snapshot func() session.Snapshot
	closed   bool
}

// NewServer creates a server that will listen on addr, e.g. "127.0.0.1:0".
func NewServer(addr string) *Server {
	return &Server{
		addr:    addr,
		clients: make(map[*client]struct{}),
	}
}

// Start begins listening. It returns the bound address.
func (s *Server) Start() (string, error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("failed to start bridge: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWS)
	s.http = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("bridge stopped: %v", err)
		}
	}()

	return listener.Addr().String(), nil
}

// Attach publishes every event of o and greets new clients with its current
// snapshot. The returned function detaches.
func (s *Server) Attach(o *session.Orchestrator) (cancel func()) {
	s.mu.Lock()
	s.snapshot = o.Snapshot
	s.mu.Unlock()
	return o.Subscribe(s.Publish)
}

// Publish fans e out to every client. A client whose queue is full is
// disconnected.
func (s *Server) Publish(e session.Event) {
	s.broadcast(FromEvent(e))
}

func (s *Server) broadcast(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for c := range s.clients {
		select {
		case c.send <- m:
		default:
			util.LogWarning("bridge client %s too slow, disconnecting", c.conn.RemoteAddr())
			s.dropLocked(c)
		}
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan Message, clientQueue)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	if s.snapshot != nil {
		c.send <- newMessage("snapshot", s.snapshot())
	}
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	util.LogDebug("bridge client connected: %s", conn.RemoteAddr())
	go s.writeLoop(c)
	s.readLoop(c)
}

// readLoop discards client input and detects disconnects.
func (s *Server) readLoop(c *client) {
	defer func() {
		s.mu.Lock()
		s.dropLocked(c)
		s.mu.Unlock()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()
	for m := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteJSON(m); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
}

func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

// Close disconnects every client and stops listening.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	for c := range s.clients {
		s.dropLocked(c)
	}
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}
