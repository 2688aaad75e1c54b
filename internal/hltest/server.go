// Package hltest runs an in-process fake of the Hyperliquid WebSocket and
// info endpoints for tests.
package hltest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Subscription is a subscribe request the fake received.
type Subscription struct {
	Type string `json:"type"`
	Coin string `json:"coin"`
}

type control struct {
	Method       string        `json:"method"`
	Subscription *Subscription `json:"subscription"`
}

var errNoConnection = errors.New("hltest: no open connection")

// Server is a fake Hyperliquid endpoint pair.
type Server struct {
	ws   *httptest.Server
	rest *httptest.Server

	upgrader websocket.Upgrader

	mu            sync.Mutex
	writeMu       sync.Mutex
	conns         []*websocket.Conn
	connects      int
	subscriptions []Subscription
	pings         int
	ack           bool

	restStatus int
	restBody   string
	restDelay  time.Duration
	restCalls  int
	restBodies []string
}

// NewServer starts both endpoints. Subscriptions are acknowledged and the
// info endpoint answers 503 until SetAssetContexts is called.
func NewServer() *Server {
	s := &Server{
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		ack:        true,
		restStatus: http.StatusServiceUnavailable,
		restBody:   `{"error":"not configured"}`,
	}
	s.ws = httptest.NewServer(http.HandlerFunc(s.serveWS))
	s.rest = httptest.NewServer(http.HandlerFunc(s.serveInfo))
	return s
}

// URL is the WebSocket endpoint.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.ws.URL, "http")
}

// RESTURL is the base URL that serves /info.
func (s *Server) RESTURL() string {
	return s.rest.URL
}

func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*websocket.Conn(nil), s.conns...)
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.UnderlyingConn().Close()
	}
	s.ws.Close()
	s.rest.Close()
}

// SetAck toggles subscriptionResponse frames.
func (s *Server) SetAck(ack bool) {
	s.mu.Lock()
	s.ack = ack
	s.mu.Unlock()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.connects++
	s.mu.Unlock()

	defer s.removeConn(conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg control
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Method {
		case "ping":
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			_ = s.write(conn, []byte(`{"channel":"pong"}`))
		case "subscribe":
			if msg.Subscription == nil {
				continue
			}
			s.mu.Lock()
			s.subscriptions = append(s.subscriptions, *msg.Subscription)
			ack := s.ack
			s.mu.Unlock()
			if ack {
				reply, _ := json.Marshal(map[string]interface{}{
					"channel": "subscriptionResponse",
					"data":    map[string]interface{}{"method": "subscribe", "subscription": msg.Subscription},
				})
				_ = s.write(conn, reply)
			}
		}
	}
}

func (s *Server) removeConn(conn *websocket.Conn) {
	_ = conn.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c == conn {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// openConns waits up to a second for the upgrade handler to register a
// connection the client already sees as open.
func (s *Server) openConns() []*websocket.Conn {
	var conns []*websocket.Conn
	WaitFor(time.Second, func() bool {
		s.mu.Lock()
		conns = append([]*websocket.Conn(nil), s.conns...)
		s.mu.Unlock()
		return len(conns) > 0
	})
	return conns
}

// SendRaw writes data to every open connection.
func (s *Server) SendRaw(data []byte) error {
	conns := s.openConns()
	if len(conns) == 0 {
		return errNoConnection
	}
	for _, c := range conns {
		if err := s.write(c, data); err != nil {
			return err
		}
	}
	return nil
}

// Send writes {"channel": channel, "data": data} to every open connection.
func (s *Server) Send(channel string, data interface{}) error {
	frame, err := json.Marshal(map[string]interface{}{"channel": channel, "data": data})
	if err != nil {
		return err
	}
	return s.SendRaw(frame)
}

// DropConnections closes every open socket without a close frame.
func (s *Server) DropConnections() {
	for _, c := range s.openConns() {
		_ = c.UnderlyingConn().Close()
	}
}

func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Subscriptions() []Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Subscription(nil), s.subscriptions...)
}

func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// SetAssetContexts sets the status and body returned by POST /info.
func (s *Server) SetAssetContexts(status int, body string) {
	s.mu.Lock()
	s.restStatus = status
	s.restBody = body
	s.mu.Unlock()
}

// SetInfoDelay makes /info wait before answering.
func (s *Server) SetInfoDelay(d time.Duration) {
	s.mu.Lock()
	s.restDelay = d
	s.mu.Unlock()
}

func (s *Server) InfoCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restCalls
}

// InfoRequests returns the request bodies received by /info.
func (s *Server) InfoRequests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.restBodies...)
}

func (s *Server) serveInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || r.URL.Path != "/info" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.restCalls++
	s.restBodies = append(s.restBodies, string(body))
	status, payload, delay := s.restStatus, s.restBody, s.restDelay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, payload)
}

// AssetContextsBody builds a metaAndAssetCtxs response in the
// [meta, [{coin, ctx}]] form.
func AssetContextsBody(coin, funding, markPx, oraclePx, openInterest string) string {
	body, _ := json.Marshal([]interface{}{
		map[string]interface{}{"universe": []map[string]string{{"name": coin}}},
		[]map[string]interface{}{{
			"coin": coin,
			"ctx": map[string]string{
				"funding":      funding,
				"markPx":       markPx,
				"oraclePx":     oraclePx,
				"openInterest": openInterest,
			},
		}},
	})
	return string(body)
}

// WaitFor polls cond until it holds or timeout elapses.
func WaitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
