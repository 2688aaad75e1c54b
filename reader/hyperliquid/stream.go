package hyperliquid

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"hyperflow/internal/metrics"
	"hyperflow/logger"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultHandshakeTimeout  = 10 * time.Second
	defaultWriteTimeout      = 5 * time.Second
	closeWait                = 2 * time.Second
)

var errConnectInProgress = errors.New("connect already in progress")

// StreamConfig configures a StreamClient. Zero durations fall back to the
// package defaults; a zero LivenessWindow disables Degraded reporting.
type StreamConfig struct {
	URL               string
	UserAgent         string
	HeartbeatInterval time.Duration
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	LivenessWindow    time.Duration
	ReadLimit         int64
}

// session is one physical connection. Its done channel closes when the
// listen loop for that connection returns.
type session struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
}

// StreamClient is a single Hyperliquid WebSocket connection. It never
// reconnects on its own: when the socket drops, State becomes Disconnected
// and the channel returned by Done closes.
type StreamClient struct {
	cfg      StreamConfig
	dialer   *websocket.Dialer
	log      *logger.Log
	handlers *registry

	mu    sync.RWMutex
	state ChannelState
	sess  *session
	subs  map[subscription]struct{}

	writeMu   sync.Mutex
	lastData  atomic.Int64
	lastFrame atomic.Int64
}

func NewStreamClient(cfg StreamConfig, log *logger.Log) *StreamClient {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &StreamClient{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:      log,
		handlers: newRegistry(),
		state:    StateDisconnected,
		subs:     make(map[subscription]struct{}),
	}
}

func (c *StreamClient) entry() *logger.Entry {
	return c.log.WithComponent("hyperliquid_stream").WithField("url", c.cfg.URL)
}

// Connect dials the endpoint and starts the listen and heartbeat loops.
// Calling it on an open connection is a no-op.
func (c *StreamClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.sess != nil {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateConnecting {
		c.mu.Unlock()
		return &TransportError{Op: "dial", URL: c.cfg.URL, Err: errConnectInProgress}
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	header := http.Header{}
	if c.cfg.UserAgent != "" {
		header.Set("User-Agent", c.cfg.UserAgent)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateDisconnected)
		c.mu.Unlock()
		return &TransportError{Op: "dial", URL: c.cfg.URL, Err: err}
	}
	if c.cfg.ReadLimit > 0 {
		conn.SetReadLimit(c.cfg.ReadLimit)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{conn: conn, ctx: sessCtx, cancel: cancel, done: make(chan struct{})}

	now := time.Now().UnixNano()
	c.lastData.Store(now)
	c.lastFrame.Store(now)

	c.mu.Lock()
	c.sess = s
	c.subs = make(map[subscription]struct{})
	c.setStateLocked(StateConnected)
	c.mu.Unlock()

	go c.listen(s)
	go c.heartbeat(s)

	c.entry().Info("connected to hyperliquid websocket")
	return nil
}

// Subscribe sends a subscribe request for (topic, coin) and registers fn
// under name for that topic. A name already registered for the topic is
// replaced, so replaying subscriptions after a reconnect never delivers a
// frame twice. A nil fn only sends the request.
func (c *StreamClient) Subscribe(ctx context.Context, topic Topic, coin, name string, fn HandlerFunc) error {
	if err := ctx.Err(); err != nil {
		return &SubscriptionError{Topic: topic, Coin: coin, Err: err}
	}

	c.mu.RLock()
	s := c.sess
	c.mu.RUnlock()
	if s == nil {
		return &SubscriptionError{Topic: topic, Coin: coin, Err: ErrNotConnected}
	}

	if fn != nil {
		if c.handlers.register(topic, name, fn) {
			c.entry().WithFields(logger.Fields{"topic": topic, "handler": name}).Debug("replaced handler registration")
		}
	}

	if err := c.writeJSON(ctx, s, subscribeRequest(topic, coin)); err != nil {
		return &SubscriptionError{Topic: topic, Coin: coin, Err: &TransportError{Op: "write", URL: c.cfg.URL, Err: err}}
	}

	c.mu.Lock()
	if c.sess == s {
		c.subs[subscription{Type: topic, Coin: coin}] = struct{}{}
		if c.state == StateConnected {
			c.setStateLocked(StateSubscribed)
		}
	}
	c.mu.Unlock()

	c.entry().WithFields(logger.Fields{"topic": topic, "coin": coin}).Info("subscription requested")
	return nil
}

// Unregister removes a handler without touching the server-side subscription.
func (c *StreamClient) Unregister(topic Topic, name string) {
	c.handlers.remove(topic, name)
}

// Disconnect closes the connection and waits briefly for the listen loop.
// It is safe to call concurrently and more than once.
func (c *StreamClient) Disconnect() error {
	c.mu.Lock()
	s := c.sess
	c.sess = nil
	c.subs = make(map[subscription]struct{})
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if s == nil {
		return nil
	}
	s.closing.Store(true)
	s.cancel()
	_ = s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	_ = s.conn.Close()

	select {
	case <-s.done:
	case <-time.After(closeWait):
		c.entry().Warn("listen loop did not exit after close")
	}

	c.entry().Info("disconnected from hyperliquid websocket")
	return nil
}

// State reports the channel state. A subscribed connection with no topic data
// inside the liveness window reports StateDegraded.
func (c *StreamClient) State() ChannelState {
	c.mu.RLock()
	state := c.state
	c.mu.RUnlock()

	if state == StateSubscribed && c.cfg.LivenessWindow > 0 {
		if time.Since(c.LastMessageAt()) > c.cfg.LivenessWindow {
			return StateDegraded
		}
	}
	return state
}

// Done returns a channel closed when the current connection ends. With no
// connection the returned channel is already closed.
func (c *StreamClient) Done() <-chan struct{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sess == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.sess.done
}

// LastMessageAt is the receive time of the latest topic frame.
func (c *StreamClient) LastMessageAt() time.Time {
	return time.Unix(0, c.lastData.Load())
}

// LastFrameAt is the receive time of the latest frame of any kind.
func (c *StreamClient) LastFrameAt() time.Time {
	return time.Unix(0, c.lastFrame.Load())
}

// Subscriptions lists the (topic, coin) pairs requested on this connection.
func (c *StreamClient) Subscriptions() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, fmt.Sprintf("%s:%s", s.Type, s.Coin))
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

func (c *StreamClient) setStateLocked(state ChannelState) {
	c.state = state
	metrics.SetChannelState(int(state))
}

func (c *StreamClient) writeJSON(ctx context.Context, s *session, v interface{}) error {
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return s.conn.WriteJSON(v)
}

func (c *StreamClient) listen(s *session) {
	defer func() {
		s.cancel()
		_ = s.conn.Close()
		c.mu.Lock()
		if c.sess == s {
			c.sess = nil
			c.subs = make(map[subscription]struct{})
			c.setStateLocked(StateDisconnected)
		}
		c.mu.Unlock()
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closing.Load() {
				c.entry().WithError(&TransportError{Op: "read", URL: c.cfg.URL, Err: err}).Warn("hyperliquid websocket closed")
			}
			return
		}
		now := time.Now()
		c.lastFrame.Store(now.UnixNano())
		logger.IncrementStreamRead(len(data))
		c.dispatch(s.ctx, data, now)
	}
}

func (c *StreamClient) dispatch(ctx context.Context, data []byte, receivedAt time.Time) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.entry().WithError(&DecodeError{Err: err}).Warn("dropping undecodable frame")
		return
	}
	metrics.IncrementFrame(env.Channel)

	switch env.Channel {
	case channelSubscriptionResponse:
		c.entry().WithField("data", string(env.Data)).Debug("subscription acknowledged")
	case channelPong:
	case channelError:
		c.entry().WithField("data", string(env.Data)).Warn("hyperliquid reported an error")
	case string(TopicTrades), string(TopicOrderBook), string(TopicAssetContext):
		c.lastData.Store(receivedAt.UnixNano())
		msg := Message{Topic: Topic(env.Channel), Data: env.Data, ReceivedAt: receivedAt}
		for _, reg := range c.handlers.handlers(msg.Topic) {
			c.invoke(ctx, reg, msg)
		}
	default:
		c.entry().WithField("channel", env.Channel).Debug("ignoring unknown channel")
	}
}

// invoke runs one handler; a failure or panic is logged and contained.
func (c *StreamClient) invoke(ctx context.Context, reg registration, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.entry().WithFields(logger.Fields{"topic": msg.Topic, "handler": reg.name, "panic": fmt.Sprint(r)}).Error("handler panicked")
		}
	}()
	if err := reg.fn(ctx, msg); err != nil {
		c.entry().WithError(err).WithFields(logger.Fields{"topic": msg.Topic, "handler": reg.name}).Warn("handler failed")
	}
}

func (c *StreamClient) heartbeat(s *session) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeJSON(s.ctx, s, pingRequest); err != nil {
				if !s.closing.Load() {
					c.entry().WithError(err).Warn("failed to send heartbeat; closing connection")
				}
				_ = s.conn.Close()
				return
			}
		}
	}
}
