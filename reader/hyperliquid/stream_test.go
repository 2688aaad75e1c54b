package hyperliquid

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"hyperflow/internal/hltest"
	"hyperflow/models"
)

func newTestStream(t *testing.T, srv *hltest.Server, cfg StreamConfig) *StreamClient {
	t.Helper()
	cfg.URL = srv.URL()
	c := NewStreamClient(cfg, nil)
	t.Cleanup(func() { _ = c.Disconnect() })
	return c
}

func connect(t *testing.T, c *StreamClient) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
}

type collected struct {
	mu    sync.Mutex
	items []string
}

func (c *collected) add(s string) {
	c.mu.Lock()
	c.items = append(c.items, s)
	c.mu.Unlock()
}

func (c *collected) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.items...)
}

func TestConnectAndSubscribeStates(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})

	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected before connect, got %s", c.State())
	}
	connect(t, c)
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %s", c.State())
	}

	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "test", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if c.State() != StateSubscribed {
		t.Fatalf("expected subscribed, got %s", c.State())
	}
	if !hltest.WaitFor(time.Second, func() bool { return len(srv.Subscriptions()) == 1 }) {
		t.Fatalf("server did not receive subscription")
	}
	got := srv.Subscriptions()[0]
	if got.Type != "trades" || got.Coin != "BTC" {
		t.Fatalf("unexpected subscription: %+v", got)
	}
	if subs := c.Subscriptions(); len(subs) != 1 || subs[0] != "trades:BTC" {
		t.Fatalf("unexpected tracked subscriptions: %v", subs)
	}
}

func TestConnectFailureIsTransportError(t *testing.T) {
	c := NewStreamClient(StreamConfig{URL: "ws://127.0.0.1:1/ws", HandshakeTimeout: 200 * time.Millisecond}, nil)
	err := c.Connect(context.Background())
	var te *TransportError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after failed dial, got %s", c.State())
	}
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	c := NewStreamClient(StreamConfig{URL: "ws://unused"}, nil)
	err := c.Subscribe(context.Background(), TopicOrderBook, "BTC", "test", nil)
	var se *SubscriptionError
	if !errors.As(err, &se) || !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected SubscriptionError wrapping ErrNotConnected, got %v", err)
	}
}

func TestMalformedFrameDoesNotStopDelivery(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var got collected
	handler := TradesHandler(func(_ context.Context, trades []models.Trade) error {
		for _, tr := range trades {
			got.add(tr.Price)
		}
		return nil
	})
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "test", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := srv.SendRaw([]byte(`{not json`)); err != nil {
		t.Fatalf("send malformed: %v", err)
	}
	if err := srv.Send("trades", []map[string]interface{}{{"coin": "BTC", "side": "B", "px": "100", "sz": "1", "time": 1, "tid": 7}}); err != nil {
		t.Fatalf("send trade: %v", err)
	}

	if !hltest.WaitFor(time.Second, func() bool { return len(got.snapshot()) == 1 }) {
		t.Fatalf("expected the trade after the malformed frame to be delivered")
	}
	if c.State() != StateSubscribed {
		t.Fatalf("connection should stay subscribed, got %s", c.State())
	}
}

func TestHandlerFailureIsolation(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var got collected
	panicky := func(context.Context, Message) error { panic("boom") }
	failing := func(context.Context, Message) error { return errors.New("nope") }
	healthy := func(_ context.Context, msg Message) error {
		got.add(string(msg.Topic))
		return nil
	}

	ctx := context.Background()
	for name, fn := range map[string]HandlerFunc{"a-panic": panicky, "b-fail": failing} {
		if err := c.Subscribe(ctx, TopicOrderBook, "BTC", name, fn); err != nil {
			t.Fatalf("subscribe %s: %v", name, err)
		}
	}
	if err := c.Subscribe(ctx, TopicOrderBook, "BTC", "c-ok", healthy); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := srv.Send("l2Book", map[string]interface{}{"coin": "BTC", "time": 1, "levels": [][]interface{}{{}, {}}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if !hltest.WaitFor(time.Second, func() bool { return len(got.snapshot()) == 2 }) {
		t.Fatalf("healthy handler should see every frame, got %v", got.snapshot())
	}
}

func TestResubscribeDoesNotDuplicateDelivery(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var got collected
	handler := func(_ context.Context, msg Message) error {
		got.add(string(msg.Topic))
		return nil
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := c.Subscribe(ctx, TopicAssetContext, "BTC", "collector", handler); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	if n := c.handlers.count(TopicAssetContext); n != 1 {
		t.Fatalf("expected one registration, got %d", n)
	}

	if err := srv.Send("activeAssetCtx", map[string]interface{}{"coin": "BTC", "ctx": map[string]string{"funding": "0.0001"}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	hltest.WaitFor(300*time.Millisecond, func() bool { return len(got.snapshot()) > 1 })
	if n := len(got.snapshot()); n != 1 {
		t.Fatalf("expected exactly one delivery, got %d", n)
	}
}

func TestPerTopicOrderPreserved(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var got collected
	handler := TradesHandler(func(_ context.Context, trades []models.Trade) error {
		for _, tr := range trades {
			got.add(tr.Size)
		}
		return nil
	})
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "order", handler); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	want := []string{"1", "2", "3", "4", "5"}
	for _, sz := range want {
		if err := srv.Send("trades", []map[string]interface{}{{"coin": "BTC", "px": "1", "sz": sz, "time": 1}}); err != nil {
			t.Fatalf("send: %v", err)
		}
	}
	if !hltest.WaitFor(time.Second, func() bool { return len(got.snapshot()) == len(want) }) {
		t.Fatalf("missing trades: %v", got.snapshot())
	}
	for i, sz := range got.snapshot() {
		if sz != want[i] {
			t.Fatalf("order broken at %d: %v", i, got.snapshot())
		}
	}
}

func TestTransportClosureSignalsDone(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "x", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := c.Done()

	srv.DropConnections()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("done channel not closed after transport closure")
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if len(c.Subscriptions()) != 0 {
		t.Fatalf("subscriptions should reset with the connection")
	}
	time.Sleep(50 * time.Millisecond)
	if srv.Connects() != 1 {
		t.Fatalf("client must not reconnect on its own, connects=%d", srv.Connects())
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Disconnect(); err != nil {
				t.Errorf("disconnect: %v", err)
			}
		}()
	}
	wg.Wait()
	if err := c.Disconnect(); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", c.State())
	}
	if !hltest.WaitFor(time.Second, func() bool { return srv.OpenConnections() == 0 }) {
		t.Fatalf("server still has open connections")
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{HeartbeatInterval: 20 * time.Millisecond})
	connect(t, c)

	if !hltest.WaitFor(time.Second, func() bool { return srv.Pings() >= 2 }) {
		t.Fatalf("expected heartbeat pings, got %d", srv.Pings())
	}
}

func TestDegradedWhenDataStops(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{LivenessWindow: 50 * time.Millisecond})
	connect(t, c)
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "x", nil); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if !hltest.WaitFor(time.Second, func() bool { return c.State() == StateDegraded }) {
		t.Fatalf("expected degraded after silence, got %s", c.State())
	}

	if err := srv.Send("trades", []map[string]interface{}{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !hltest.WaitFor(time.Second, func() bool { return c.State() == StateSubscribed }) {
		t.Fatalf("expected subscribed after data resumed, got %s", c.State())
	}
}

func TestChannelStateString(t *testing.T) {
	cases := map[ChannelState]string{
		StateDisconnected: "disconnected",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateSubscribed:   "subscribed",
		StateDegraded:     "degraded",
		ChannelState(42):  "unknown",
	}
	for state, want := range cases {
		if state.String() != want {
			t.Errorf("%d: got %s want %s", state, state.String(), want)
		}
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	srv := hltest.NewServer()
	defer srv.Close()
	c := newTestStream(t, srv, StreamConfig{})
	connect(t, c)

	var kept, removed collected
	record := func(into *collected) HandlerFunc {
		return TradesHandler(func(_ context.Context, trades []models.Trade) error {
			for _, tr := range trades {
				into.add(tr.Price)
			}
			return nil
		})
	}
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "kept", record(&kept)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := c.Subscribe(context.Background(), TopicTrades, "BTC", "removed", record(&removed)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.Unregister(TopicTrades, "removed")

	if err := srv.Send("trades", []map[string]interface{}{{"coin": "BTC", "side": "A", "px": "101", "sz": "2", "time": 2, "tid": 8}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !hltest.WaitFor(time.Second, func() bool { return len(kept.snapshot()) == 1 }) {
		t.Fatalf("remaining handler not invoked")
	}
	if n := len(removed.snapshot()); n != 0 {
		t.Fatalf("unregistered handler received %d trades", n)
	}
	if c.LastFrameAt().Before(c.LastMessageAt()) {
		t.Fatalf("frame time %v before data time %v", c.LastFrameAt(), c.LastMessageAt())
	}
}
