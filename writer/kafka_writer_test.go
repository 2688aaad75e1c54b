package writer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	kafka "github.com/segmentio/kafka-go"

	"hyperflow/internal/hltest"
	"hyperflow/models"
)

type fakeKafka struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafka) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeKafka) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestKafkaMirrorPublishesEnvelope(t *testing.T) {
	fake := &fakeKafka{}
	m := newKafkaMirror(fake, 16, 4, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	m.Write(models.KindOrderBook, sampleBook())
	if !hltest.WaitFor(time.Second, func() bool { return fake.count() == 1 }) {
		t.Fatalf("message not published")
	}
	if err := m.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	msg := fake.msgs[0]
	if string(msg.Key) != "BTC" {
		t.Fatalf("unexpected key %q", msg.Key)
	}
	var env struct {
		Kind   string          `json:"kind"`
		Coin   string          `json:"coin"`
		Record json.RawMessage `json:"record"`
	}
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Kind != "orderbook" || env.Coin != "BTC" || len(env.Record) == 0 {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	if !fake.closed {
		t.Fatalf("writer not closed")
	}
}

func TestKafkaMirrorDropsWhenQueueFull(t *testing.T) {
	fake := &fakeKafka{}
	m := newKafkaMirror(fake, 2, 2, nil)

	for i := 0; i < 5; i++ {
		m.Write(models.KindTrades, sampleTrade())
	}
	st := m.Stats()
	if st.Dropped != 3 || st.Records[models.KindTrades] != 2 || m.Pending() != 2 {
		t.Fatalf("unexpected stats: %+v pending=%d", st, m.Pending())
	}
	if err := m.FlushAndUpload(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
}
