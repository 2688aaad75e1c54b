package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	kafka "github.com/segmentio/kafka-go"

	appconfig "hyperflow/config"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
	"hyperflow/models"
)

const kafkaComponent = "kafka_mirror"

// messageWriter is the part of kafka.Writer the mirror uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type kafkaEnvelope struct {
	Kind     models.Kind   `json:"kind"`
	Coin     string        `json:"coin"`
	Time     time.Time     `json:"time"`
	Record   models.Record `json:"record"`
	Produced time.Time     `json:"produced_at"`
}

// KafkaMirror publishes every record as JSON to one topic. Write only
// enqueues; a full queue drops the record.
type KafkaMirror struct {
	writer    messageWriter
	queue     chan kafka.Message
	batchSize int
	log       *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	records map[models.Kind]*atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
	errors  atomic.Int64
}

func NewKafkaMirror(cfg appconfig.KafkaConfig, log *logger.Log) (*KafkaMirror, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	m := newKafkaMirror(w, cfg.Buffer, cfg.BatchSize, log)
	m.log.WithComponent(kafkaComponent).WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Info("kafka mirror initialized")
	return m, nil
}

func newKafkaMirror(w messageWriter, buffer, batchSize int, log *logger.Log) *KafkaMirror {
	if log == nil {
		log = logger.GetLogger()
	}
	if buffer <= 0 {
		buffer = 1024
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &KafkaMirror{
		writer:    w,
		queue:     make(chan kafka.Message, buffer),
		batchSize: batchSize,
		log:       log,
		records:   newKindCounters(),
	}
}

// Start launches the publishing goroutine.
func (m *KafkaMirror) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("kafka mirror already running")
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.running = true
	go m.run(ctx)
	return nil
}

func (m *KafkaMirror) run(ctx context.Context) {
	defer close(m.done)
	batch := make([]kafka.Message, 0, m.batchSize)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			batch = append(batch[:0], msg)
		drain:
			for len(batch) < m.batchSize {
				select {
				case next := <-m.queue:
					batch = append(batch, next)
				default:
					break drain
				}
			}
			m.publish(ctx, batch)
		}
	}
}

func (m *KafkaMirror) publish(ctx context.Context, batch []kafka.Message) {
	if err := m.writer.WriteMessages(ctx, batch...); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		m.errors.Add(1)
		m.log.WithComponent(kafkaComponent).WithError(err).WithFields(logger.Fields{
			"messages": len(batch),
		}).Warn("failed to write messages")
		return
	}
	m.sent.Add(int64(len(batch)))
}

func (m *KafkaMirror) Write(kind models.Kind, record models.Record) {
	value, err := json.Marshal(kafkaEnvelope{
		Kind:     kind,
		Coin:     record.Instrument(),
		Time:     record.EventTime(),
		Record:   record,
		Produced: time.Now().UTC(),
	})
	if err != nil {
		m.errors.Add(1)
		m.log.WithComponent(kafkaComponent).WithError(&SinkError{Sink: kafkaComponent, Op: "marshal", Kind: kind, Err: err}).Warn("failed to marshal record")
		return
	}
	msg := kafka.Message{
		Key:     []byte(record.Instrument()),
		Value:   value,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(kind)}},
	}
	select {
	case m.queue <- msg:
		if c, ok := m.records[kind]; ok {
			c.Add(1)
		}
	default:
		m.dropped.Add(1)
		metrics.EmitDropMetric(m.log, metrics.DropMetricKafkaQueue, kafkaComponent, string(kind), record.Instrument())
	}
}

// FlushAndUpload reports the publishing backlog; delivery itself is
// continuous.
func (m *KafkaMirror) FlushAndUpload(context.Context) error {
	if pending := len(m.queue); pending > 0 {
		m.log.WithComponent(kafkaComponent).WithFields(logger.Fields{"pending": pending}).Debug("kafka backlog")
	}
	return nil
}

// Pending is the number of queued, unpublished messages.
func (m *KafkaMirror) Pending() int { return len(m.queue) }

func (m *KafkaMirror) Stats() SinkStats {
	return SinkStats{
		Name:    kafkaComponent,
		Records: countsSnapshot(m.records),
		Uploads: m.sent.Load(),
		Errors:  m.errors.Load(),
		Dropped: m.dropped.Load(),
	}
}

// Stop ends the publishing goroutine and closes the Kafka writer.
func (m *KafkaMirror) Stop() error {
	m.mu.Lock()
	running := m.running
	m.running = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if running {
		cancel()
		<-done
	}
	m.log.WithComponent(kafkaComponent).Debug("kafka mirror stopped")
	return m.writer.Close()
}
