package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	appconfig "hyperflow/config"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
	"hyperflow/models"
	"hyperflow/reader/hyperliquid"
	"hyperflow/writer"
)

const (
	collectorComponent = "collector"
	handlerName        = "collector"

	defaultShutdownGrace = 5 * time.Second
	bucketStatsTimeout   = 10 * time.Second
)

var (
	ErrAlreadyRunning  = errors.New("collector already running")
	ErrShutdownTimeout = errors.New("collector tasks did not finish within shutdown grace")
)

// ProcessState is the collector's own lifecycle, independent of the
// connection state reported by the stream.
type ProcessState int32

const (
	StateIdle ProcessState = iota
	StateStarting
	StateRunning
	StateReconnecting
	StateStopping
)

func (s ProcessState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReconnecting:
		return "reconnecting"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Stream is the streaming channel as the collector drives it.
type Stream interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, topic hyperliquid.Topic, coin, name string, fn hyperliquid.HandlerFunc) error
	Unregister(topic hyperliquid.Topic, name string)
	Disconnect() error
	State() hyperliquid.ChannelState
	Done() <-chan struct{}
	LastMessageAt() time.Time
	LastFrameAt() time.Time
	Subscriptions() []string
}

// Poller fetches the current asset context over REST.
type Poller interface {
	FetchContext(ctx context.Context, coin string) (models.AssetContext, error)
}

// BucketReporter summarises what has already reached remote storage.
type BucketReporter interface {
	BucketStats(ctx context.Context) (writer.BucketStats, error)
}

// Status is a point-in-time view of the collector.
type Status struct {
	State                ProcessState             `json:"state"`
	Channel              hyperliquid.ChannelState `json:"channel"`
	Coin                 string                   `json:"coin"`
	StartedAt            time.Time                `json:"started_at,omitempty"`
	Reconnects           int64                    `json:"reconnects"`
	Subscriptions        []string                 `json:"subscriptions"`
	LastMessageAt        time.Time                `json:"last_message_at,omitempty"`
	LastFrameAt          time.Time                `json:"last_frame_at,omitempty"`
	LastFundingPoll      time.Time                `json:"last_funding_poll,omitempty"`
	LastOpenInterestPoll time.Time                `json:"last_open_interest_poll,omitempty"`
	LastFlush            time.Time                `json:"last_flush,omitempty"`
	Forwarded            map[models.Kind]int64    `json:"forwarded"`
	Filtered             int64                    `json:"filtered"`
	PollErrors           int64                    `json:"poll_errors"`
	FlushErrors          int64                    `json:"flush_errors"`
	LatestContext        *models.AssetContext     `json:"latest_context,omitempty"`
	Sink                 writer.SinkStats         `json:"sink"`
}

// Collector keeps one instrument's streams subscribed, polls funding and
// open interest on their own schedules and flushes the sink periodically.
// Every task has its own ticker; a failure in one never stalls the others.
type Collector struct {
	cfg    *appconfig.Config
	coin   string
	stream Stream
	poller Poller
	sink   writer.Sink
	log    *logger.Log

	mu        sync.Mutex
	state     ProcessState
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	reconnects  atomic.Int64
	filtered    atomic.Int64
	pollErrors  atomic.Int64
	flushErrors atomic.Int64
	forwarded   map[models.Kind]*atomic.Int64

	lastFunding atomic.Int64
	lastOI      atomic.Int64
	lastFlush   atomic.Int64

	latestMu sync.RWMutex
	latest   *models.AssetContext

	bucket BucketReporter
}

func NewCollector(cfg *appconfig.Config, stream Stream, poller Poller, sink writer.Sink, log *logger.Log) *Collector {
	if log == nil {
		log = logger.GetLogger()
	}
	forwarded := make(map[models.Kind]*atomic.Int64, len(models.Kinds))
	for _, k := range models.Kinds {
		forwarded[k] = &atomic.Int64{}
	}
	return &Collector{
		cfg:       cfg,
		coin:      cfg.Source.Hyperliquid.Coin,
		stream:    stream,
		poller:    poller,
		sink:      sink,
		log:       log,
		state:     StateIdle,
		forwarded: forwarded,
	}
}

// SetBucketReporter adds remote storage totals to LogStatus. Call it before
// Start.
func (c *Collector) SetBucketReporter(r BucketReporter) {
	c.bucket = r
}

func (c *Collector) entry() *logger.Entry {
	return c.log.WithComponent(collectorComponent).WithField("coin", c.coin)
}

// Start launches the connection lifecycle and the poll, flush and status
// tasks, then returns without waiting for the first connection.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.startedAt = time.Now()
	c.state = StateStarting
	done := c.done
	c.mu.Unlock()

	c.entry().WithFields(logger.Fields{
		"funding_interval":       c.cfg.Poll.FundingRateInterval.String(),
		"open_interest_interval": c.cfg.Poll.OpenInterestInterval.String(),
		"flush_interval":         c.cfg.Storage.S3.UploadInterval.String(),
	}).Info("starting collector")

	wg := &sync.WaitGroup{}
	wg.Add(4)
	go c.lifecycle(runCtx, wg)
	go c.pollLoop(runCtx, wg, models.KindFundingRate, c.cfg.Poll.FundingRateInterval, &c.lastFunding)
	go c.pollLoop(runCtx, wg, models.KindOpenInterest, c.cfg.Poll.OpenInterestInterval, &c.lastOI)
	go c.flushLoop(runCtx, wg)
	if c.cfg.Collector.StatusInterval > 0 {
		wg.Add(1)
		go c.statusReporter(runCtx, wg)
	}

	go func() {
		wg.Wait()
		close(done)
	}()
	return nil
}

// Stop cancels every task, disconnects the stream and waits up to the
// shutdown grace. It is safe in any state and safe to call twice; the
// collector is Idle afterwards even when a task had to be abandoned.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateIdle || c.state == StateStopping {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	log := c.entry()
	log.Info("stopping collector")

	cancel()
	_ = c.stream.Disconnect()

	wait := c.cfg.Collector.ShutdownGrace
	if wait <= 0 {
		wait = defaultShutdownGrace
	}
	var err error
	grace := time.NewTimer(wait)
	defer grace.Stop()
	select {
	case <-done:
	case <-grace.C:
		err = ErrShutdownTimeout
	case <-ctx.Done():
		err = fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
	if err != nil {
		log.WithError(err).Warn("abandoning unfinished collector tasks")
	}
	for _, topic := range hyperliquid.Topics {
		c.stream.Unregister(topic, handlerName)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.cancel = nil
	c.mu.Unlock()

	log.Info("collector stopped")
	return err
}

func (c *Collector) State() ProcessState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// transition moves to next unless a stop is in progress.
func (c *Collector) transition(next ProcessState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopping || c.state == StateIdle {
		return
	}
	c.state = next
}

func (c *Collector) lifecycle(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer c.stream.Disconnect()

	for {
		c.transition(StateStarting)
		if err := c.establish(ctx); err != nil {
			return
		}
		c.transition(StateRunning)

		reason := c.supervise(ctx)
		if ctx.Err() != nil {
			return
		}

		c.transition(StateReconnecting)
		c.reconnects.Add(1)
		metrics.IncrementReconnect()
		c.entry().WithFields(logger.Fields{
			"reason":     reason,
			"reconnects": c.reconnects.Load(),
			"delay":      c.cfg.Stream.ReconnectDelay.String(),
		}).Warn("stream lost, reconnecting")

		_ = c.stream.Disconnect()
		select {
		case <-ctx.Done():
			return
		case <-time.After(c.cfg.Stream.ReconnectDelay):
		}
	}
}

// establish connects and subscribes every topic, retrying forever with a
// fixed delay. It only fails when ctx ends.
func (c *Collector) establish(ctx context.Context) error {
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := c.stream.Connect(ctx); err != nil {
			return err
		}
		for _, topic := range hyperliquid.Topics {
			if err := c.stream.Subscribe(ctx, topic, c.coin, handlerName, c.handler(topic)); err != nil {
				_ = c.stream.Disconnect()
				return err
			}
		}
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.entry().WithError(err).WithField("retry_in", next.String()).Warn("failed to establish stream")
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.Stream.ReconnectDelay), ctx)
	start := time.Now()
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		return err
	}
	logger.LogPerformanceEntry(c.entry(), collectorComponent, "establish_stream", time.Since(start), logger.Fields{
		"topics": len(hyperliquid.Topics),
	})
	return nil
}

// supervise blocks until the connection ends, stays degraded past the
// grace period, or ctx is cancelled. It returns why it gave up.
func (c *Collector) supervise(ctx context.Context) string {
	interval := c.cfg.Stream.SupervisorInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	done := c.stream.Done()
	var degradedSince time.Time
	for {
		select {
		case <-ctx.Done():
			return ""
		case <-done:
			return "connection closed"
		case <-ticker.C:
			switch c.stream.State() {
			case hyperliquid.StateDisconnected:
				return "connection closed"
			case hyperliquid.StateDegraded:
				if degradedSince.IsZero() {
					degradedSince = time.Now()
					c.entry().Warn("stream degraded, no data within liveness window")
					continue
				}
				if time.Since(degradedSince) > c.cfg.Stream.DegradedGrace {
					return "degraded past grace period"
				}
			default:
				degradedSince = time.Time{}
			}
		}
	}
}

func (c *Collector) handler(topic hyperliquid.Topic) hyperliquid.HandlerFunc {
	switch topic {
	case hyperliquid.TopicTrades:
		return hyperliquid.TradesHandler(c.onTrades)
	case hyperliquid.TopicOrderBook:
		return hyperliquid.BookHandler(c.onBook)
	default:
		return hyperliquid.AssetContextHandler(c.onAssetContext)
	}
}

// accept reports whether coin is the collected instrument. label names the
// feed in the filtered metric.
func (c *Collector) accept(label, coin string) bool {
	if coin == c.coin {
		return true
	}
	c.filtered.Add(1)
	metrics.IncrementFiltered(label)
	c.entry().WithFields(logger.Fields{"feed": label, "received": coin}).Debug("dropping record for other instrument")
	return false
}

func (c *Collector) forward(kind models.Kind, record models.Record, source models.Source) {
	c.sink.Write(kind, record)
	c.forwarded[kind].Add(1)
	metrics.IncrementForwarded(string(kind), string(source))
}

func (c *Collector) onTrades(_ context.Context, trades []models.Trade) error {
	for _, t := range trades {
		if !c.accept(string(hyperliquid.TopicTrades), t.Coin) {
			continue
		}
		c.forward(models.KindTrades, t, models.SourceStream)
	}
	return nil
}

func (c *Collector) onBook(_ context.Context, book models.OrderBook) error {
	if !c.accept(string(hyperliquid.TopicOrderBook), book.Coin) {
		return nil
	}
	c.forward(models.KindOrderBook, book, models.SourceStream)
	return nil
}

func (c *Collector) onAssetContext(_ context.Context, asset models.AssetContext) error {
	if !c.accept(string(hyperliquid.TopicAssetContext), asset.Coin) {
		return nil
	}
	c.setLatest(asset)
	c.forward(models.KindFundingRate, asset, models.SourceStream)
	c.forward(models.KindOpenInterest, asset, models.SourceStream)
	return nil
}

func (c *Collector) setLatest(asset models.AssetContext) {
	c.latestMu.Lock()
	c.latest = &asset
	c.latestMu.Unlock()
}

func (c *Collector) pollLoop(ctx context.Context, wg *sync.WaitGroup, kind models.Kind, interval time.Duration, cursor *atomic.Int64) {
	defer wg.Done()
	if interval <= 0 {
		c.entry().WithField("kind", kind).Warn("poll interval not set, polling disabled")
		return
	}
	c.poll(ctx, kind, cursor)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx, kind, cursor)
		}
	}
}

func (c *Collector) poll(ctx context.Context, kind models.Kind, cursor *atomic.Int64) {
	asset, err := c.poller.FetchContext(ctx, c.coin)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.pollErrors.Add(1)
		metrics.IncrementPollError(string(kind))
		c.entry().WithError(err).WithField("kind", kind).Warn("poll failed")
		return
	}
	if !c.accept(string(kind), asset.Coin) {
		return
	}
	cursor.Store(time.Now().UnixNano())
	c.setLatest(asset)
	c.forward(kind, asset, models.SourcePoll)
}

func (c *Collector) flushLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := c.cfg.Storage.S3.UploadInterval
	if interval <= 0 {
		c.entry().Warn("flush interval not set, periodic flush disabled")
		return
	}
	_ = c.Flush(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.Flush(ctx)
		}
	}
}

// Flush runs one FlushAndUpload on the sink and records the outcome.
func (c *Collector) Flush(ctx context.Context) error {
	start := time.Now()
	err := c.sink.FlushAndUpload(ctx)
	metrics.IncrementFlush(err == nil)
	if err != nil {
		c.flushErrors.Add(1)
		c.entry().WithError(err).Warn("flush and upload failed")
		return err
	}
	c.lastFlush.Store(time.Now().UnixNano())
	logger.LogPerformanceEntry(c.entry(), collectorComponent, "flush_and_upload", time.Since(start), nil)
	return nil
}

func (c *Collector) statusReporter(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(c.cfg.Collector.StatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.LogStatus()
		}
	}
}

// LogStatus writes the current status as one structured log line.
func (c *Collector) LogStatus() {
	st := c.Status()
	fields := logger.Fields{
		"state":         st.State.String(),
		"channel":       st.Channel.String(),
		"reconnects":    st.Reconnects,
		"subscriptions": st.Subscriptions,
		"filtered":      st.Filtered,
		"poll_errors":   st.PollErrors,
		"flush_errors":  st.FlushErrors,
		"sink_errors":   st.Sink.Errors,
	}
	for kind, n := range st.Forwarded {
		fields["forwarded_"+string(kind)] = n
	}
	if !st.StartedAt.IsZero() {
		fields["uptime"] = time.Since(st.StartedAt).Truncate(time.Second).String()
	}
	if st.LatestContext != nil {
		fields["funding"] = st.LatestContext.Funding
		fields["mark_price"] = st.LatestContext.MarkPrice
		fields["open_interest"] = st.LatestContext.OpenInterest
	}
	if c.bucket != nil {
		ctx, cancel := context.WithTimeout(context.Background(), bucketStatsTimeout)
		bs, err := c.bucket.BucketStats(ctx)
		cancel()
		if err != nil {
			fields["s3_error"] = err.Error()
		} else {
			fields["s3_bucket"] = bs.Bucket
			fields["s3_objects"] = bs.Objects
			fields["s3_bytes"] = bs.TotalBytes
			if bs.LatestKey != "" {
				fields["s3_latest_key"] = bs.LatestKey
				fields["s3_latest_at"] = bs.LatestAt
			}
		}
	}
	c.entry().WithFields(fields).Info("collector status")
}

func (c *Collector) Status() Status {
	c.mu.Lock()
	state, startedAt := c.state, c.startedAt
	c.mu.Unlock()

	st := Status{
		State:                state,
		Channel:              c.stream.State(),
		Coin:                 c.coin,
		Reconnects:           c.reconnects.Load(),
		Subscriptions:        c.stream.Subscriptions(),
		Filtered:             c.filtered.Load(),
		PollErrors:           c.pollErrors.Load(),
		FlushErrors:          c.flushErrors.Load(),
		LastFundingPoll:      unixTime(c.lastFunding.Load()),
		LastOpenInterestPoll: unixTime(c.lastOI.Load()),
		LastFlush:            unixTime(c.lastFlush.Load()),
		Forwarded:            make(map[models.Kind]int64, len(c.forwarded)),
		Sink:                 c.sink.Stats(),
	}
	if state != StateIdle {
		st.StartedAt = startedAt
		st.LastMessageAt = unixTime(c.stream.LastMessageAt().UnixNano())
		st.LastFrameAt = unixTime(c.stream.LastFrameAt().UnixNano())
	}
	for kind, n := range c.forwarded {
		st.Forwarded[kind] = n.Load()
	}
	c.latestMu.RLock()
	if c.latest != nil {
		latest := *c.latest
		st.LatestContext = &latest
	}
	c.latestMu.RUnlock()
	return st
}

func unixTime(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
