package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	"hyperflow/internal/metadata"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
	"hyperflow/models"
)

const (
	parquetComponent = "parquet_archiver"
	// maxArchiveBuffer bounds the records held per kind between flushes,
	// including records requeued after a failed upload.
	maxArchiveBuffer = 200000
)

type tradeRow struct {
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Coin      string `parquet:"name=coin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side      string `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price     string `parquet:"name=price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Size      string `parquet:"name=size, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID   int64  `parquet:"name=trade_id, type=INT64"`
	Buyer     string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller    string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash      string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Crossed   bool   `parquet:"name=crossed, type=BOOLEAN"`
}

type bookRow struct {
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
	Coin      string `parquet:"name=coin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Bids      string `parquet:"name=bids, type=BYTE_ARRAY, convertedtype=UTF8"`
	Asks      string `parquet:"name=asks, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidPrice  string `parquet:"name=bid_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskPrice  string `parquet:"name=ask_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	BidSize   string `parquet:"name=bid_size, type=BYTE_ARRAY, convertedtype=UTF8"`
	AskSize   string `parquet:"name=ask_size, type=BYTE_ARRAY, convertedtype=UTF8"`
	Spread    string `parquet:"name=spread, type=BYTE_ARRAY, convertedtype=UTF8"`
}

type contextRow struct {
	Timestamp    int64  `parquet:"name=timestamp, type=INT64"`
	Coin         string `parquet:"name=coin, type=BYTE_ARRAY, convertedtype=UTF8"`
	Funding      string `parquet:"name=funding_rate, type=BYTE_ARRAY, convertedtype=UTF8"`
	MarkPrice    string `parquet:"name=mark_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	OraclePrice  string `parquet:"name=oracle_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	OpenInterest string `parquet:"name=open_interest, type=BYTE_ARRAY, convertedtype=UTF8"`
	Premium      string `parquet:"name=premium, type=BYTE_ARRAY, convertedtype=UTF8"`
	MidPrice     string `parquet:"name=mid_price, type=BYTE_ARRAY, convertedtype=UTF8"`
	Source       string `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memFile is an in-memory source.ParquetFile; the writer only appends.
type memFile struct {
	buf *bytes.Buffer
}

func newMemFile() *memFile { return &memFile{buf: &bytes.Buffer{}} }

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buf.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, errors.New("read not supported") }
func (m *memFile) Write(b []byte) (int, error)               { return m.buf.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buf.Bytes() }

// ObjectPutter stores a finished object under key.
type ObjectPutter interface {
	PutObject(ctx context.Context, key string, body []byte, contentType string, meta map[string]string) error
}

// ArchiveConfig configures a ParquetArchiver.
type ArchiveConfig struct {
	Bucket      string
	KeyPrefix   string
	Coin        string
	Compression string
	MetadataDir string
}

type archiveBuffer struct {
	mu      sync.Mutex
	records []models.Record
}

// ParquetArchiver buffers records per kind and uploads one Parquet object
// per kind on every flush.
type ParquetArchiver struct {
	cfg     ArchiveConfig
	store   ObjectPutter
	buffers map[models.Kind]*archiveBuffer
	tables  map[models.Kind]*metadata.Table
	log     *logger.Log
	now     func() time.Time

	records   map[models.Kind]*atomic.Int64
	uploads   atomic.Int64
	bytes     atomic.Int64
	failures  atomic.Int64
	dropped   atomic.Int64
	lastFlush atomic.Int64
}

func NewParquetArchiver(cfg ArchiveConfig, store ObjectPutter, log *logger.Log) *ParquetArchiver {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.KeyPrefix != "" && !strings.HasSuffix(cfg.KeyPrefix, "/") {
		cfg.KeyPrefix += "/"
	}
	a := &ParquetArchiver{
		cfg:     cfg,
		store:   store,
		buffers: make(map[models.Kind]*archiveBuffer, len(models.Kinds)),
		tables:  make(map[models.Kind]*metadata.Table, len(models.Kinds)),
		log:     log,
		now:     time.Now,
		records: newKindCounters(),
	}
	for _, kind := range models.Kinds {
		a.buffers[kind] = &archiveBuffer{}
		location := fmt.Sprintf("s3://%s/%sparquet/kind=%s", cfg.Bucket, cfg.KeyPrefix, kind)
		a.tables[kind] = metadata.NewTable(cfg.MetadataDir, location, cfg.Coin, string(kind))
	}
	return a
}

func (a *ParquetArchiver) Write(kind models.Kind, record models.Record) {
	buf, ok := a.buffers[kind]
	if !ok {
		a.failures.Add(1)
		return
	}
	buf.mu.Lock()
	full := len(buf.records) >= maxArchiveBuffer
	if !full {
		buf.records = append(buf.records, record)
	}
	buf.mu.Unlock()
	if full {
		a.dropped.Add(1)
		metrics.EmitDropMetric(a.log, metrics.DropMetricArchiveBuffer, parquetComponent, string(kind), record.Instrument())
		return
	}
	a.records[kind].Add(1)
}

// Pending returns the number of buffered records of kind.
func (a *ParquetArchiver) Pending(kind models.Kind) int {
	buf, ok := a.buffers[kind]
	if !ok {
		return 0
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return len(buf.records)
}

// FlushAndUpload encodes and uploads every non-empty buffer. A kind whose
// upload fails keeps its records for the next attempt; a batch that cannot
// be encoded is discarded.
func (a *ParquetArchiver) FlushAndUpload(ctx context.Context) error {
	var errs []error
	for _, kind := range models.Kinds {
		buf := a.buffers[kind]
		buf.mu.Lock()
		batch := buf.records
		buf.records = nil
		buf.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		if err := a.archive(ctx, kind, batch); err != nil {
			a.failures.Add(1)
			var se *SinkError
			if errors.As(err, &se) && se.Op == "upload" {
				a.requeue(kind, batch)
			}
			errs = append(errs, err)
		}
	}
	a.lastFlush.Store(a.now().UnixNano())
	return errors.Join(errs...)
}

func (a *ParquetArchiver) requeue(kind models.Kind, batch []models.Record) {
	buf := a.buffers[kind]
	buf.mu.Lock()
	merged := append(batch, buf.records...)
	overflow := len(merged) - maxArchiveBuffer
	if overflow > 0 {
		merged = merged[overflow:]
	}
	buf.records = merged
	buf.mu.Unlock()
	if overflow > 0 {
		a.dropped.Add(int64(overflow))
		metrics.EmitDropMetric(a.log, metrics.DropMetricArchiveBuffer, parquetComponent, string(kind), a.cfg.Coin)
		a.log.WithComponent(parquetComponent).WithFields(logger.Fields{
			"kind":    kind,
			"dropped": overflow,
		}).Warn("archive buffer full, oldest records dropped")
	}
}

func (a *ParquetArchiver) archive(ctx context.Context, kind models.Kind, batch []models.Record) error {
	data, err := a.encode(kind, batch)
	if err != nil {
		return &SinkError{Sink: parquetComponent, Op: "encode", Kind: kind, Err: err}
	}

	now := a.now().UTC()
	key := a.ObjectKey(kind, now)
	meta := map[string]string{
		"upload-timestamp": now.Format(time.RFC3339),
		"source":           uploadSource,
		"file-type":        "parquet",
		"compression":      a.cfg.Compression,
	}
	if err := a.store.PutObject(ctx, key, data, "application/octet-stream", meta); err != nil {
		return &SinkError{Sink: parquetComponent, Op: "upload", Kind: kind, Err: err}
	}
	a.uploads.Add(1)
	a.bytes.Add(int64(len(data)))

	df := metadata.DataFile{
		Path:        fmt.Sprintf("s3://%s/%s", a.cfg.Bucket, key),
		FileSize:    int64(len(data)),
		RecordCount: int64(len(batch)),
		Partition: map[string]any{
			"kind": string(kind),
			"coin": a.cfg.Coin,
			"date": now.Format("2006-01-02"),
		},
		Timestamp: now,
	}
	table := a.tables[kind]
	snap, err := table.Append(df)
	if err != nil {
		a.log.WithComponent(parquetComponent).WithError(err).WithField("table", table.Name()).Warn("failed to update table metadata")
	} else {
		a.log.WithComponent(parquetComponent).WithFields(logger.Fields{
			"table":    table.Name(),
			"snapshot": snap.SnapshotID,
			"catalog":  table.CatalogPath(),
		}).Debug("table snapshot committed")
	}

	logger.LogDataFlowEntry(a.log.WithComponent(parquetComponent), string(kind)+"_buffer", "s3", len(batch), "rows")
	return nil
}

// ObjectKey returns <prefix>parquet/kind=<k>/coin=<c>/date=<d>/<ts>_<uuid>.parquet.
func (a *ParquetArchiver) ObjectKey(kind models.Kind, at time.Time) string {
	at = at.UTC()
	return fmt.Sprintf("%sparquet/kind=%s/coin=%s/date=%s/%s_%s.parquet",
		a.cfg.KeyPrefix, kind, a.cfg.Coin, at.Format("2006-01-02"), at.Format("20060102T150405"), uuid.NewString())
}

func (a *ParquetArchiver) encode(kind models.Kind, batch []models.Record) ([]byte, error) {
	var (
		schema interface{}
		rows   []interface{}
	)
	switch kind {
	case models.KindTrades:
		schema = new(tradeRow)
		for _, r := range batch {
			t, ok := r.(models.Trade)
			if !ok {
				continue
			}
			rows = append(rows, tradeRow{
				Timestamp: t.Time.UnixMilli(), Coin: t.Coin, Side: t.Side, Price: t.Price, Size: t.Size,
				TradeID: t.TradeID, Buyer: t.Buyer, Seller: t.Seller, Hash: t.Hash, Crossed: t.Crossed,
			})
		}
	case models.KindOrderBook:
		schema = new(bookRow)
		for _, r := range batch {
			b, ok := r.(models.OrderBook)
			if !ok {
				continue
			}
			bid, _ := b.BestBid()
			ask, _ := b.BestAsk()
			spread, _ := b.Spread()
			rows = append(rows, bookRow{
				Timestamp: b.Time.UnixMilli(), Coin: b.Coin, Bids: levelsJSON(b.Bids), Asks: levelsJSON(b.Asks),
				BidPrice: bid.Price, AskPrice: ask.Price, BidSize: bid.Size, AskSize: ask.Size, Spread: spread,
			})
		}
	case models.KindFundingRate, models.KindOpenInterest:
		schema = new(contextRow)
		for _, r := range batch {
			c, ok := r.(models.AssetContext)
			if !ok {
				continue
			}
			rows = append(rows, contextRow{
				Timestamp: c.ReceivedAt.UnixMilli(), Coin: c.Coin, Funding: c.Funding, MarkPrice: c.MarkPrice,
				OraclePrice: c.OraclePrice, OpenInterest: c.OpenInterest, Premium: c.Premium,
				MidPrice: c.MidPrice, Source: string(c.Source),
			})
		}
	default:
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	if len(rows) == 0 {
		return nil, errUnexpectedRecord
	}

	mem := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mem, schema, 1)
	if err != nil {
		return nil, fmt.Errorf("new parquet writer: %w", err)
	}
	pw.CompressionType = compressionCodec(a.cfg.Compression)
	for _, row := range rows {
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet: %w", err)
	}
	return mem.Bytes(), nil
}

func compressionCodec(name string) parquet.CompressionCodec {
	switch strings.ToLower(name) {
	case "snappy":
		return parquet.CompressionCodec_SNAPPY
	case "gzip":
		return parquet.CompressionCodec_GZIP
	default:
		return parquet.CompressionCodec_UNCOMPRESSED
	}
}

func (a *ParquetArchiver) Stats() SinkStats {
	st := SinkStats{
		Name:          parquetComponent,
		Records:       countsSnapshot(a.records),
		Uploads:       a.uploads.Load(),
		UploadedBytes: a.bytes.Load(),
		Errors:        a.failures.Load(),
		Dropped:       a.dropped.Load(),
	}
	if ts := a.lastFlush.Load(); ts > 0 {
		st.LastFlush = time.Unix(0, ts)
	}
	return st
}
