package writer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"hyperflow/logger"
	"hyperflow/models"
)

const csvComponent = "csv_store"

var csvHeaders = map[models.Kind][]string{
	models.KindTrades:       {"timestamp", "coin", "side", "price", "size", "trade_id", "buyer", "seller", "hash", "crossed", "fee"},
	models.KindOrderBook:    {"timestamp", "coin", "bids", "asks", "bid_price", "ask_price", "bid_size", "ask_size", "spread"},
	models.KindFundingRate:  {"timestamp", "coin", "funding_rate", "predicted_funding_rate", "funding_time", "mark_price", "index_price", "source"},
	models.KindOpenInterest: {"timestamp", "coin", "open_interest", "mark_price", "oracle_price", "source"},
}

// csvFile is one output file and the lock that serializes appends to it.
// rows counts data rows on disk, header excluded, so stats never rescan the
// file.
type csvFile struct {
	mu   sync.Mutex
	kind models.Kind
	path string
	f    *os.File
	w    *csv.Writer
	rows atomic.Int64
}

// Uploader ships finished local files somewhere durable.
type Uploader interface {
	Upload(ctx context.Context, paths []string) error
	Stats() SinkStats
}

// CSVStore appends records to one CSV file per kind. A nil uploader keeps
// everything local.
type CSVStore struct {
	dir      string
	files    map[models.Kind]*csvFile
	uploader Uploader
	log      *logger.Log

	records   map[models.Kind]*atomic.Int64
	errors    atomic.Int64
	lastFlush atomic.Int64
}

// NewCSVStore creates dir when needed and writes headers for files that do
// not exist yet. Existing files are appended to.
func NewCSVStore(dir, coin string, uploader Uploader, log *logger.Log) (*CSVStore, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &SinkError{Sink: csvComponent, Op: "mkdir", Err: err}
	}

	s := &CSVStore{
		dir:      dir,
		files:    make(map[models.Kind]*csvFile, len(models.Kinds)),
		uploader: uploader,
		log:      log,
		records:  newKindCounters(),
	}
	prefix := strings.ToLower(coin)
	for _, kind := range models.Kinds {
		path := filepath.Join(dir, fmt.Sprintf("%s_%s.csv", prefix, kind))
		file, err := openCSV(kind, path)
		if err != nil {
			s.Close()
			return nil, &SinkError{Sink: csvComponent, Op: "open", Kind: kind, Err: err}
		}
		s.files[kind] = file
	}

	log.WithComponent(csvComponent).WithFields(logger.Fields{
		"dir":    dir,
		"coin":   coin,
		"upload": uploader != nil,
	}).Info("csv store initialized")
	return s, nil
}

func openCSV(kind models.Kind, path string) (*csvFile, error) {
	info, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist) || (statErr == nil && info.Size() == 0)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	file := &csvFile{kind: kind, path: path, f: f, w: csv.NewWriter(f)}
	if !isNew {
		n, err := countLines(path)
		if err != nil {
			f.Close()
			return nil, err
		}
		if n > 0 {
			file.rows.Store(n - 1)
		}
		return file, nil
	}
	if err := file.w.Write(csvHeaders[kind]); err != nil {
		f.Close()
		return nil, err
	}
	file.w.Flush()
	if err := file.w.Error(); err != nil {
		f.Close()
		return nil, err
	}
	return file, nil
}

// Paths returns the file of every kind in Kinds order.
func (s *CSVStore) Paths() []string {
	paths := make([]string, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		paths = append(paths, s.files[kind].path)
	}
	return paths
}

func (s *CSVStore) Write(kind models.Kind, record models.Record) {
	file, ok := s.files[kind]
	if !ok {
		s.fail(&SinkError{Sink: csvComponent, Op: "write", Kind: kind, Err: errors.New("unknown kind")})
		return
	}
	rows, err := csvRows(kind, record)
	if err != nil {
		s.fail(&SinkError{Sink: csvComponent, Op: "write", Kind: kind, Err: err})
		return
	}
	if len(rows) == 0 {
		return
	}

	file.mu.Lock()
	err = file.w.WriteAll(rows)
	file.mu.Unlock()
	if err != nil {
		s.fail(&SinkError{Sink: csvComponent, Op: "write", Kind: kind, Err: err})
		return
	}

	file.rows.Add(int64(len(rows)))
	s.records[kind].Add(int64(len(rows)))
	logger.IncrementSinkWrite(string(kind))
}

func (s *CSVStore) fail(err error) {
	s.errors.Add(1)
	s.log.WithComponent(csvComponent).WithError(err).Warn("csv write failed")
}

// FlushAndUpload syncs every file to disk and then hands the paths to the
// uploader, if any.
func (s *CSVStore) FlushAndUpload(ctx context.Context) error {
	var errs []error
	for _, kind := range models.Kinds {
		file := s.files[kind]
		file.mu.Lock()
		file.w.Flush()
		err := file.w.Error()
		if err == nil {
			err = file.f.Sync()
		}
		file.mu.Unlock()
		if err != nil {
			errs = append(errs, &SinkError{Sink: csvComponent, Op: "flush", Kind: kind, Err: err})
		}
	}
	s.lastFlush.Store(time.Now().UnixNano())

	if s.uploader != nil {
		if err := s.uploader.Upload(ctx, s.Paths()); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		s.errors.Add(int64(len(errs)))
	}
	return errors.Join(errs...)
}

// FileStats reports size, data rows and modification time of each file. It
// takes no file lock, so it never stalls Write.
func (s *CSVStore) FileStats() []FileStats {
	out := make([]FileStats, 0, len(models.Kinds))
	for _, kind := range models.Kinds {
		file := s.files[kind]
		st := FileStats{Kind: kind, Path: file.path}
		if info, err := os.Stat(file.path); err == nil {
			st.Exists = true
			st.SizeBytes = info.Size()
			st.LastModified = info.ModTime()
			st.Rows = file.rows.Load()
		}
		out = append(out, st)
	}
	return out
}

func (s *CSVStore) Stats() SinkStats {
	st := SinkStats{
		Name:    csvComponent,
		Records: countsSnapshot(s.records),
		Files:   s.FileStats(),
		Errors:  s.errors.Load(),
	}
	if ts := s.lastFlush.Load(); ts > 0 {
		st.LastFlush = time.Unix(0, ts)
	}
	if s.uploader != nil {
		up := s.uploader.Stats()
		st.Uploads = up.Uploads
		st.UploadedBytes = up.UploadedBytes
		st.LastUpload = up.LastUpload
		st.Errors += up.Errors
	}
	return st
}

// Backup copies every existing file to <path>.backup_<suffix>. An empty
// suffix uses the current UTC time. The lock is held only to flush and
// measure the file; rows appended during the copy are not included.
func (s *CSVStore) Backup(suffix string) ([]string, error) {
	if suffix == "" {
		suffix = time.Now().UTC().Format("20060102_150405")
	}
	var (
		created []string
		errs    []error
	)
	for _, kind := range models.Kinds {
		file := s.files[kind]
		dst := fmt.Sprintf("%s.backup_%s", file.path, suffix)
		file.mu.Lock()
		file.w.Flush()
		err := file.w.Error()
		var size int64
		if err == nil {
			var info os.FileInfo
			if info, err = file.f.Stat(); err == nil {
				size = info.Size()
			}
		}
		file.mu.Unlock()
		if err == nil {
			err = copyFile(file.path, dst, size)
		}
		if err != nil {
			errs = append(errs, &SinkError{Sink: csvComponent, Op: "backup", Kind: kind, Err: err})
			continue
		}
		created = append(created, dst)
		s.log.WithComponent(csvComponent).WithFields(logger.Fields{"backup": dst}).Info("file backed up")
	}
	return created, errors.Join(errs...)
}

// Close flushes and closes every file.
func (s *CSVStore) Close() error {
	var errs []error
	for _, file := range s.files {
		file.mu.Lock()
		file.w.Flush()
		if err := file.f.Close(); err != nil {
			errs = append(errs, err)
		}
		file.mu.Unlock()
	}
	return errors.Join(errs...)
}

// copyFile copies the first n bytes of src into dst.
func copyFile(src, dst string, n int64) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(out, in, n); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func timestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func levelsJSON(levels []models.Level) string {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(levels); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

func csvRows(kind models.Kind, record models.Record) ([][]string, error) {
	switch kind {
	case models.KindTrades:
		t, ok := record.(models.Trade)
		if !ok {
			return nil, errUnexpectedRecord
		}
		return [][]string{{
			timestamp(t.Time), t.Coin, t.Side, t.Price, t.Size,
			strconv.FormatInt(t.TradeID, 10), t.Buyer, t.Seller, t.Hash,
			strconv.FormatBool(t.Crossed), "",
		}}, nil
	case models.KindOrderBook:
		b, ok := record.(models.OrderBook)
		if !ok {
			return nil, errUnexpectedRecord
		}
		bid, _ := b.BestBid()
		ask, _ := b.BestAsk()
		spread, _ := b.Spread()
		return [][]string{{
			timestamp(b.Time), b.Coin, levelsJSON(b.Bids), levelsJSON(b.Asks),
			bid.Price, ask.Price, bid.Size, ask.Size, spread,
		}}, nil
	case models.KindFundingRate:
		a, ok := record.(models.AssetContext)
		if !ok {
			return nil, errUnexpectedRecord
		}
		return [][]string{{
			timestamp(a.ReceivedAt), a.Coin, a.Funding, "", "", a.MarkPrice, a.OraclePrice, string(a.Source),
		}}, nil
	case models.KindOpenInterest:
		a, ok := record.(models.AssetContext)
		if !ok {
			return nil, errUnexpectedRecord
		}
		return [][]string{{
			timestamp(a.ReceivedAt), a.Coin, a.OpenInterest, a.MarkPrice, a.OraclePrice, string(a.Source),
		}}, nil
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}
