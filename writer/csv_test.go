package writer

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hyperflow/models"
)

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return rows
}

func newStore(t *testing.T, dir string, up Uploader) *CSVStore {
	t.Helper()
	s, err := NewCSVStore(dir, "BTC", up, nil)
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCSVStoreWritesHeadersAndRows(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)

	s.Write(models.KindTrades, sampleTrade())
	s.Write(models.KindOrderBook, sampleBook())
	s.Write(models.KindFundingRate, sampleContext(models.SourceStream))
	s.Write(models.KindOpenInterest, sampleContext(models.SourcePoll))

	trades := readCSV(t, filepath.Join(dir, "btc_trades.csv"))
	if len(trades) != 2 || strings.Join(trades[0], ",") != strings.Join(csvHeaders[models.KindTrades], ",") {
		t.Fatalf("unexpected trades file: %v", trades)
	}
	if row := trades[1]; row[1] != "BTC" || row[3] != "65000.5" || row[5] != "42" || row[6] != "0xb" || row[9] != "false" {
		t.Fatalf("unexpected trade row: %v", row)
	}

	book := readCSV(t, filepath.Join(dir, "btc_orderbook.csv"))
	if row := book[1]; row[4] != "100" || row[5] != "101" || row[6] != "1" || row[7] != "2" || row[8] != "1" {
		t.Fatalf("unexpected book row: %v", row)
	}
	if !strings.Contains(book[1][2], `"px":"100"`) {
		t.Fatalf("bids not stored as json: %q", book[1][2])
	}

	funding := readCSV(t, filepath.Join(dir, "btc_funding_rate.csv"))
	if row := funding[1]; row[2] != "0.0001" || row[5] != "50000" || row[6] != "50010" || row[7] != "ws" {
		t.Fatalf("unexpected funding row: %v", row)
	}

	oi := readCSV(t, filepath.Join(dir, "btc_open_interest.csv"))
	if row := oi[1]; row[2] != "1000" || row[5] != "rest" {
		t.Fatalf("unexpected open interest row: %v", row)
	}

	if got := s.Stats().Records[models.KindTrades]; got != 1 {
		t.Fatalf("expected one trade counted, got %d", got)
	}
}

func TestCSVStoreAppendsWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCSVStore(dir, "BTC", nil, nil)
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	first.Write(models.KindTrades, sampleTrade())
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newStore(t, dir, nil)
	second.Write(models.KindTrades, sampleTrade())

	rows := readCSV(t, filepath.Join(dir, "btc_trades.csv"))
	if len(rows) != 3 {
		t.Fatalf("expected header plus two rows, got %d", len(rows))
	}
	if rows[1][0] == "timestamp" || rows[2][0] == "timestamp" {
		t.Fatalf("header repeated: %v", rows)
	}
}

func TestCSVStoreRejectsMismatchedRecord(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	s.Write(models.KindTrades, sampleBook())
	if s.Stats().Errors != 1 {
		t.Fatalf("expected one error, got %d", s.Stats().Errors)
	}
	if s.Stats().Records[models.KindTrades] != 0 {
		t.Fatalf("mismatched record must not be counted")
	}
}

func TestCSVStoreFileStats(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	for i := 0; i < 3; i++ {
		s.Write(models.KindOrderBook, sampleBook())
	}
	for _, st := range s.FileStats() {
		if !st.Exists {
			t.Fatalf("file %s missing", st.Path)
		}
		want := int64(0)
		if st.Kind == models.KindOrderBook {
			want = 3
		}
		if st.Rows != want {
			t.Fatalf("%s: rows %d want %d", st.Kind, st.Rows, want)
		}
	}
}

func TestCSVStoreFileStatsCountsReopenedRows(t *testing.T) {
	dir := t.TempDir()
	first, err := NewCSVStore(dir, "BTC", nil, nil)
	if err != nil {
		t.Fatalf("NewCSVStore: %v", err)
	}
	first.Write(models.KindTrades, sampleTrade())
	first.Write(models.KindTrades, sampleTrade())
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	second := newStore(t, dir, nil)
	second.Write(models.KindTrades, sampleTrade())
	for _, st := range second.FileStats() {
		if st.Kind == models.KindTrades && st.Rows != 3 {
			t.Fatalf("rows %d want 3", st.Rows)
		}
	}
}

func TestCSVStoreFileStatsSkipsWriteLock(t *testing.T) {
	s := newStore(t, t.TempDir(), nil)
	s.Write(models.KindTrades, sampleTrade())

	file := s.files[models.KindTrades]
	file.mu.Lock()
	defer file.mu.Unlock()

	done := make(chan []FileStats, 1)
	go func() { done <- s.FileStats() }()
	select {
	case stats := <-done:
		for _, st := range stats {
			if st.Kind == models.KindTrades && st.Rows != 1 {
				t.Fatalf("rows %d want 1", st.Rows)
			}
		}
	case <-time.After(time.Second):
		t.Fatal("FileStats waited on a file held by a writer")
	}
}

type stubUploader struct {
	paths []string
	err   error
}

func (u *stubUploader) Upload(_ context.Context, paths []string) error {
	u.paths = append(u.paths, paths...)
	return u.err
}

func (u *stubUploader) Stats() SinkStats { return SinkStats{Uploads: int64(len(u.paths))} }

func TestCSVStoreFlushHandsFilesToUploader(t *testing.T) {
	up := &stubUploader{}
	s := newStore(t, t.TempDir(), up)
	s.Write(models.KindTrades, sampleTrade())

	if err := s.FlushAndUpload(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(up.paths) != len(models.Kinds) {
		t.Fatalf("expected every file to be offered, got %v", up.paths)
	}
	if s.Stats().LastFlush.IsZero() {
		t.Fatalf("last flush not recorded")
	}

	up.err = errBoom
	if err := s.FlushAndUpload(context.Background()); err == nil {
		t.Fatalf("expected uploader failure to surface")
	}
	s.Write(models.KindTrades, sampleTrade())
	if s.Stats().Records[models.KindTrades] != 2 {
		t.Fatalf("store must keep accepting writes after a failed flush")
	}
}

func TestCSVStoreBackup(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	s.Write(models.KindTrades, sampleTrade())

	created, err := s.Backup("test")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	if len(created) != len(models.Kinds) {
		t.Fatalf("expected %d backups, got %v", len(models.Kinds), created)
	}
	rows := readCSV(t, filepath.Join(dir, "btc_trades.csv.backup_test"))
	if len(rows) != 2 {
		t.Fatalf("backup content mismatch: %v", rows)
	}
}

func TestCSVStoreBackupIsPointInTime(t *testing.T) {
	dir := t.TempDir()
	s := newStore(t, dir, nil)
	s.Write(models.KindTrades, sampleTrade())

	created, err := s.Backup("")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	s.Write(models.KindTrades, sampleTrade())

	for _, path := range created {
		if !strings.Contains(path, "btc_trades.csv.backup_") {
			continue
		}
		if rows := readCSV(t, path); len(rows) != 2 {
			t.Fatalf("backup picked up a later write: %v", rows)
		}
	}
	if rows := readCSV(t, filepath.Join(dir, "btc_trades.csv")); len(rows) != 3 {
		t.Fatalf("live file should keep growing: %v", rows)
	}
}
