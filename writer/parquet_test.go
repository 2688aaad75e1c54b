package writer

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	appconfig "hyperflow/config"
	"hyperflow/internal/metadata"
	"hyperflow/models"
)

func newTestArchiver(t *testing.T, fake *fakeS3) *ParquetArchiver {
	t.Helper()
	up := NewS3Uploader(fake, appconfig.S3Config{Bucket: "bucket", KeyPrefix: "hyperliquid-data/"}, nil)
	return NewParquetArchiver(ArchiveConfig{
		Bucket:      "bucket",
		KeyPrefix:   "hyperliquid-data/",
		Coin:        "BTC",
		Compression: "snappy",
		MetadataDir: t.TempDir(),
	}, up, nil)
}

func TestParquetArchiverUploadsOneObjectPerKind(t *testing.T) {
	fake := newFakeS3()
	a := newTestArchiver(t, fake)

	a.Write(models.KindTrades, sampleTrade())
	a.Write(models.KindTrades, sampleTrade())
	a.Write(models.KindOrderBook, sampleBook())

	if err := a.FlushAndUpload(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	keys := fake.keys()
	if len(keys) != 2 {
		t.Fatalf("expected two objects, got %v", keys)
	}
	for _, key := range keys {
		if !strings.HasPrefix(key, "hyperliquid-data/parquet/kind=") || !strings.Contains(key, "/coin=BTC/date=") || !strings.HasSuffix(key, ".parquet") {
			t.Fatalf("unexpected key layout %q", key)
		}
		obj, _ := fake.object(key)
		if len(obj.body) < 4 || string(obj.body[:4]) != "PAR1" {
			t.Fatalf("object %s is not parquet", key)
		}
	}

	raw, err := os.ReadFile(filepath.Join(a.cfg.MetadataDir, "catalog", "BTC_trades.json"))
	if err != nil {
		t.Fatalf("catalog entry not written on flush: %v", err)
	}
	var entry metadata.CatalogEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		t.Fatalf("decode catalog entry: %v", err)
	}
	if entry.Snapshots != 1 || entry.TotalRecords != 2 || entry.Location != "s3://bucket/hyperliquid-data/parquet/kind=trades" {
		t.Fatalf("unexpected trade catalog entry: %+v", entry)
	}
	if _, err := os.Stat(entry.MetadataLocation); err != nil {
		t.Fatalf("catalog points at missing metadata: %v", err)
	}
	if a.Pending(models.KindTrades) != 0 {
		t.Fatalf("buffer not drained")
	}
	if st := a.Stats(); st.Uploads != 2 || st.Records[models.KindTrades] != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestParquetArchiverKeepsRecordsOnUploadFailure(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errBoom
	a := newTestArchiver(t, fake)
	a.Write(models.KindFundingRate, sampleContext(models.SourcePoll))

	if err := a.FlushAndUpload(context.Background()); err == nil {
		t.Fatalf("expected upload failure")
	}
	if a.Pending(models.KindFundingRate) != 1 {
		t.Fatalf("record should be retained for the next flush")
	}

	fake.mu.Lock()
	fake.putErr = nil
	fake.mu.Unlock()
	if err := a.FlushAndUpload(context.Background()); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if a.Pending(models.KindFundingRate) != 0 || len(fake.keys()) != 1 {
		t.Fatalf("record not uploaded on retry")
	}
}

func TestParquetArchiverEmptyFlushIsNoop(t *testing.T) {
	fake := newFakeS3()
	a := newTestArchiver(t, fake)
	if err := a.FlushAndUpload(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(fake.keys()) != 0 {
		t.Fatalf("empty flush uploaded objects")
	}
}
