package metadata

import (
	"encoding/json"
	"os"
	"testing"
	"time"
)

func readJSON(t *testing.T, path string, v any) {
	t.Helper()
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
}

func TestTableAppendWritesMetadataAndCatalog(t *testing.T) {
	dir := t.TempDir()
	table := NewTable(dir, "s3://bucket/hyperliquid-data/parquet/kind=trades", "BTC", "trades")
	df := DataFile{
		Path:        "s3://bucket/hyperliquid-data/parquet/kind=trades/coin=BTC/date=2025-08-11/file.parquet",
		FileSize:    100,
		RecordCount: 10,
		Partition:   map[string]any{"kind": "trades", "coin": "BTC", "date": "2025-08-11"},
		Timestamp:   time.Unix(0, 0),
	}
	if _, err := table.Append(df); err != nil {
		t.Fatalf("Append: %v", err)
	}
	df.RecordCount = 5
	snap, err := table.Append(df)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if snap.Sequence != 2 || snap.ParentID == 0 || snap.Summary["total-records"] != "15" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	var entry CatalogEntry
	readJSON(t, table.CatalogPath(), &entry)
	if entry.Name != "BTC_trades" || entry.Snapshots != 2 || entry.TotalRecords != 15 {
		t.Fatalf("unexpected catalog entry: %+v", entry)
	}

	var tm TableMetadata
	readJSON(t, entry.MetadataLocation, &tm)
	if tm.FormatVersion != 2 || len(tm.Snapshots) != 2 || tm.CurrentSnapshotID != snap.SnapshotID {
		t.Fatalf("unexpected metadata: %+v", tm)
	}
	if tm.Location != "s3://bucket/hyperliquid-data/parquet/kind=trades" || tm.Properties["coin"] != "BTC" {
		t.Fatalf("unexpected table properties: %+v", tm)
	}
}

func TestTableSnapshotIDsIncreaseForSameTimestamp(t *testing.T) {
	table := NewTable(t.TempDir(), "s3://bucket/x", "ETH", "orderbook")
	ts := time.Unix(1700000000, 0)
	var last int64
	for i := 0; i < 3; i++ {
		snap, err := table.Append(DataFile{Path: "p", RecordCount: 1, Timestamp: ts})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if snap.SnapshotID <= last {
			t.Fatalf("snapshot id %d not above %d", snap.SnapshotID, last)
		}
		last = snap.SnapshotID
	}
}
