// Package metadata keeps Iceberg-style table metadata next to the Parquet
// archive so query engines can discover the uploaded data files.
package metadata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const formatVersion = 2

// DataFile describes a single Parquet object written by the archiver.
type DataFile struct {
	Path        string         `json:"path"`
	FileSize    int64          `json:"file_size_in_bytes"`
	RecordCount int64          `json:"record_count"`
	Partition   map[string]any `json:"partition"`
	Timestamp   time.Time      `json:"-"`
}

type manifestEntry struct {
	Status   int      `json:"status"`
	Sequence int64    `json:"sequence-number"`
	DataFile DataFile `json:"data_file"`
}

// Snapshot is one append to the table.
type Snapshot struct {
	SnapshotID   int64             `json:"snapshot-id"`
	ParentID     int64             `json:"parent-snapshot-id,omitempty"`
	Sequence     int64             `json:"sequence-number"`
	TimestampMs  int64             `json:"timestamp-ms"`
	ManifestList string            `json:"manifest-list"`
	Summary      map[string]string `json:"summary"`
}

// TableMetadata is the content of metadata/metadata.json.
type TableMetadata struct {
	FormatVersion     int               `json:"format-version"`
	TableUUID         string            `json:"table-uuid"`
	Location          string            `json:"location"`
	LastUpdatedMs     int64             `json:"last-updated-ms"`
	Properties        map[string]string `json:"properties"`
	CurrentSnapshotID int64             `json:"current-snapshot-id"`
	Snapshots         []Snapshot        `json:"snapshots"`
}

// CatalogEntry is written to <baseDir>/catalog/<table>.json so readers can
// find every table without listing the archive.
type CatalogEntry struct {
	Name             string `json:"name"`
	Coin             string `json:"coin"`
	Kind             string `json:"kind"`
	Location         string `json:"location"`
	MetadataLocation string `json:"metadata_location"`
	Snapshots        int    `json:"snapshots"`
	TotalRecords     int64  `json:"total_records"`
}

// Table is the metadata of one archived record kind for one coin. Every
// Append adds a snapshot, rewrites metadata.json and refreshes the catalog
// entry. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	baseDir  string
	dir      string
	name     string
	coin     string
	kind     string
	location string
	uuid     string

	snapshots []Snapshot
	records   int64
}

// NewTable keeps metadata under baseDir/<kind>. location is the remote table
// root, e.g. s3://bucket/prefix/parquet/kind=trades.
func NewTable(baseDir, location, coin, kind string) *Table {
	return &Table{
		baseDir:  baseDir,
		dir:      filepath.Join(baseDir, kind),
		name:     fmt.Sprintf("%s_%s", coin, kind),
		coin:     coin,
		kind:     kind,
		location: location,
		uuid:     uuid.NewString(),
	}
}

func (t *Table) Name() string { return t.name }

// CatalogPath is where Append writes the catalog entry.
func (t *Table) CatalogPath() string {
	return filepath.Join(t.baseDir, "catalog", t.name+".json")
}

func (t *Table) metadataPath() string {
	return filepath.Join(t.dir, "metadata", "metadata.json")
}

// Append records df as a new snapshot and returns it. Snapshot ids are
// strictly increasing even when two files share a timestamp.
func (t *Table) Append(df DataFile) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if df.Timestamp.IsZero() {
		df.Timestamp = time.Now()
	}
	snap := Snapshot{
		SnapshotID:  df.Timestamp.UnixNano(),
		Sequence:    int64(len(t.snapshots)) + 1,
		TimestampMs: df.Timestamp.UnixMilli(),
	}
	if n := len(t.snapshots); n > 0 {
		prev := t.snapshots[n-1]
		snap.ParentID = prev.SnapshotID
		if snap.SnapshotID <= prev.SnapshotID {
			snap.SnapshotID = prev.SnapshotID + 1
		}
	}

	snap.ManifestList = fmt.Sprintf("manifest-%d.json", snap.SnapshotID)
	manifest := []manifestEntry{{Status: 1, Sequence: snap.Sequence, DataFile: df}}
	if err := writeJSON(filepath.Join(t.dir, "metadata", snap.ManifestList), manifest, false); err != nil {
		return Snapshot{}, fmt.Errorf("write manifest: %w", err)
	}

	total := t.records + df.RecordCount
	snap.Summary = map[string]string{
		"operation":        "append",
		"added-data-files": "1",
		"added-records":    strconv.FormatInt(df.RecordCount, 10),
		"added-files-size": strconv.FormatInt(df.FileSize, 10),
		"total-records":    strconv.FormatInt(total, 10),
	}

	snapshots := append(t.snapshots, snap)
	tm := TableMetadata{
		FormatVersion:     formatVersion,
		TableUUID:         t.uuid,
		Location:          t.location,
		LastUpdatedMs:     snap.TimestampMs,
		Properties:        map[string]string{"coin": t.coin, "kind": t.kind, "write.format.default": "parquet"},
		CurrentSnapshotID: snap.SnapshotID,
		Snapshots:         snapshots,
	}
	if err := writeJSON(t.metadataPath(), tm, true); err != nil {
		return Snapshot{}, fmt.Errorf("write table metadata: %w", err)
	}
	t.snapshots = snapshots
	t.records = total

	entry := CatalogEntry{
		Name:             t.name,
		Coin:             t.coin,
		Kind:             t.kind,
		Location:         t.location,
		MetadataLocation: t.metadataPath(),
		Snapshots:        len(t.snapshots),
		TotalRecords:     t.records,
	}
	if err := writeJSON(t.CatalogPath(), entry, true); err != nil {
		return snap, fmt.Errorf("write catalog entry: %w", err)
	}
	return snap, nil
}

func writeJSON(path string, v any, indent bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	var (
		b   []byte
		err error
	)
	if indent {
		b, err = json.MarshalIndent(v, "", "  ")
	} else {
		b, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
