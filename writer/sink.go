package writer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"hyperflow/models"
)

// Sink accepts normalized records and periodically persists them.
//
// Write is fire-and-forget: it never blocks beyond a short per-kind critical
// section and reports failures through logs and Stats. FlushAndUpload is safe
// to call on a schedule; a failed attempt leaves the sink usable for the next.
type Sink interface {
	Write(kind models.Kind, record models.Record)
	FlushAndUpload(ctx context.Context) error
	Stats() SinkStats
}

// FileStats describes one local output file.
type FileStats struct {
	Kind         models.Kind `json:"kind"`
	Path         string      `json:"path"`
	Exists       bool        `json:"exists"`
	SizeBytes    int64       `json:"size_bytes"`
	Rows         int64       `json:"rows"`
	LastModified time.Time   `json:"last_modified,omitempty"`
}

// SinkStats is a point-in-time view of a sink. Fanout nests its children
// under Sinks.
type SinkStats struct {
	Name          string                `json:"name"`
	Records       map[models.Kind]int64 `json:"records,omitempty"`
	Files         []FileStats           `json:"files,omitempty"`
	Uploads       int64                 `json:"uploads,omitempty"`
	UploadedBytes int64                 `json:"uploaded_bytes,omitempty"`
	Errors        int64                 `json:"errors"`
	Dropped       int64                 `json:"dropped,omitempty"`
	LastFlush     time.Time             `json:"last_flush,omitempty"`
	LastUpload    time.Time             `json:"last_upload,omitempty"`
	Sinks         []SinkStats           `json:"sinks,omitempty"`
}

// SinkError wraps a failed write, flush or upload.
type SinkError struct {
	Sink string
	Op   string
	Kind models.Kind
	Err  error
}

func (e *SinkError) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("sink %s %s: %v", e.Sink, e.Op, e.Err)
	}
	return fmt.Sprintf("sink %s %s %s: %v", e.Sink, e.Op, e.Kind, e.Err)
}

func (e *SinkError) Unwrap() error { return e.Err }

var errUnexpectedRecord = errors.New("unexpected record type for kind")

// Fanout forwards every call to each child sink in order.
type Fanout struct {
	sinks []Sink
}

// NewFanout skips nil sinks so callers can pass optional ones directly.
func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, s := range sinks {
		if s != nil {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

func (f *Fanout) Write(kind models.Kind, record models.Record) {
	for _, s := range f.sinks {
		s.Write(kind, record)
	}
}

// FlushAndUpload runs every child even when an earlier one fails and joins
// the failures.
func (f *Fanout) FlushAndUpload(ctx context.Context) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.FlushAndUpload(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) Stats() SinkStats {
	out := SinkStats{Name: "fanout"}
	for _, s := range f.sinks {
		st := s.Stats()
		out.Errors += st.Errors
		out.Dropped += st.Dropped
		if st.LastFlush.After(out.LastFlush) {
			out.LastFlush = st.LastFlush
		}
		if st.LastUpload.After(out.LastUpload) {
			out.LastUpload = st.LastUpload
		}
		out.Sinks = append(out.Sinks, st)
	}
	return out
}

func newKindCounters() map[models.Kind]*atomic.Int64 {
	counts := make(map[models.Kind]*atomic.Int64, len(models.Kinds))
	for _, k := range models.Kinds {
		counts[k] = &atomic.Int64{}
	}
	return counts
}

func countsSnapshot(counts map[models.Kind]*atomic.Int64) map[models.Kind]int64 {
	out := make(map[models.Kind]int64, len(counts))
	for k, c := range counts {
		out[k] = c.Load()
	}
	return out
}
