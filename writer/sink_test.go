package writer

import (
	"context"
	"errors"
	"testing"

	"hyperflow/models"
)

func TestFanoutForwardsAndJoinsErrors(t *testing.T) {
	ok := &recordingSink{name: "ok"}
	bad := &recordingSink{name: "bad", flushErr: errBoom}
	f := NewFanout(bad, nil, ok)

	f.Write(models.KindTrades, sampleTrade())
	if len(ok.writes) != 1 || len(bad.writes) != 1 {
		t.Fatalf("write not forwarded to every sink")
	}

	err := f.FlushAndUpload(context.Background())
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected joined error, got %v", err)
	}
	if ok.flushes != 1 {
		t.Fatalf("a failing sink must not stop the others from flushing")
	}

	st := f.Stats()
	if st.Name != "fanout" || len(st.Sinks) != 2 || st.Errors != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestSinkErrorUnwraps(t *testing.T) {
	err := error(&SinkError{Sink: "csv_store", Op: "write", Kind: models.KindTrades, Err: errBoom})
	if !errors.Is(err, errBoom) {
		t.Fatalf("SinkError should unwrap")
	}
	if err.Error() != "sink csv_store write trades: boom" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
