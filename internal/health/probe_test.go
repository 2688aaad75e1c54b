package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"hyperflow/config"
	"hyperflow/models"
)

func newTestProbe(t *testing.T, dir string, cfg config.HealthConfig) *Probe {
	t.Helper()
	p := NewProbe(cfg, dir, "BTC")
	p.rss = func(context.Context) (uint64, error) { return 50 << 20, nil }
	p.diskFree = func(context.Context, string) (uint64, error) { return 10 << 30, nil }
	return p
}

func writeCSVs(t *testing.T, dir string, size int) {
	t.Helper()
	for _, kind := range models.Kinds {
		path := filepath.Join(dir, "btc_"+string(kind)+".csv")
		if err := os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func levels(rep Report, check string) []Level {
	var out []Level
	for _, r := range rep.Results {
		if r.Check == check {
			out = append(out, r.Level)
		}
	}
	return out
}

func TestProbeHealthy(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir, 200)
	cfg := config.Default().Health
	cfg.LogFile = ""

	rep := newTestProbe(t, dir, cfg).Run(context.Background())
	if !rep.Healthy {
		t.Fatalf("expected healthy, failures: %+v", rep.Failures())
	}
	for _, lvl := range levels(rep, "csv") {
		if lvl != LevelOK {
			t.Fatalf("unexpected csv level %s", lvl)
		}
	}
}

func TestProbeMissingCSVFails(t *testing.T) {
	cfg := config.Default().Health
	cfg.LogFile = ""
	rep := newTestProbe(t, t.TempDir(), cfg).Run(context.Background())
	if rep.Healthy || len(rep.Failures()) != len(models.Kinds) {
		t.Fatalf("expected one failure per missing file, got %+v", rep.Failures())
	}
}

func TestProbeSmallAndStaleFilesOnlyWarn(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir, 200)
	stale := time.Now().Add(-time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "btc_trades.csv"), stale, stale); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "btc_orderbook.csv"), []byte("ts\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg := config.Default().Health
	cfg.LogFile = ""

	rep := newTestProbe(t, dir, cfg).Run(context.Background())
	if !rep.Healthy {
		t.Fatalf("warnings must not fail the probe: %+v", rep.Failures())
	}
	warnings := 0
	for _, lvl := range levels(rep, "csv") {
		if lvl == LevelWarning {
			warnings++
		}
	}
	if warnings != 2 {
		t.Fatalf("expected 2 csv warnings, got %d", warnings)
	}
}

func TestProbeLogErrors(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir, 200)
	logPath := filepath.Join(dir, "hyperflow.log")

	var lines []string
	for i := 0; i < 12; i++ {
		lines = append(lines, `{"level":"error","msg":"upload failed"}`)
	}
	lines = append(lines, `{"level":"info","msg":"ok"}`)
	if err := os.WriteFile(logPath, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	cfg := config.Default().Health
	cfg.LogFile = logPath
	rep := newTestProbe(t, dir, cfg).Run(context.Background())
	if rep.Healthy || levels(rep, "log")[0] != LevelError {
		t.Fatalf("expected log failure, got %+v", rep.Results)
	}

	cfg.RecentLogLines = 5
	rep = newTestProbe(t, dir, cfg).Run(context.Background())
	if !rep.Healthy {
		t.Fatalf("only the recent window should count: %+v", rep.Failures())
	}
}

func TestProbeMissingLogIsWarning(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir, 200)
	cfg := config.Default().Health
	cfg.LogFile = filepath.Join(dir, "absent.log")

	rep := newTestProbe(t, dir, cfg).Run(context.Background())
	if !rep.Healthy || levels(rep, "log")[0] != LevelWarning {
		t.Fatalf("missing log should warn, got %+v", rep.Results)
	}
}

func TestProbeDiskAndMemory(t *testing.T) {
	dir := t.TempDir()
	writeCSVs(t, dir, 200)
	cfg := config.Default().Health
	cfg.LogFile = ""

	cases := []struct {
		name     string
		freeMB   uint64
		rssMB    uint64
		rssErr   error
		healthy  bool
		diskWant Level
		procWant Level
	}{
		{"plenty", 4096, 50, nil, true, LevelOK, LevelOK},
		{"low disk", 300, 50, nil, true, LevelWarning, LevelOK},
		{"disk exhausted", 50, 50, nil, false, LevelError, LevelOK},
		{"high memory", 4096, 800, nil, true, LevelOK, LevelWarning},
		{"rss unavailable", 4096, 0, errors.New("denied"), true, LevelOK, LevelWarning},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := newTestProbe(t, dir, cfg)
			p.diskFree = func(context.Context, string) (uint64, error) { return tc.freeMB << 20, nil }
			p.rss = func(context.Context) (uint64, error) { return tc.rssMB << 20, tc.rssErr }

			rep := p.Run(context.Background())
			if rep.Healthy != tc.healthy {
				t.Fatalf("healthy=%v want %v: %+v", rep.Healthy, tc.healthy, rep.Results)
			}
			if got := levels(rep, "disk")[0]; got != tc.diskWant {
				t.Fatalf("disk level %s want %s", got, tc.diskWant)
			}
			if got := levels(rep, "process")[0]; got != tc.procWant {
				t.Fatalf("process level %s want %s", got, tc.procWant)
			}
		})
	}
}
