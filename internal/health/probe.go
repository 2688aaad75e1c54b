// Package health checks that a running collector is producing data: CSV
// freshness, recent log errors, process memory and free disk.
package health

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"hyperflow/config"
	"hyperflow/models"
)

type Level string

const (
	LevelOK      Level = "ok"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Result is the outcome of one check. Only LevelError fails the probe.
type Result struct {
	Check   string `json:"check"`
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

type Report struct {
	Time    time.Time `json:"time"`
	Healthy bool      `json:"healthy"`
	Results []Result  `json:"results"`
}

// Failures returns the results at LevelError.
func (r Report) Failures() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Level == LevelError {
			out = append(out, res)
		}
	}
	return out
}

type Probe struct {
	cfg    config.HealthConfig
	csvDir string
	coin   string
	now    func() time.Time

	rss      func(ctx context.Context) (uint64, error)
	diskFree func(ctx context.Context, path string) (uint64, error)
}

func NewProbe(cfg config.HealthConfig, csvDir, coin string) *Probe {
	return &Probe{
		cfg:      cfg,
		csvDir:   csvDir,
		coin:     coin,
		now:      time.Now,
		rss:      processRSS,
		diskFree: freeBytes,
	}
}

// Run executes every check in order.
func (p *Probe) Run(ctx context.Context) Report {
	rep := Report{Time: p.now().UTC(), Healthy: true}
	for _, check := range []func(context.Context) []Result{p.checkCSV, p.checkLog, p.checkProcess, p.checkDisk} {
		for _, res := range check(ctx) {
			if res.Level == LevelError {
				rep.Healthy = false
			}
			rep.Results = append(rep.Results, res)
		}
	}
	return rep
}

// checkCSV fails on a missing file; small or stale files only warn.
func (p *Probe) checkCSV(context.Context) []Result {
	var out []Result
	prefix := strings.ToLower(p.coin)
	for _, kind := range models.Kinds {
		name := fmt.Sprintf("%s_%s.csv", prefix, kind)
		info, err := os.Stat(filepath.Join(p.csvDir, name))
		if err != nil {
			out = append(out, Result{Check: "csv", Level: LevelError, Message: fmt.Sprintf("%s missing: %v", name, err)})
			continue
		}
		if info.Size() < p.cfg.MinFileSize {
			out = append(out, Result{Check: "csv", Level: LevelWarning, Message: fmt.Sprintf("%s too small (%d bytes)", name, info.Size())})
			continue
		}
		age := p.now().Sub(info.ModTime())
		if p.cfg.MaxFileAge > 0 && age > p.cfg.MaxFileAge {
			out = append(out, Result{Check: "csv", Level: LevelWarning, Message: fmt.Sprintf("%s not updated for %s", name, age.Truncate(time.Second))})
			continue
		}
		out = append(out, Result{Check: "csv", Level: LevelOK, Message: name + " is fresh"})
	}
	return out
}

// checkLog counts error lines among the last RecentLogLines of the log
// file. A missing or unreadable log is not a failure.
func (p *Probe) checkLog(context.Context) []Result {
	if p.cfg.LogFile == "" {
		return nil
	}
	lines, err := tailLines(p.cfg.LogFile, p.cfg.RecentLogLines)
	if err != nil {
		return []Result{{Check: "log", Level: LevelWarning, Message: fmt.Sprintf("cannot read %s: %v", p.cfg.LogFile, err)}}
	}
	errorsSeen := 0
	for _, line := range lines {
		if isErrorLine(line) {
			errorsSeen++
		}
	}
	if errorsSeen > p.cfg.MaxRecentErrors {
		return []Result{{Check: "log", Level: LevelError, Message: fmt.Sprintf("%d errors in the last %d lines", errorsSeen, len(lines))}}
	}
	return []Result{{Check: "log", Level: LevelOK, Message: fmt.Sprintf("%d recent errors", errorsSeen)}}
}

func isErrorLine(line string) bool {
	for _, marker := range []string{`"level":"error"`, `"level":"fatal"`, `"level":"panic"`, "level=error", "level=fatal", "ERROR", "CRITICAL"} {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

func (p *Probe) checkProcess(ctx context.Context) []Result {
	rss, err := p.rss(ctx)
	if err != nil {
		return []Result{{Check: "process", Level: LevelWarning, Message: fmt.Sprintf("rss unavailable: %v", err)}}
	}
	mb := rss / (1 << 20)
	if p.cfg.MemoryWarnMB > 0 && mb > p.cfg.MemoryWarnMB {
		return []Result{{Check: "process", Level: LevelWarning, Message: fmt.Sprintf("rss %dMB above %dMB", mb, p.cfg.MemoryWarnMB)}}
	}
	return []Result{{Check: "process", Level: LevelOK, Message: fmt.Sprintf("rss %dMB", mb)}}
}

func (p *Probe) checkDisk(ctx context.Context) []Result {
	path := p.csvDir
	if path == "" {
		path = "."
	}
	free, err := p.diskFree(ctx, path)
	if err != nil {
		return []Result{{Check: "disk", Level: LevelWarning, Message: fmt.Sprintf("disk usage unavailable: %v", err)}}
	}
	mb := free / (1 << 20)
	switch {
	case mb < p.cfg.DiskMinFreeMB:
		return []Result{{Check: "disk", Level: LevelError, Message: fmt.Sprintf("only %dMB free", mb)}}
	case mb < p.cfg.DiskWarnFreeMB:
		return []Result{{Check: "disk", Level: LevelWarning, Message: fmt.Sprintf("%dMB free", mb)}}
	}
	return []Result{{Check: "disk", Level: LevelOK, Message: fmt.Sprintf("%dMB free", mb)}}
}

func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if n <= 0 {
		n = 100
	}
	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	return ring, sc.Err()
}

func processRSS(ctx context.Context) (uint64, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return info.RSS, nil
}

func freeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
