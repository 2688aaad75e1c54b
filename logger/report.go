package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCounts  sync.Map // component -> *int64
	errorCounts sync.Map // component -> *int64
	streamReads int64
	pollReads   int64
	sinkWrites  int64
	s3Uploads   int64
	channels    sync.Map // name -> *channelStat
)

func bump(m *sync.Map, component string) {
	v, _ := m.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnCounts, component)
}

func recordError(component string) {
	bump(&errorCounts, component)
}

// IncrementStreamRead counts one inbound WebSocket frame.
func IncrementStreamRead(size int) {
	atomic.AddInt64(&streamReads, 1)
	recordChannel("hyperliquid_ws", size)
}

// IncrementPollRead counts one successful REST poll.
func IncrementPollRead(size int) {
	atomic.AddInt64(&pollReads, 1)
	recordChannel("hyperliquid_rest", size)
}

// IncrementSinkWrite counts one record handed to a sink of the given kind.
func IncrementSinkWrite(kind string) {
	atomic.AddInt64(&sinkWrites, 1)
	recordChannel("sink_"+kind, 0)
}

// IncrementS3Upload counts one object written to S3.
func IncrementS3Upload(size int64) {
	atomic.AddInt64(&s3Uploads, 1)
	recordChannel("s3_upload", int(size))
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters is a point-in-time copy of the report counters.
type Counters struct {
	StreamReads int64                       `json:"stream_reads"`
	PollReads   int64                       `json:"poll_reads"`
	SinkWrites  int64                       `json:"sink_writes"`
	S3Uploads   int64                       `json:"s3_uploads"`
	Warns       map[string]int64            `json:"warns"`
	Errors      map[string]int64            `json:"errors"`
	Channels    map[string]map[string]int64 `json:"channels"`
}

func snapshotMap(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// Snapshot returns the current counter values.
func Snapshot() Counters {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})
	return Counters{
		StreamReads: atomic.LoadInt64(&streamReads),
		PollReads:   atomic.LoadInt64(&pollReads),
		SinkWrites:  atomic.LoadInt64(&sinkWrites),
		S3Uploads:   atomic.LoadInt64(&s3Uploads),
		Warns:       snapshotMap(&warnCounts),
		Errors:      snapshotMap(&errorCounts),
		Channels:    channelData,
	}
}

// StartReport logs system and channel statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func sum(m map[string]int64) int64 {
	var total int64
	for _, v := range m {
		total += v
	}
	return total
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsedMB, diskUsedMB float64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsedMB = float64(memStats.Used) / 1024 / 1024
	}
	if diskStats, err := disk.Usage("/"); err == nil {
		diskUsedMB = float64(diskStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if netStats, err := gnet.IOCounters(false); err == nil && len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	c := Snapshot()
	warns, errs := sum(c.Warns), sum(c.Errors)

	log.WithComponent("report").WithFields(Fields{
		"warns":          warns,
		"errors":         errs,
		"stream_reads":   c.StreamReads,
		"poll_reads":     c.PollReads,
		"sink_writes":    c.SinkWrites,
		"s3_uploads":     c.S3Uploads,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memUsedMB),
		"disk_mb":        int64(diskUsedMB),
		"channels":       c.Channels,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	datum := func(name string, unit cwtypes.StandardUnit, v float64) cwtypes.MetricDatum {
		return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(v)}
	}
	data := []cwtypes.MetricDatum{
		datum("CPUPercent", cwtypes.StandardUnitPercent, cpuPct),
		datum("MemoryMB", cwtypes.StandardUnitMegabytes, memUsedMB),
		datum("DiskMB", cwtypes.StandardUnitMegabytes, diskUsedMB),
		datum("Warns", cwtypes.StandardUnitCount, float64(warns)),
		datum("Errors", cwtypes.StandardUnitCount, float64(errs)),
		datum("StreamReads", cwtypes.StandardUnitCount, float64(c.StreamReads)),
		datum("PollReads", cwtypes.StandardUnitCount, float64(c.PollReads)),
		datum("SinkWrites", cwtypes.StandardUnitCount, float64(c.SinkWrites)),
		datum("S3Uploads", cwtypes.StandardUnitCount, float64(c.S3Uploads)),
		datum("NetBytesSent", cwtypes.StandardUnitBytes, float64(bytesSent)),
		datum("NetBytesRecv", cwtypes.StandardUnitBytes, float64(bytesRecv)),
	}

	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dims := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		msgs := datum("ChannelMessages", cwtypes.StandardUnitCount, float64(c.Channels[name]["messages"]))
		msgs.Dimensions = dims
		byts := datum("ChannelBytes", cwtypes.StandardUnitBytes, float64(c.Channels[name]["bytes"]))
		byts.Dimensions = dims
		data = append(data, msgs, byts)
	}

	publishMetrics(ctx, data)
}
