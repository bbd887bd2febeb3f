package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type streamStat struct {
	frames  int64
	bytes   int64
	dropped int64
}

var (
	warnCount  sync.Map // component -> *int64
	errorCount sync.Map // component -> *int64
	streams    sync.Map // stream -> *streamStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string) {
	bump(&warnCount, component)
}

func recordError(component string) {
	bump(&errorCount, component)
}

func stream(name string) *streamStat {
	v, _ := streams.LoadOrStore(name, &streamStat{})
	return v.(*streamStat)
}

// RecordFrame counts one handled frame of size bytes for the named stream.
func RecordFrame(name string, size int) {
	s := stream(name)
	atomic.AddInt64(&s.frames, 1)
	atomic.AddInt64(&s.bytes, int64(size))
}

// RecordDrop counts one dropped frame for the named stream.
func RecordDrop(name string) {
	atomic.AddInt64(&stream(name).dropped, 1)
}

// StreamCounts returns frames, bytes and drops recorded for a stream.
func StreamCounts(name string) (frames, bytes, dropped int64) {
	v, ok := streams.Load(name)
	if !ok {
		return 0, 0, 0
	}
	s := v.(*streamStat)
	return atomic.LoadInt64(&s.frames), atomic.LoadInt64(&s.bytes), atomic.LoadInt64(&s.dropped)
}

// WarnCount reports warnings logged with the given component.
func WarnCount(component string) int64 {
	if v, ok := warnCount.Load(component); ok {
		return atomic.LoadInt64(v.(*int64))
	}
	return 0
}

func counters(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport logs stream and process statistics every interval until ctx ends.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
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

func logReport(ctx context.Context, log *Log) {
	cpuPct := 0.0
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuPct = pct[0]
	}
	memUsedMB := 0.0
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsedMB = float64(vm.Used) / 1024 / 1024
	}

	streamData := map[string]map[string]int64{}
	names := make([]string, 0)
	streams.Range(func(k, v any) bool {
		name := k.(string)
		s := v.(*streamStat)
		streamData[name] = map[string]int64{
			"frames":  atomic.LoadInt64(&s.frames),
			"bytes":   atomic.LoadInt64(&s.bytes),
			"dropped": atomic.LoadInt64(&s.dropped),
		}
		names = append(names, name)
		return true
	})
	sort.Strings(names)

	log.WithComponent("report").WithFields(Fields{
		"warns":       counters(&warnCount),
		"errors":      counters(&errorCount),
		"streams":     streamData,
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memUsedMB),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memUsedMB)},
	}
	for _, name := range names {
		stats := streamData[name]
		dims := []cwtypes.Dimension{{Name: aws.String("Stream"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("FramesHandled"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["frames"]))},
			cwtypes.MetricDatum{MetricName: aws.String("FramesDropped"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(stats["dropped"]))},
		)
	}

	publishMetrics(ctx, data)
}
