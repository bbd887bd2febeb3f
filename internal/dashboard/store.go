package dashboard

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"feedflow/internal/metrics"
)

// ring is a bounded, most-recent-last history.
type ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func newRing[T any](limit int) *ring[T] {
	if limit <= 0 {
		limit = 200
	}
	return &ring[T]{limit: limit}
}

func (r *ring[T]) push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, v)
	if len(r.items) > r.limit {
		r.items = append([]T(nil), r.items[len(r.items)-r.limit:]...)
	}
}

// filter returns the retained items accepted by keep, oldest first.
func (r *ring[T]) filter(keep func(T) bool) []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.items))
	for _, v := range r.items {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// metricStore keeps the latest metric events, mostly drop counters and
// reports, for the metrics endpoint.
type metricStore struct {
	*ring[metrics.Metric]
}

func newMetricStore(limit int) *metricStore {
	return &metricStore{ring: newRing[metrics.Metric](limit)}
}

func (s *metricStore) handle(metric metrics.Metric) {
	s.push(metric)
}

func (s *metricStore) snapshot(component string) []metrics.Metric {
	return s.filter(func(m metrics.Metric) bool {
		return component == "" || m.Component == component
	})
}

type logRecord struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Component string                 `json:"component,omitempty"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// logStore is a logrus hook retaining recent entries of the global logger.
type logStore struct {
	*ring[logRecord]
	enabled atomic.Bool
}

func newLogStore(limit int) *logStore {
	ls := &logStore{ring: newRing[logRecord](limit)}
	ls.enabled.Store(true)
	return ls
}

func (s *logStore) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (s *logStore) Fire(entry *logrus.Entry) error {
	if !s.enabled.Load() {
		return nil
	}

	record := logRecord{
		Timestamp: entry.Time,
		Level:     entry.Level.String(),
		Message:   entry.Message,
	}
	if component, ok := entry.Data["component"].(string); ok {
		record.Component = component
	}
	for k, v := range entry.Data {
		// stack traces from recovered panics are too large to keep
		if k == "component" || k == "stack" {
			continue
		}
		if record.Fields == nil {
			record.Fields = make(map[string]interface{}, len(entry.Data))
		}
		switch val := v.(type) {
		case error:
			record.Fields[k] = val.Error()
		case fmt.Stringer:
			record.Fields[k] = val.String()
		default:
			record.Fields[k] = val
		}
	}

	s.push(record)
	return nil
}

// snapshot returns retained entries at or above level, optionally limited
// to one component.
func (s *logStore) snapshot(level logrus.Level, component string) []logRecord {
	return s.filter(func(r logRecord) bool {
		lvl, err := logrus.ParseLevel(r.Level)
		if err == nil && lvl > level {
			return false
		}
		return component == "" || r.Component == component
	})
}

func (s *logStore) close() {
	s.enabled.Store(false)
}
