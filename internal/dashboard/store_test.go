package dashboard

import (
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"feedflow/internal/metrics"
)

func TestMetricStoreLimit(t *testing.T) {
	store := newMetricStore(2)
	for i := 0; i < 5; i++ {
		store.handle(metrics.Metric{Timestamp: time.Unix(int64(i), 0), Name: "metric", Value: i})
	}

	snapshot := store.snapshot("")
	if len(snapshot) != 2 {
		t.Fatalf("expected 2 metrics in snapshot, got %d", len(snapshot))
	}
	if snapshot[0].Value != 3 || snapshot[1].Value != 4 {
		t.Fatalf("unexpected metrics retained: %#v", snapshot)
	}
}

func TestLogStoreCapturesEntries(t *testing.T) {
	store := newLogStore(3)
	entry := logrus.NewEntry(logrus.New())
	entry.Time = time.Unix(10, 0)
	entry.Level = logrus.WarnLevel
	entry.Message = "failed to decode frame"
	entry.Data = logrus.Fields{"component": "normalizer", "error": errors.New("bad"), "stack": "goroutine 1"}

	if err := store.Fire(entry); err != nil {
		t.Fatalf("Fire: %v", err)
	}

	snapshot := store.snapshot(logrus.TraceLevel, "")
	if len(snapshot) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(snapshot))
	}
	rec := snapshot[0]
	if rec.Component != "normalizer" || rec.Fields["error"] != "bad" {
		t.Fatalf("unexpected record %#v", rec)
	}
	if _, ok := rec.Fields["stack"]; ok {
		t.Fatalf("stack field should not be retained")
	}
}

func TestLogStoreFiltersAndClose(t *testing.T) {
	store := newLogStore(10)
	for _, tc := range []struct {
		level     logrus.Level
		component string
	}{
		{logrus.InfoLevel, "transport"},
		{logrus.WarnLevel, "transport"},
		{logrus.ErrorLevel, "normalizer"},
		{logrus.DebugLevel, "normalizer"},
	} {
		entry := logrus.NewEntry(logrus.New())
		entry.Level = tc.level
		entry.Message = "msg"
		entry.Data = logrus.Fields{"component": tc.component}
		if err := store.Fire(entry); err != nil {
			t.Fatalf("Fire: %v", err)
		}
	}

	if got := len(store.snapshot(logrus.WarnLevel, "")); got != 2 {
		t.Fatalf("expected 2 entries at warn or above, got %d", got)
	}
	if got := len(store.snapshot(logrus.TraceLevel, "normalizer")); got != 2 {
		t.Fatalf("expected 2 normalizer entries, got %d", got)
	}

	store.close()
	entry := logrus.NewEntry(logrus.New())
	entry.Message = "ignored"
	_ = store.Fire(entry)
	if got := len(store.snapshot(logrus.TraceLevel, "")); got != 4 {
		t.Fatalf("store accepted entries after close")
	}
}
