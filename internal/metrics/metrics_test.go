package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesCounters(t *testing.T) {
	Init()
	IncFrame("data", "book")
	IncDropped("frames_malformed_dropped")
	IncReconnect()
	IncStale("ticker")
	ObserveBookFlush(3)
	SetActiveSubscriptions(4)
	SetPingLatency(120 * time.Millisecond)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	for _, name := range []string{
		`feedflow_frames_total{channel="book",kind="data"}`,
		"feedflow_reconnects_total",
		"feedflow_active_subscriptions 4",
		"feedflow_ping_latency_seconds 0.12",
		"feedflow_book_flush_size_count",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}
