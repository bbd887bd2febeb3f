package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestConfigureInvalidFormat(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureFileOutput(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	path := filepath.Join(t.TempDir(), "feedflow.log")

	log := Logger()
	if err := log.Configure("info", "json", path, 0); err != nil {
		t.Fatalf("configure: %v", err)
	}
	log.WithComponent("test").Info("hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !bytes.Contains(data, []byte(`"message":"hello"`)) {
		t.Fatalf("log line not written: %s", data)
	}
}

func TestWithEnv(t *testing.T) {
	t.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestWarnIsCountedPerComponent(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	before := WarnCount("warn_counter_test")
	log.WithComponent("warn_counter_test").Warn("careful")
	if got := WarnCount("warn_counter_test"); got != before+1 {
		t.Fatalf("expected warn count %d, got %d", before+1, got)
	}
}

func TestRecordFrameAndDrop(t *testing.T) {
	RecordFrame("report_test", 10)
	RecordFrame("report_test", 5)
	RecordDrop("report_test")

	frames, size, dropped := StreamCounts("report_test")
	if frames != 2 || size != 15 || dropped != 1 {
		t.Fatalf("unexpected counts frames=%d bytes=%d dropped=%d", frames, size, dropped)
	}
}

func TestLogReportEmitsStreams(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	RecordFrame("report_emit", 1)

	logReport(context.Background(), log)

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to unmarshal log entry: %v", err)
	}
	streams, ok := entry["streams"].(map[string]interface{})
	if !ok {
		t.Fatalf("streams field missing: %v", entry)
	}
	if _, ok := streams["report_emit"]; !ok {
		t.Fatalf("report_emit stream missing: %v", streams)
	}
}

type fakePublisher struct {
	inputs []*cloudwatch.PutMetricDataInput
}

func (f *fakePublisher) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func (f *fakePublisher) PutDashboard(context.Context, *cloudwatch.PutDashboardInput, ...func(*cloudwatch.Options)) (*cloudwatch.PutDashboardOutput, error) {
	return &cloudwatch.PutDashboardOutput{}, nil
}

func TestLogMetricPublishesNumericValues(t *testing.T) {
	pub := &fakePublisher{}
	setMetricPublisher(pub)
	defer setMetricPublisher(nil)

	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.LogMetric("normalizer", "frames_dropped", int64(3), "counter", Fields{"channel": "book"})
	log.LogMetric("normalizer", "ignored", "not-a-number", "", nil)

	if len(pub.inputs) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(pub.inputs))
	}
	datum := pub.inputs[0].MetricData[0]
	if *datum.MetricName != "frames_dropped" || *datum.Value != 3 {
		t.Fatalf("unexpected datum: %+v", datum)
	}
	if len(datum.Dimensions) != 2 {
		t.Fatalf("expected component and channel dimensions, got %d", len(datum.Dimensions))
	}
}
