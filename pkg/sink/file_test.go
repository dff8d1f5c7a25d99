package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/heuristics"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger
}

func createTestFileSink(t *testing.T) (*FileSink, string) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink, err := NewFileSink(path, quietLogger())
	if err != nil {
		t.Fatalf("Failed to create file sink: %v", err)
	}
	return sink, path
}

func readLines(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Failed to open file: %v", err)
	}
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatalf("invalid JSON line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, line)
	}
	return lines
}

func TestNewFileSink(t *testing.T) {
	sink, _ := createTestFileSink(t)
	defer sink.Close()

	if sink.Name() != "file" {
		t.Errorf("expected name 'file', got %s", sink.Name())
	}
	if sink.file == nil || sink.writer == nil {
		t.Error("expected file and writer to be initialized")
	}
}

func TestNewFileSink_BadPath(t *testing.T) {
	_, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "events.jsonl"), quietLogger())
	if err == nil {
		t.Error("expected an error for a missing directory")
	}
}

func TestFileSink_WritesOneLinePerEvent(t *testing.T) {
	sink, path := createTestFileSink(t)
	ctx := context.Background()

	advice := advisor.Advice{
		Warnings:    []advisor.Warning{{Trigger: "VmRSS", Level: heuristics.Red}},
		Predictions: map[string]int64{"VmRSS": 500},
	}
	toWrite := []events.Event{
		events.NewStateEvent(advisor.StateCritical, advisor.StateOK),
		events.NewAdviceEvent(advice, advisor.StateCritical),
		events.NewStressTestEvent(stresstest.Result{TimedOut: true, Segments: 2}),
		events.NewErrorEvent(events.ErrorPayload{ErrorMessage: "boom", ErrorType: "source_error"}),
	}
	for _, ev := range toWrite {
		if err := sink.Process(ctx, ev); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := readLines(t, path)
	if len(lines) != len(toWrite) {
		t.Fatalf("expected %d lines, got %d", len(toWrite), len(lines))
	}

	if lines[0]["type"] != "state" || lines[0]["state"] != "CRITICAL" || lines[0]["previous"] != "OK" {
		t.Errorf("unexpected state line: %v", lines[0])
	}
	if lines[1]["availability_estimate"] != float64(500) {
		t.Errorf("unexpected advice line: %v", lines[1])
	}
	result, _ := lines[2]["result"].(map[string]interface{})
	if result["timedOut"] != true {
		t.Errorf("unexpected stress test line: %v", lines[2])
	}
	if lines[3]["type"] != "error" {
		t.Errorf("unexpected error line: %v", lines[3])
	}
}

func TestFileSink_Appends(t *testing.T) {
	sink, path := createTestFileSink(t)
	_ = sink.Process(context.Background(), events.NewHeartbeatEvent("1.0.0", "a", ""))
	_ = sink.Close()

	sink, err := NewFileSink(path, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	_ = sink.Process(context.Background(), events.NewHeartbeatEvent("1.0.0", "b", ""))
	_ = sink.Close()

	lines := readLines(t, path)
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[1]["start_time"] != "b" {
		t.Errorf("expected second heartbeat last, got %v", lines[1])
	}
}
