package source

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

func quietLogger() *log.Logger {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger
}

func heartbeat(context.Context) (events.Event, error) {
	return events.NewHeartbeatEvent("1.0.0", time.Now().Format(time.RFC3339), ""), nil
}

func TestRunWithTicker_BasicOperation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 350*time.Millisecond)
	defer cancel()

	eventChan := make(chan events.Event, 10)
	callCount := 0

	err := RunWithTicker(ctx, eventChan, TickerConfig{
		Name:     "test-source",
		Interval: 100 * time.Millisecond,
		Logger:   quietLogger(),
		Collect: func(ctx context.Context) (events.Event, error) {
			callCount++
			return heartbeat(ctx)
		},
	})
	if err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}

	// Immediately, then at 100, 200 and 300ms
	if callCount < 4 {
		t.Errorf("expected at least 4 calls, got %d", callCount)
	}

	close(eventChan)
	eventCount := 0
	for range eventChan {
		eventCount++
	}
	if eventCount != callCount {
		t.Errorf("expected %d events, got %d", callCount, eventCount)
	}
}

func TestRunWithTicker_SkipFirst(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	eventChan := make(chan events.Event, 10)
	callCount := 0

	_ = RunWithTicker(ctx, eventChan, TickerConfig{
		Name:      "test-source",
		Interval:  100 * time.Millisecond,
		SkipFirst: true,
		Logger:    quietLogger(),
		Collect: func(ctx context.Context) (events.Event, error) {
			callCount++
			return heartbeat(ctx)
		},
	})

	if callCount < 2 || callCount > 3 {
		t.Errorf("expected 2-3 calls with SkipFirst, got %d", callCount)
	}
}

func TestRunWithTicker_ErrorHandling(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	eventChan := make(chan events.Event, 10)
	callCount := 0

	_ = RunWithTicker(ctx, eventChan, TickerConfig{
		Name:     "test-source",
		Interval: 100 * time.Millisecond,
		Logger:   quietLogger(),
		Collect: func(ctx context.Context) (events.Event, error) {
			callCount++
			return nil, errors.New("test error")
		},
	})
	close(eventChan)

	if callCount < 2 {
		t.Errorf("expected at least 2 calls despite errors, got %d", callCount)
	}

	errorEventCount := 0
	for event := range eventChan {
		if event.Type() == events.EventTypeError {
			errorEventCount++
		}
	}
	if errorEventCount != callCount {
		t.Errorf("expected %d error events, got %d", callCount, errorEventCount)
	}
}

func TestRunWithTicker_NilEvents(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	eventChan := make(chan events.Event, 10)
	_ = RunWithTicker(ctx, eventChan, TickerConfig{
		Name:     "test-source",
		Interval: 100 * time.Millisecond,
		Logger:   quietLogger(),
		Collect:  func(context.Context) (events.Event, error) { return nil, nil },
	})
	close(eventChan)

	if len(eventChan) != 0 {
		t.Errorf("expected 0 events for nil returns, got %d", len(eventChan))
	}
}

func TestRunWithTicker_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	eventChan := make(chan events.Event, 10)

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := RunWithTicker(ctx, eventChan, TickerConfig{
		Name:     "test-source",
		Interval: 100 * time.Millisecond,
		Logger:   quietLogger(),
		Collect:  heartbeat,
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestHeartbeatSource(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewHeartbeatSource("1.2.3", "start", func() string { return "ABC123" }, 20*time.Millisecond, quietLogger())
	if src.Name != "heartbeat" {
		t.Errorf("expected name heartbeat, got %s", src.Name)
	}

	out := make(chan events.Event, 1)
	go func() { _ = src.Start(ctx, out) }()

	select {
	case ev := <-out:
		hb, ok := ev.(events.HeartbeatEvent)
		if !ok {
			t.Fatalf("expected a heartbeat event, got %T", ev)
		}
		if hb.Version != "1.2.3" || hb.DeviceKey != "ABC123" {
			t.Errorf("unexpected heartbeat: %+v", hb)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}
