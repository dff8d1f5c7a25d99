package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"

	"github.com/dbtuneai/memadvisor/pkg/events"
)

const requestTimeout = 5 * time.Second

// HTTPSink posts events to a remote endpoint. State changes, stress test
// results and errors are sent right away; advice is sampled and only the
// latest one is sent on each flush.
type HTTPSink struct {
	client   *retryablehttp.Client
	endpoint string
	logger   *log.Logger

	mu     sync.Mutex
	advice *events.AdviceEvent
}

func NewHTTPSink(client *retryablehttp.Client, endpoint string, logger *log.Logger) *HTTPSink {
	return &HTTPSink{
		client:   client,
		endpoint: endpoint,
		logger:   logger,
	}
}

func (s *HTTPSink) Name() string {
	return "http"
}

func (s *HTTPSink) Process(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.AdviceEvent:
		s.mu.Lock()
		s.advice = &e
		s.mu.Unlock()
		return nil
	case events.StateEvent:
		if e.State.Severity() > e.Previous.Severity() {
			s.logger.Warnf("Sending memory state %s (was %s)", e.State, e.Previous)
		}
		return s.post(ctx, event)
	case events.ErrorEvent:
		s.logger.Errorf("Sending error report, type: %s, message: %s", e.Payload.ErrorType, e.Payload.ErrorMessage)
		return s.post(ctx, event)
	case events.HeartbeatEvent, events.StressTestEvent:
		return s.post(ctx, event)
	}
	s.logger.Warnf("[http] unknown event type: %v", event.Type())
	return nil
}

// Flush sends the latest buffered advice
func (s *HTTPSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	latest := s.advice
	s.advice = nil
	s.mu.Unlock()

	if latest == nil {
		return nil
	}
	return s.post(ctx, *latest)
}

func (s *HTTPSink) Close() error {
	return s.Flush(context.Background())
}

func (s *HTTPSink) post(ctx context.Context, event events.Event) error {
	payload, ok := events.Payload(event)
	if !ok {
		return fmt.Errorf("cannot serialise %s event", event.Type())
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, s.endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		s.logger.Warnf("Failed to send %s event. Response body: %s", event.Type(), string(body))
		return fmt.Errorf("failed to send %s event, code: %d", event.Type(), resp.StatusCode)
	}
	return nil
}
