package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbtuneai/memadvisor/pkg/advisor"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/heuristics"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

type fakeAdvisor struct {
	advice advisor.Advice
	err    error
}

func (f *fakeAdvisor) GetAdvice(ctx context.Context) (advisor.Advice, error) {
	return f.advice, f.err
}

func (f *fakeAdvisor) MemoryState(ctx context.Context) (advisor.MemoryState, error) {
	if f.err != nil {
		return advisor.StateUnknown, f.err
	}
	return advisor.State(f.advice, false), nil
}

func (f *fakeAdvisor) DeviceInfo() advisor.DeviceInfo {
	return advisor.DeviceInfo{DeviceKey: "pixel", Rules: 3}
}

func newTestServer(t *testing.T, adv Advisor) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "memadvisor_test_total", Help: "Test counter."})
	reg.MustRegister(c)
	c.Inc()
	s := New(Options{Advisor: adv, Gatherer: reg, Logger: logger})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestEndpoints(t *testing.T) {
	adv := &fakeAdvisor{advice: advisor.Advice{
		Warnings: []advisor.Warning{{Trigger: "VmRSS", Level: heuristics.Yellow}},
		Metrics:  metrics.Tree{"VmRSS": 10},
	}}
	s := newTestServer(t, adv)

	rec := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, s, "/advice")
	require.Equal(t, http.StatusOK, rec.Code)
	var advice advisor.Advice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &advice))
	require.Len(t, advice.Warnings, 1)
	assert.Equal(t, "VmRSS", advice.Warnings[0].Trigger)

	rec = get(t, s, "/state")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state":"APPROACHING_LIMIT"}`, rec.Body.String())

	rec = get(t, s, "/device")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deviceKey":"pixel"`)

	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "memadvisor_test_total 1")
}

func TestAdviceNotReady(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{err: advisor.ErrNotReady})

	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/advice").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, s, "/state").Code)
}

func TestLatestAdviceComesFromEvents(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{})
	assert.Equal(t, http.StatusNotFound, get(t, s, "/advice/latest").Code)

	advice := advisor.Advice{Predictions: map[string]int64{"VmRSS": 2048}}
	require.NoError(t, s.Process(context.Background(), events.NewAdviceEvent(advice, advisor.StateOK)))

	rec := get(t, s, "/advice/latest")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "advice", body["type"])
	assert.Equal(t, "OK", body["state"])
}

func TestStreamBroadcastsStateChanges(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{})
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx := context.Background()
	require.NoError(t, s.Process(ctx, events.NewStateEvent(advisor.StateOK, advisor.StateUnknown)))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// the last state is replayed on connect
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "state", msg["type"])
	assert.Equal(t, "OK", msg["state"])

	require.NoError(t, s.Process(ctx, events.NewStateEvent(advisor.StateCritical, advisor.StateOK)))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "CRITICAL", msg["state"])
	assert.Equal(t, "OK", msg["previous"])
}

func TestRunStopsOnCancel(t *testing.T) {
	s := newTestServer(t, &fakeAdvisor{})
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}
