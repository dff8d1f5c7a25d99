package runner

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dbtuneai/memadvisor/pkg/agent"
	"github.com/dbtuneai/memadvisor/pkg/config"
	"github.com/dbtuneai/memadvisor/pkg/events"
	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/profile"
	"github.com/dbtuneai/memadvisor/pkg/sink"
	"github.com/dbtuneai/memadvisor/pkg/source"
	"github.com/dbtuneai/memadvisor/pkg/stresstest"
)

// MockDevice implements DeviceMatcher and LimitSetter for testing
type MockDevice struct {
	mock.Mock
}

func (m *MockDevice) MatchDevice(ctx context.Context, table profile.Table, strategy profile.Strategy, fingerprint string) (string, error) {
	args := m.Called(table, strategy, fingerprint)
	return args.String(0), args.Error(1)
}

func (m *MockDevice) SetDeviceLimits(key string, entry profile.Entry) {
	m.Called(key, entry)
}

func defaults(t *testing.T) config.Options {
	t.Helper()
	opts, err := config.Default()
	require.NoError(t, err)
	return opts
}

func writeTable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devices.yaml")
	require.NoError(t, profile.Save(path, profile.Table{
		"pixel-7": {Baseline: metrics.Tree{"VmRSS": 100}, Limit: metrics.Tree{"VmRSS": 900}},
	}))
	return path
}

func TestPrepareDevice(t *testing.T) {
	tablePath := writeTable(t)

	tests := []struct {
		name       string
		path       string
		stress     bool
		matchErr   error
		expectCall bool
		wantStress bool
		wantErr    string
	}{
		{name: "nothing configured", wantErr: ErrNoDeviceSource.Error()},
		{name: "stress test only", stress: true, wantStress: true},
		{name: "table match", path: tablePath, expectCall: true},
		{name: "missing table falls back", path: "/nonexistent/devices.json", stress: true, wantStress: true},
		{name: "missing table without fallback", path: "/nonexistent/devices.json", wantErr: "failed to read device table"},
		{name: "match failure", path: tablePath, expectCall: true, matchErr: errors.New("boom"), wantErr: "failed to match device: boom"},
		{name: "match failure falls back", path: tablePath, expectCall: true, matchErr: errors.New("boom"), stress: true, wantStress: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := defaults(t)
			opts.DeviceTable.Path = tt.path
			opts.StressTest.Enabled = tt.stress
			opts.MatchStrategy = string(profile.ByFingerprint)

			m := &MockDevice{}
			if tt.expectCall {
				m.On("MatchDevice", mock.Anything, profile.ByFingerprint, "pixel-8").Return("pixel-7", tt.matchErr)
			}
			logger, _ := test.NewNullLogger()

			stress, err := PrepareDevice(context.Background(), m, opts, nil, "pixel-8", logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantStress, stress)
			m.AssertExpectations(t)
		})
	}
}

func TestApplyStressResult(t *testing.T) {
	logger, hook := test.NewNullLogger()

	m := &MockDevice{}
	assert.False(t, ApplyStressResult(m, "host", stresstest.Result{Killed: true}, logger))
	m.AssertNotCalled(t, "SetDeviceLimits", mock.Anything, mock.Anything)
	assert.Contains(t, hook.LastEntry().Message, "killed=true")

	result := stresstest.Result{
		Baseline: metrics.Tree{"VmRSS": 10},
		Limit:    metrics.Tree{"VmRSS": 500, stresstest.ApplicationAllocatedKey: 8 << 20},
		Segments: 2,
	}
	m.On("SetDeviceLimits", "host", profile.EntryFrom("host", result.Baseline, result.Limit)).Return()
	assert.True(t, ApplyStressResult(m, "host", result, logger))
	m.AssertExpectations(t)
	assert.Contains(t, hook.LastEntry().Message, "2 segments")
}

func TestAfterReadyWaits(t *testing.T) {
	ready := make(chan struct{})
	started := make(chan struct{})
	s := afterReady(ready, source.SourceRunner{
		Name: "probe",
		Start: func(ctx context.Context, out chan<- events.Event) error {
			close(started)
			return nil
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.Start(context.Background(), nil) }()

	select {
	case <-started:
		t.Fatal("source started before ready")
	case <-time.After(50 * time.Millisecond):
	}
	close(ready)
	require.NoError(t, <-done)
	<-started
}

func TestAfterReadyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := afterReady(make(chan struct{}), source.SourceRunner{
		Start: func(ctx context.Context, out chan<- events.Event) error {
			t.Fatal("must not start")
			return nil
		},
	})
	assert.NoError(t, s.Start(ctx, nil))
}

func TestCreateSinks(t *testing.T) {
	commonAgent := agent.CreateCommonAgent(agent.Options{Output: io.Discard})
	opts := defaults(t)

	sinks, srv, err := createSinks(commonAgent, opts, nil)
	require.NoError(t, err)
	assert.Nil(t, srv)
	assert.Equal(t, []string{"prometheus"}, names(sinks))

	opts.Sinks.File = filepath.Join(t.TempDir(), "events.jsonl")
	opts.Sinks.Endpoint = "http://localhost:9/events"
	opts.Server.Listen = "127.0.0.1:0"
	built, err := NewAdvisor(opts, commonAgent.Logger())
	require.NoError(t, err)

	sinks, srv, err = createSinks(commonAgent, opts, built.Advisor)
	require.NoError(t, err)
	require.NotNil(t, srv)
	assert.Equal(t, []string{"prometheus", "file", "http", "server"}, names(sinks))
	for _, s := range sinks {
		if c, ok := s.(sink.Closer); ok {
			assert.NoError(t, c.Close())
		}
	}
}

func TestCreateSinksBadFile(t *testing.T) {
	commonAgent := agent.CreateCommonAgent(agent.Options{Output: io.Discard})
	opts := defaults(t)
	opts.Sinks.File = filepath.Join(t.TempDir(), "missing", "events.jsonl")

	_, _, err := createSinks(commonAgent, opts, nil)
	assert.Error(t, err)
}

func TestCreateSources(t *testing.T) {
	commonAgent := agent.CreateCommonAgent(agent.Options{Output: io.Discard})
	opts := defaults(t)
	opts.MapTester.SizeBytes = 1 << 20

	built, err := NewAdvisor(opts, commonAgent.Logger())
	require.NoError(t, err)
	require.NotNil(t, built.MapTester)
	assert.False(t, built.Advisor.Ready())

	sources := createSources(commonAgent, opts, built, "host", true, []string{"worker"}, make(chan struct{}), func() {})
	var got []string
	for _, s := range sources {
		got = append(got, s.Name)
	}
	assert.Equal(t, []string{"heartbeat", "watcher", "stress-test", "map-tester"}, got)
}

func TestFingerprint(t *testing.T) {
	opts := defaults(t)
	opts.Fingerprint = "override"
	assert.Equal(t, "override", Fingerprint(opts))

	opts.Fingerprint = ""
	assert.Equal(t, profile.HostFingerprint(), Fingerprint(opts))
}

func names(sinks []sink.Sink) []string {
	out := make([]string, 0, len(sinks))
	for _, s := range sinks {
		out = append(out, s.Name())
	}
	return out
}
