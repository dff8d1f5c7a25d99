package stresstest

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
	"github.com/dbtuneai/memadvisor/pkg/probe"
)

func TestFramesKeepNestedGroupsAsTrees(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.Encode(Message{ID: "1", Kind: GetBaselineMetrics}))
	require.NoError(t, enc.Encode(Message{
		ID: "2", ReplyTo: "1", Kind: GetBaselineMetricsReturn, Pid: 99,
		Metrics: metrics.Tree{"status": metrics.Tree{"VmRSS": 123}, "meta": metrics.Tree{"time": 5}},
	}))

	dec := NewDecoder(&buf)
	first, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, GetBaselineMetrics, first.Kind)
	assert.Nil(t, first.Metrics)

	second, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, int32(99), second.Pid)
	assert.Equal(t, "1", second.ReplyTo)
	require.NotNil(t, second.Metrics.Group("status"))
	v, ok := second.Metrics.Number("VmRSS")
	require.True(t, ok)
	assert.Equal(t, 123.0, v)
	ts, ok := second.Metrics.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(5), ts.UnixMilli())

	_, err = dec.Decode()
	assert.ErrorIs(t, err, io.EOF)
}

func TestServeAnswersRequests(t *testing.T) {
	var in, out bytes.Buffer
	enc := NewEncoder(&in)
	require.NoError(t, enc.Encode(Message{ID: "a", Kind: GetBaselineMetrics}))
	require.NoError(t, enc.Encode(Message{ID: "b", Kind: OccupyMemory, Bytes: 100}))
	require.NoError(t, enc.Encode(Message{ID: "c", Kind: OccupyMemory, Bytes: 100}))

	var occupied []int64
	err := Serve(context.Background(), &in, &out, ServeOptions{
		Collect: func(ctx context.Context) (metrics.Tree, error) {
			return metrics.Tree{"VmRSS": 1}, nil
		},
		MaxBytes: 150,
		Occupy: func(n int64) (*probe.Segment, error) {
			occupied = append(occupied, n)
			return &probe.Segment{}, nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, occupied)

	dec := NewDecoder(&out)
	var replies []Message
	for {
		m, err := dec.Decode()
		if err != nil {
			break
		}
		replies = append(replies, m)
	}
	require.Len(t, replies, 3)
	assert.Equal(t, GetBaselineMetricsReturn, replies[0].Kind)
	assert.Equal(t, "a", replies[0].ReplyTo)
	assert.NotZero(t, replies[0].Pid)
	assert.NotContains(t, replies[0].Metrics, ApplicationAllocatedKey)

	assert.Equal(t, OccupyMemoryOK, replies[1].Kind)
	allocated, _ := replies[1].Metrics.Number(ApplicationAllocatedKey)
	assert.Equal(t, 100.0, allocated)

	assert.Equal(t, OccupyMemoryFailed, replies[2].Kind)
	assert.Equal(t, "c", replies[2].ReplyTo)
}

func TestServeNeedsCollector(t *testing.T) {
	err := Serve(context.Background(), &bytes.Buffer{}, io.Discard, ServeOptions{})
	assert.Error(t, err)
}
