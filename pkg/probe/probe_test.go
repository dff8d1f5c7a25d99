package probe

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAllocSmallRegion(t *testing.T) {
	assert.True(t, TryAlloc(64<<10))
	assert.True(t, TryAlloc(0))
}

func TestOccupyAndRelease(t *testing.T) {
	seg, err := Occupy(10000)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, seg.Len(), 10000)
	require.NoError(t, seg.Release())
	assert.Equal(t, 0, seg.Len())
	require.NoError(t, seg.Release())
}

func TestFillTouchesEveryByte(t *testing.T) {
	b := make([]byte, 256)
	fill(b)
	zeros := 0
	for _, v := range b {
		if v == 0 {
			zeros++
		}
	}
	assert.Less(t, zeros, 16)
}

func TestMapTesterThreshold(t *testing.T) {
	ok := true
	m := &MapTester{Size: 1, Threshold: 3, Alloc: func(int64) bool { return ok }}

	m.Check()
	assert.False(t, m.Warning())

	ok = false
	m.Check()
	m.Check()
	assert.False(t, m.Warning())
	m.Check()
	assert.True(t, m.Warning())

	m.Reset()
	assert.False(t, m.Warning())

	// a success in between restarts the count
	m.Check()
	m.Check()
	ok = true
	m.Check()
	ok = false
	m.Check()
	assert.False(t, m.Warning())
}

func TestMapTesterRunStopsOnCancel(t *testing.T) {
	calls := make(chan struct{}, 16)
	m := &MapTester{Size: 1, Interval: time.Millisecond, Threshold: 1, Alloc: func(int64) bool {
		select {
		case calls <- struct{}{}:
		default:
		}
		return false
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	<-calls
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, m.Warning())
}
