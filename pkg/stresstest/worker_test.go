package stresstest

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamConnWaitsForReaderBeforeReaping(t *testing.T) {
	repR, repW := io.Pipe()
	_, reqW := io.Pipe()

	var readerStopped bool
	var conn *streamConn
	conn = newStreamConn(repR, reqW, repR.Close, func() error {
		select {
		case <-conn.readDone:
			readerStopped = true
		default:
		}
		return nil
	})

	// fill the buffer and leave the reader blocked on one more
	go func() {
		enc := NewEncoder(repW)
		for i := 0; i < cap(conn.messages)+4; i++ {
			if enc.Encode(Message{Kind: OccupyMemoryOK}) != nil {
				return
			}
		}
	}()
	require.Eventually(t, func() bool { return len(conn.messages) == cap(conn.messages) }, time.Second, time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- conn.Close() }()
	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("close blocked on a full message buffer")
	}
	assert.True(t, readerStopped)

	for range conn.Messages() {
	}
	assert.NoError(t, conn.Close())
}

func TestNewStreamConnCloseEndsMessages(t *testing.T) {
	repR, _ := io.Pipe()
	_, reqW := io.Pipe()
	conn := NewStreamConn(repR, reqW)

	require.NoError(t, conn.Close())
	select {
	case _, ok := <-conn.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages stayed open after close")
	}
}
