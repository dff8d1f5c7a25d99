// Package probe performs trial allocations against the operating system.
package probe

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// Segment is memory held on behalf of a stress test.
type Segment struct {
	data    []byte
	release func([]byte) error
}

func (s *Segment) Len() int {
	return len(s.data)
}

// Release returns the segment to the operating system.
func (s *Segment) Release() error {
	if s.data == nil {
		return nil
	}
	var err error
	if s.release != nil {
		err = s.release(s.data)
	}
	s.data = nil
	return err
}

// fill writes pseudo random bytes so pages cannot be deduplicated or left
// untouched.
func fill(b []byte) {
	var x uint32 = 1
	for i := range b {
		x = x*1103515245 + 12345
		b[i] = byte(x >> 16)
	}
}

// MapTester repeatedly attempts a trial allocation and raises a warning once
// several consecutive attempts fail.
type MapTester struct {
	Size      int64
	Interval  time.Duration
	Threshold int64
	Logger    *log.Logger
	// Alloc defaults to TryAlloc.
	Alloc func(int64) bool

	failures atomic.Int64
	warning  atomic.Bool
}

func NewMapTester(size int64, interval time.Duration, logger *log.Logger) *MapTester {
	return &MapTester{Size: size, Interval: interval, Threshold: 3, Logger: logger}
}

// Check performs one trial allocation.
func (m *MapTester) Check() {
	alloc := m.Alloc
	if alloc == nil {
		alloc = TryAlloc
	}
	if alloc(m.Size) {
		m.failures.Store(0)
		return
	}
	if n := m.failures.Inc(); n >= m.Threshold && !m.warning.Swap(true) {
		if m.Logger != nil {
			m.Logger.Warnf("trial allocation of %d bytes failed %d times in a row", m.Size, n)
		}
	}
}

// Run checks on every interval until ctx is done.
func (m *MapTester) Run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

func (m *MapTester) Warning() bool {
	return m.warning.Load()
}

func (m *MapTester) Reset() {
	m.failures.Store(0)
	m.warning.Store(false)
}
