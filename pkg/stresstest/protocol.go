// Package stresstest learns device limits by driving a separate worker
// process to allocate memory until it fails or is killed.
package stresstest

import (
	"io"
	"sync"

	"github.com/vmihailenco/msgpack"

	"github.com/dbtuneai/memadvisor/pkg/metrics"
)

type Kind string

const (
	GetBaselineMetrics       Kind = "GET_BASELINE_METRICS"
	GetBaselineMetricsReturn Kind = "GET_BASELINE_METRICS_RETURN"
	OccupyMemory             Kind = "OCCUPY_MEMORY"
	OccupyMemoryOK           Kind = "OCCUPY_MEMORY_OK"
	OccupyMemoryFailed       Kind = "OCCUPY_MEMORY_FAILED"
)

// ApplicationAllocatedKey is added by the worker to every allocation reply.
const ApplicationAllocatedKey = "applicationAllocated"

// Message is one frame on the coordinator/worker channel. Replies carry the
// ID of the request they answer in ReplyTo.
type Message struct {
	ID      string       `msgpack:"id"`
	ReplyTo string       `msgpack:"replyTo,omitempty"`
	Kind    Kind         `msgpack:"kind"`
	Pid     int32        `msgpack:"pid,omitempty"`
	Bytes   int64        `msgpack:"bytes,omitempty"`
	Metrics metrics.Tree `msgpack:"metrics,omitempty"`
}

// Encoder writes msgpack frames. It is safe for concurrent use.
type Encoder struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: msgpack.NewEncoder(w)}
}

func (e *Encoder) Encode(m Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enc.Encode(&m)
}

// Decoder reads msgpack frames written by an Encoder.
type Decoder struct {
	dec *msgpack.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads the next frame. Nested metric groups come back as Trees.
func (d *Decoder) Decode() (Message, error) {
	var m Message
	if err := d.dec.Decode(&m); err != nil {
		return Message{}, err
	}
	m.Metrics = m.Metrics.Clone()
	return m, nil
}
