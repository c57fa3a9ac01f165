package pipeline

import (
	"fmt"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/danmuck/scenecast/internal/observability"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// queueSlots bounds MaxElements; the ring is sized once so Init can take a constant.
const queueSlots = 1024

// Policy decides what Push does on a full queue.
type Policy int

const (
	// Backpressure rejects the push with iox.ErrWouldBlock.
	Backpressure Policy = iota
	// DropOldest discards the head to make room. Use for real-time streams.
	DropOldest
)

func (p Policy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "backpressure"
}

type QueueConfig struct {
	Name          string
	MaxBufferSize int
	MaxElements   int
	Policy        Policy
}

// Queue is a bounded FIFO of byte buffers. It is single producer, single
// consumer; within a pipeline both sides run on the tick goroutine.
type Queue struct {
	cfg        QueueConfig
	ring       lfq.SPSC[[]byte]
	count      int
	bytes      int
	drops      uint64
	configured bool
}

func NewQueue(name string) *Queue {
	return &Queue{cfg: QueueConfig{Name: name}}
}

func (q *Queue) Configure(cfg QueueConfig) error {
	if cfg.Name == "" {
		cfg.Name = q.cfg.Name
	}
	if cfg.MaxBufferSize <= 0 {
		return fmt.Errorf("%w: queue %s max buffer size %d", ErrInvalidConfig, cfg.Name, cfg.MaxBufferSize)
	}
	if cfg.MaxElements <= 0 || cfg.MaxElements > queueSlots {
		return fmt.Errorf("%w: queue %s max elements %d not in 1..%d", ErrInvalidConfig, cfg.Name, cfg.MaxElements, queueSlots)
	}
	q.drain()
	q.cfg = cfg
	q.ring.Init(queueSlots)
	q.configured = true
	log.Debug().
		Str("queue", cfg.Name).
		Str("max_buffer", humanize.IBytes(uint64(cfg.MaxBufferSize))).
		Int("max_elements", cfg.MaxElements).
		Stringer("policy", cfg.Policy).
		Msg("pipeline.Queue configured")
	return nil
}

func (q *Queue) Name() string { return q.cfg.Name }

// Process is a no-op: a queue only buffers between its neighbours.
func (q *Queue) Process() error { return nil }

func (q *Queue) Deconfigure() error {
	q.drain()
	q.configured = false
	return nil
}

// Push appends b. A full Backpressure queue returns iox.ErrWouldBlock.
func (q *Queue) Push(b []byte) error {
	if !q.configured {
		return fmt.Errorf("%w: queue %s", ErrNotConfigured, q.cfg.Name)
	}
	if len(b) > q.cfg.MaxBufferSize {
		return fmt.Errorf("%w: %s > %s on %s", ErrBufferTooLarge,
			humanize.IBytes(uint64(len(b))), humanize.IBytes(uint64(q.cfg.MaxBufferSize)), q.cfg.Name)
	}
	if q.count >= q.cfg.MaxElements {
		if q.cfg.Policy != DropOldest {
			return iox.ErrWouldBlock
		}
		if _, err := q.Pop(); err == nil {
			q.drops++
			observability.RecordQueueDrop(q.cfg.Name)
		}
	}
	if err := q.ring.Enqueue(&b); err != nil {
		return err
	}
	q.count++
	q.bytes += len(b)
	return nil
}

// Pop removes the head. An empty queue returns iox.ErrWouldBlock.
func (q *Queue) Pop() ([]byte, error) {
	if !q.configured {
		return nil, iox.ErrWouldBlock
	}
	b, err := q.ring.Dequeue()
	if err != nil {
		return nil, err
	}
	q.count--
	q.bytes -= len(b)
	return b, nil
}

// Full reports whether a Backpressure push would be rejected.
func (q *Queue) Full() bool { return q.count >= q.cfg.MaxElements }

func (q *Queue) Len() int { return q.count }

// Bytes is the total size of queued buffers.
func (q *Queue) Bytes() int { return q.bytes }

func (q *Queue) Drops() uint64 { return q.drops }

func (q *Queue) Configured() bool { return q.configured }

func (q *Queue) drain() {
	if !q.configured {
		return
	}
	for {
		if _, err := q.ring.Dequeue(); err != nil {
			break
		}
	}
	q.count = 0
	q.bytes = 0
}
