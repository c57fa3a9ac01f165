package transport

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"code.hybscloud.com/atomix"
	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
	"github.com/danmuck/scenecast/internal/protocol/frame"
	"github.com/rs/zerolog/log"
)

const (
	ringSlots     = 256
	lingerTimeout = 500 * time.Millisecond
)

// wire is the blocking side of a connection.
type wire interface {
	readFrame() (frame.Frame, error)
	writeFrame(f frame.Frame) error
	close() error
	remoteAddr() string
}

// queuedConn adapts a blocking wire to the non-blocking Conn contract with
// one reader and one writer goroutine on either side of two SPSC rings.
type queuedConn struct {
	w    wire
	kind Kind

	in  lfq.SPSC[frame.Frame]
	out lfq.SPSC[frame.Frame]

	closing atomix.Uint32
	closed  atomix.Uint32
	seq     uint64

	finishOnce sync.Once
	done       chan struct{}
	mu         sync.Mutex
	err        error
}

func newQueuedConn(w wire, kind Kind) *queuedConn {
	c := &queuedConn{w: w, kind: kind, done: make(chan struct{})}
	c.in.Init(ringSlots)
	c.out.Init(ringSlots)
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *queuedConn) Send(f frame.Frame) error {
	if c.closed.Load() != 0 || c.closing.Load() != 0 {
		return c.closedErr()
	}
	f.Header.Sequence = c.seq + 1
	if err := c.out.Enqueue(&f); err != nil {
		return err
	}
	c.seq++
	return nil
}

func (c *queuedConn) Poll() (frame.Frame, error) {
	f, err := c.in.Dequeue()
	if err == nil {
		return f, nil
	}
	if c.closed.Load() != 0 {
		return frame.Frame{}, c.closedErr()
	}
	return frame.Frame{}, iox.ErrWouldBlock
}

// Close flushes queued outbound frames for up to lingerTimeout, then closes.
func (c *queuedConn) Close() error {
	c.closing.Add(1)
	select {
	case <-c.done:
	case <-time.After(lingerTimeout):
		c.finish(nil)
	}
	return nil
}

func (c *queuedConn) RemoteAddr() string { return c.w.remoteAddr() }

func (c *queuedConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *queuedConn) closedErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return ErrClosed
}

func (c *queuedConn) finish(err error) {
	c.finishOnce.Do(func() {
		if err != nil && c.closing.Load() == 0 && !errors.Is(err, io.EOF) && !errors.Is(err, ErrClosed) {
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
			log.Debug().Str("kind", string(c.kind)).Str("remote", c.w.remoteAddr()).Err(err).
				Msg("transport.Conn closed")
		}
		c.closed.Add(1)
		_ = c.w.close()
		close(c.done)
	})
}

func (c *queuedConn) readLoop() {
	for {
		f, err := c.w.readFrame()
		if err != nil {
			c.finish(err)
			return
		}
		var bo iox.Backoff
		for {
			if c.closed.Load() != 0 {
				return
			}
			if err := c.in.Enqueue(&f); err == nil {
				break
			}
			bo.Wait()
		}
	}
}

func (c *queuedConn) writeLoop() {
	var bo iox.Backoff
	for {
		if c.closed.Load() != 0 {
			return
		}
		f, err := c.out.Dequeue()
		if err != nil {
			if c.closing.Load() != 0 {
				c.finish(nil)
				return
			}
			bo.Wait()
			continue
		}
		bo.Reset()
		if err := c.w.writeFrame(f); err != nil {
			c.finish(err)
			return
		}
	}
}
