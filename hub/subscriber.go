package hub

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/chatrelay/errors"
	"github.com/c360/chatrelay/pkg/buffer"
)

// Subscriber is one downstream stream with its own unbounded FIFO.
type Subscriber struct {
	ID          string
	ConnectedAt time.Time

	queue        buffer.Queue[[]byte]
	seq          atomic.Uint64
	lastActivity atomic.Int64
	closed       atomic.Bool
	closeOnce    sync.Once
}

func newSubscriber(id string, now time.Time) (*Subscriber, error) {
	q, err := buffer.NewUnbounded[[]byte]()
	if err != nil {
		return nil, err
	}
	s := &Subscriber{ID: id, ConnectedAt: now, queue: q}
	s.touch(now)
	return s, nil
}

func (s *Subscriber) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
}

// LastActivity is the time of the last successful write, or registration.
func (s *Subscriber) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Pending reports queued events not yet written.
func (s *Subscriber) Pending() int {
	return s.queue.Len()
}

// Closed reports whether the subscriber has been torn down.
func (s *Subscriber) Closed() bool {
	return s.closed.Load()
}

func (s *Subscriber) enqueue(frame []byte) error {
	if s.closed.Load() {
		return errors.ErrQueueClosed
	}
	return s.queue.Push(frame)
}

// close releases the buffer and ends the sender loop.
func (s *Subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		_ = s.queue.Close()
	})
}

// Sink receives encoded stream chunks. Write must push the chunk to the
// client before returning.
type Sink interface {
	Write(chunk []byte) error
}

// Stream runs the sender loop: it writes the preamble, then drains the
// FIFO, emitting a heartbeat comment whenever nothing was sent for
// heartbeat. It returns nil when the subscriber is closed or ctx ends and
// the write error otherwise.
func (s *Subscriber) Stream(ctx context.Context, sink Sink, preamble [][]byte, heartbeat time.Duration, now func() time.Time) error {
	for _, chunk := range preamble {
		if err := sink.Write(chunk); err != nil {
			return errors.Wrap(err, "hub", "Stream", "write preamble")
		}
	}
	s.touch(now())

	for {
		popCtx, cancel := context.WithTimeout(ctx, heartbeat)
		data, err := s.queue.Pop(popCtx)
		cancel()

		var chunk []byte
		switch {
		case err == nil:
			chunk = eventFrame(s.seq.Add(1), data)
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			chunk = heartbeatFrame
		default:
			return nil
		}

		if err := sink.Write(chunk); err != nil {
			return errors.Wrap(err, "hub", "Stream", "write frame")
		}
		s.touch(now())
	}
}

var heartbeatFrame = []byte(": heartbeat\n\n")

func eventFrame(id uint64, data []byte) []byte {
	return []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", id, data))
}

func retryFrame(d time.Duration) []byte {
	return []byte(fmt.Sprintf("retry: %d\n\n", d.Milliseconds()))
}

func dataFrame(data []byte) []byte {
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}
