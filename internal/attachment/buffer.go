package attachment

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"

	"github.com/austindbirch/harbor_trace/internal/metrics"
)

// ErrBufferFull is returned by Buffer.Enqueue when the buffer is at capacity.
var ErrBufferFull = errors.New("attachment: buffer full")

// DefaultBufferSize is used when NewBuffer is given a non-positive capacity.
const DefaultBufferSize = 1024

// Buffer is a bounded Transmitter that holds descriptors until a sender
// drains them. Enqueue never blocks; when the buffer is full the descriptor
// is dropped and ErrBufferFull returned.
type Buffer struct {
	name    string
	ch      chan Descriptor
	dropped atomic.Uint64
}

// NewBuffer returns an empty buffer.
func NewBuffer(name string, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{name: name, ch: make(chan Descriptor, capacity)}
}

func (b *Buffer) Name() string { return b.name }

// Len returns the number of queued descriptors.
func (b *Buffer) Len() int { return len(b.ch) }

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int { return cap(b.ch) }

// Dropped returns how many descriptors were rejected because the buffer was full.
func (b *Buffer) Dropped() uint64 { return b.dropped.Load() }

// Enqueue implements Transmitter.
func (b *Buffer) Enqueue(ctx context.Context, d Descriptor) error {
	select {
	case b.ch <- d:
		metrics.SetBufferDepth(b.name, len(b.ch))
		return nil
	default:
		b.dropped.Add(1)
		metrics.RecordBufferDrop(b.name)
		return ErrBufferFull
	}
}

// Drain yields the descriptors queued right now. It stops when the buffer is
// empty or ctx is done, so one Drain is one pass over the backlog.
func (b *Buffer) Drain(ctx context.Context) iter.Seq[Descriptor] {
	return func(yield func(Descriptor) bool) {
		defer metrics.SetBufferDepth(b.name, len(b.ch))
		for {
			if ctx.Err() != nil {
				return
			}
			select {
			case d := <-b.ch:
				if !yield(d) {
					return
				}
			default:
				return
			}
		}
	}
}
