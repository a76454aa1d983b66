// Package stream defines the boundary between the confirmation watcher and an
// authority's windowed batch notification log.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/chainpoint/chainpoint-txwatch/types"
)

// ErrConnectionLost is reported by sources when a connection drops mid-window
var ErrConnectionLost = errors.New("connection lost")

// Source opens notification windows on a single authority.
type Source interface {
	// Open starts a window at req.Start. An error here means the window could not be established.
	Open(ctx context.Context, req types.BatchInfoRequest) (Stream, error)
}

// Stream is one open notification window.
type Stream interface {
	// Items yields responses in delivery order. The channel is closed at the natural end of the window.
	Items() <-chan types.BatchInfoResponse
	// Close stops the producer and releases the handle. Safe to call more than once.
	Close() error
}

// SourceFunc adapts a function to the Source interface
type SourceFunc func(ctx context.Context, req types.BatchInfoRequest) (Stream, error)

// Open calls f
func (f SourceFunc) Open(ctx context.Context, req types.BatchInfoRequest) (Stream, error) {
	return f(ctx, req)
}

// Emit sends one response, returning false once the window is closed
type Emit func(resp types.BatchInfoResponse) bool

// ChanStream runs a producer in its own goroutine and exposes its output as a Stream
type ChanStream struct {
	ctx     context.Context
	items   chan types.BatchInfoResponse
	closeCh chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func() error
}

// NewChanStream starts produce. The items channel is closed when produce returns.
// onClose, if set, runs once after the producer has exited.
func NewChanStream(ctx context.Context, produce func(ctx context.Context, emit Emit), onClose func() error) *ChanStream {
	s := &ChanStream{
		items:   make(chan types.BatchInfoResponse),
		closeCh: make(chan struct{}),
		done:    make(chan struct{}),
		onClose: onClose,
	}
	var cancel context.CancelFunc
	s.ctx, cancel = context.WithCancel(ctx)
	go func() {
		select {
		case <-s.closeCh:
		case <-s.done:
		}
		cancel()
	}()
	go func() {
		defer close(s.done)
		defer close(s.items)
		produce(s.ctx, s.emit)
	}()
	return s
}

func (s *ChanStream) emit(resp types.BatchInfoResponse) bool {
	select {
	case s.items <- resp:
		return true
	case <-s.closeCh:
		return false
	case <-s.ctx.Done():
		return false
	}
}

// Items returns the window's response channel
func (s *ChanStream) Items() <-chan types.BatchInfoResponse {
	return s.items
}

// Close stops the producer and waits for it to exit
func (s *ChanStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closeCh)
		<-s.done
		if s.onClose != nil {
			err = s.onClose()
		}
	})
	return err
}

// FromItems returns a Stream that yields the given responses and then ends benignly
func FromItems(ctx context.Context, responses ...types.BatchInfoResponse) *ChanStream {
	return NewChanStream(ctx, func(ctx context.Context, emit Emit) {
		for _, r := range responses {
			if !emit(r) {
				return
			}
		}
	}, nil)
}

// Ok wraps an item as a successful response
func Ok(item types.UpdateItem) types.BatchInfoResponse {
	return types.BatchInfoResponse{Item: item}
}

// Err wraps a mid-stream failure
func Err(err error) types.BatchInfoResponse {
	return types.BatchInfoResponse{Err: err}
}
