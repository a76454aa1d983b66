// Package watcher waits for a set of transactions to show up in an authority's
// batch notification log, resuming the windowed stream at the last batch
// boundary until every digest is seen or the deadline passes.
package watcher

import (
	"context"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/threadsafe_ulid"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

// DefaultWindowLength : items requested per notification window
const DefaultWindowLength = 1000

// State of a single watch call
type State int

const (
	Opening State = iota
	Streaming
	Reopening
	Satisfied
	TimedOut
	Failed
)

func (s State) String() string {
	switch s {
	case Opening:
		return "opening"
	case Streaming:
		return "streaming"
	case Reopening:
		return "reopening"
	case Satisfied:
		return "satisfied"
	case TimedOut:
		return "timed_out"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether s ends the watch
func (s State) Terminal() bool {
	return s == Satisfied || s == TimedOut || s == Failed
}

// Config : per-watcher settings. Deadline and digests are passed per call.
type Config struct {
	// WindowLength bounds the items asked for in each window
	WindowLength uint32
	// Start is where the first window opens; nil is the beginning of the log
	Start *types.SequenceNumber
	// ReopenQuota, if set, paces benign reopens of an exhausted window. The
	// limiter runs on wall time, while waits for RetryAfter and the deadline use Clock.
	ReopenQuota *throttled.RateQuota
	Clock       Clock
	Logger      log.Logger
}

// DefaultConfig opens the first window at sequence 0 with the wall clock and no logging
func DefaultConfig() Config {
	return Config{
		WindowLength: DefaultWindowLength,
		Start:        types.Seq(0),
		Clock:        SystemClock{},
		Logger:       log.NewNopLogger(),
	}
}

// ConfirmationWatcher confirms digests against one authority's notification log
type ConfirmationWatcher struct {
	source stream.Source
	config Config
	ids    *threadsafe_ulid.ThreadSafeUlid
}

// New : zero fields in config fall back to DefaultConfig, except Start, which is kept as given
func New(source stream.Source, config Config) *ConfirmationWatcher {
	def := DefaultConfig()
	if config.WindowLength == 0 {
		config.WindowLength = def.WindowLength
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}
	return &ConfirmationWatcher{
		source: source,
		config: config,
		ids:    threadsafe_ulid.NewThreadSafeUlid(),
	}
}

// WatchOne waits for a single digest
func (w *ConfirmationWatcher) WatchOne(ctx context.Context, id types.Digest, deadline time.Duration) error {
	return w.Watch(ctx, []types.Digest{id}, deadline)
}

// Watch blocks until every digest in ids has been observed (nil), the deadline
// passes (*TimedOutError) or the source fails (*StreamFailedError).
func (w *ConfirmationWatcher) Watch(ctx context.Context, ids []types.Digest, deadline time.Duration) error {
	s := newWatchState(w.ids.MustString(), w.config.Start, ids, w.config.Logger)
	if s.pending.IsEmpty() {
		s.state = Satisfied
		return nil
	}
	s.logger.Debug("Watching transactions", "count", s.pending.Len(), "deadline", deadline)

	timer := w.config.Clock.NewTimer(deadline)
	defer timer.Stop()

	var limiter throttled.RateLimiter
	if w.config.ReopenQuota != nil {
		limiter = w.newReopenLimiter(s)
	}

	var window *openWindow
	defer func() {
		window.release()
	}()

	for !s.state.Terminal() {
		switch s.state {
		case Opening, Reopening:
			if s.state == Reopening && limiter != nil {
				if ev, paced := w.pace(ctx, s, limiter, timer); paced {
					s.step(ev)
					continue
				}
			}
			if err := ctx.Err(); err != nil {
				s.step(event{kind: evCancelled, err: err})
				continue
			}
			var ev event
			window, ev = w.open(ctx, s.cursor.Current(), timer)
			s.step(ev)
		case Streaming:
			select {
			case <-timer.C():
				s.step(event{kind: evDeadline})
			case <-ctx.Done():
				s.step(event{kind: evCancelled, err: ctx.Err()})
			case resp, ok := <-window.stream.Items():
				switch {
				case !ok:
					window.release()
					window = nil
					s.step(event{kind: evWindowEnd})
				case resp.Err != nil:
					s.step(event{kind: evStreamErr, err: resp.Err})
				default:
					s.step(event{kind: evItem, item: resp.Item})
				}
			}
		}
	}
	return s.err
}

type openWindow struct {
	stream stream.Stream
	cancel context.CancelFunc
}

// release cancels the window and closes the stream in the background, so a
// producer blocked in I/O cannot hold up the caller.
func (o *openWindow) release() {
	if o == nil {
		return
	}
	o.cancel()
	go func(s stream.Stream) {
		util.LogError(s.Close())
	}(o.stream)
}

type openResult struct {
	stream stream.Stream
	err    error
}

// open issues Open at start, racing it against the deadline and the caller's context
func (w *ConfirmationWatcher) open(ctx context.Context, start *types.SequenceNumber, timer Timer) (*openWindow, event) {
	req := types.BatchInfoRequest{Start: start, Length: w.config.WindowLength}
	octx, cancel := context.WithCancel(ctx)
	results := make(chan openResult, 1)
	go func() {
		s, err := w.source.Open(octx, req)
		results <- openResult{stream: s, err: err}
	}()

	abandon := func() {
		cancel()
		go func() {
			if r := <-results; r.stream != nil {
				util.LogError(r.stream.Close())
			}
		}()
	}

	select {
	case r := <-results:
		if r.err != nil {
			cancel()
			return nil, event{kind: evOpenFailed, err: &ConnectionError{Start: start, Err: r.err}}
		}
		return &openWindow{stream: r.stream, cancel: cancel}, event{kind: evOpened}
	case <-timer.C():
		abandon()
		return nil, event{kind: evDeadline}
	case <-ctx.Done():
		abandon()
		return nil, event{kind: evCancelled, err: ctx.Err()}
	}
}

func (w *ConfirmationWatcher) newReopenLimiter(s *watchState) throttled.RateLimiter {
	store, err := memstore.New(1)
	if util.LoggerError(s.logger, err) != nil {
		return nil
	}
	limiter, err := throttled.NewGCRARateLimiter(store, *w.config.ReopenQuota)
	if util.LoggerError(s.logger, err) != nil {
		return nil
	}
	return limiter
}

// pace holds a reopen back while the quota is spent. It returns a terminal event
// if the deadline or the caller's context fires first.
func (w *ConfirmationWatcher) pace(ctx context.Context, s *watchState, limiter throttled.RateLimiter, timer Timer) (event, bool) {
	for {
		limited, result, err := limiter.RateLimit(s.id, 1)
		if util.LoggerError(s.logger, err) != nil || !limited {
			return event{}, false
		}
		s.logger.Debug("Reopen throttled", "retry_after", result.RetryAfter)
		wait := w.config.Clock.NewTimer(result.RetryAfter)
		select {
		case <-wait.C():
		case <-timer.C():
			wait.Stop()
			return event{kind: evDeadline}, true
		case <-ctx.Done():
			wait.Stop()
			return event{kind: evCancelled, err: ctx.Err()}, true
		}
	}
}
