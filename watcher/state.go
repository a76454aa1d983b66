package watcher

import (
	"context"
	"errors"

	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/types"
)

type eventKind int

const (
	evOpened eventKind = iota
	evOpenFailed
	evItem
	evStreamErr
	evWindowEnd
	evDeadline
	evCancelled
)

type event struct {
	kind eventKind
	item types.UpdateItem
	err  error
}

// watchState is owned by exactly one Watch call
type watchState struct {
	id      string
	state   State
	cursor  *SequenceCursor
	pending *PendingDigestSet
	err     error
	logger  log.Logger
}

func newWatchState(id string, start *types.SequenceNumber, ids []types.Digest, logger log.Logger) *watchState {
	return &watchState{
		id:      id,
		state:   Opening,
		cursor:  NewSequenceCursor(start),
		pending: NewPendingDigestSet(ids...),
		logger:  logger.With("watch_id", id),
	}
}

// step applies one event and returns the new state. Terminal states absorb
// every later event, so a watch ends at most once.
func (s *watchState) step(ev event) State {
	if s.state.Terminal() {
		return s.state
	}
	switch ev.kind {
	case evDeadline:
		s.terminate(TimedOut, nil)
	case evCancelled:
		if errors.Is(ev.err, context.DeadlineExceeded) {
			s.terminate(TimedOut, nil)
		} else {
			s.terminate(Failed, ev.err)
		}
	case evOpened:
		if s.state == Opening || s.state == Reopening {
			s.state = Streaming
		}
	case evOpenFailed, evStreamErr:
		s.terminate(Failed, ev.err)
	case evWindowEnd:
		if s.state == Streaming {
			s.logger.Info("Restarting Batch", "max_seq", seqField(s.cursor.Current()))
			s.state = Reopening
		}
	case evItem:
		if s.state == Streaming {
			s.observe(ev.item)
		}
	}
	return s.state
}

func (s *watchState) observe(item types.UpdateItem) {
	switch {
	case item.Batch != nil:
		if s.cursor.Advance(item.Batch.NextSequenceNumber) {
			s.logger.Info("Received Batch", "max_seq", uint64(item.Batch.NextSequenceNumber))
		} else {
			s.logger.Debug("Ignoring stale batch", "seq", uint64(item.Batch.NextSequenceNumber), "max_seq", seqField(s.cursor.Current()))
		}
	case item.Transaction != nil:
		digest := item.Transaction.Digest
		s.logger.Info("Received Transaction", "digest", digest.String(), "seq", uint64(item.Transaction.Seq))
		if s.pending.Observe(digest) {
			s.logger.Info("Digest found", "digest", digest.String(), "remaining", s.pending.Len())
		}
		if s.pending.IsEmpty() {
			s.logger.Info("all digests found", "digest", digest.String())
			s.terminate(Satisfied, nil)
		}
	}
}

func (s *watchState) terminate(state State, cause error) {
	s.state = state
	switch state {
	case TimedOut:
		s.err = &TimedOutError{Remaining: s.pending.Remaining()}
		s.logger.Error("Watch timed out", "remaining", s.pending.Len(), "max_seq", seqField(s.cursor.Current()))
	case Failed:
		s.err = &StreamFailedError{Cause: cause}
		s.logger.Error("Watch failed", "err", cause)
	default:
		s.err = nil
	}
}

func seqField(seq *types.SequenceNumber) interface{} {
	if seq == nil {
		return "none"
	}
	return uint64(*seq)
}
