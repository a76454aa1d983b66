package watcher

import "github.com/chainpoint/chainpoint-txwatch/types"

// SequenceCursor tracks the batch boundary a fresh window should resume from
type SequenceCursor struct {
	seq *types.SequenceNumber
}

// NewSequenceCursor starts at start; nil means the beginning of the log
func NewSequenceCursor(start *types.SequenceNumber) *SequenceCursor {
	c := &SequenceCursor{}
	if start != nil {
		c.seq = types.Seq(*start)
	}
	return c
}

// Advance moves the cursor to next. A position below the current one is ignored
// and reported as false, so the cursor never moves backwards.
func (c *SequenceCursor) Advance(next types.SequenceNumber) bool {
	if c.seq != nil && next < *c.seq {
		return false
	}
	c.seq = types.Seq(next)
	return true
}

// Current returns a copy of the resume position, nil when nothing has been seen
func (c *SequenceCursor) Current() *types.SequenceNumber {
	if c.seq == nil {
		return nil
	}
	return types.Seq(*c.seq)
}
