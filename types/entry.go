package types

import "fmt"

// Entry kinds. A batch marker sorts before the transaction sharing its seq.
const (
	KindBatch = 0
	KindTx    = 1
)

// LogEntry is the stored form of an UpdateItem in an authority's notification log
type LogEntry struct {
	Kind   int    `json:"kind"`
	Seq    uint64 `json:"seq"`
	Digest string `json:"digest,omitempty"`
}

// Item decodes the entry
func (e LogEntry) Item() (UpdateItem, error) {
	switch e.Kind {
	case KindBatch:
		return BatchItem(SequenceNumber(e.Seq)), nil
	case KindTx:
		d, err := ParseDigest(e.Digest)
		if err != nil {
			return UpdateItem{}, fmt.Errorf("entry at seq %d: %w", e.Seq, err)
		}
		return TransactionItem(SequenceNumber(e.Seq), d), nil
	}
	return UpdateItem{}, fmt.Errorf("unknown log entry kind %d at seq %d", e.Kind, e.Seq)
}

// BatchEntries lays digests out as consecutive transactions from head, closed by
// a batch marker. It returns the entries and the new head.
func BatchEntries(head SequenceNumber, digests ...Digest) ([]LogEntry, SequenceNumber) {
	if len(digests) == 0 {
		return nil, head
	}
	entries := make([]LogEntry, 0, len(digests)+1)
	seq := uint64(head)
	for _, d := range digests {
		entries = append(entries, LogEntry{Kind: KindTx, Seq: seq, Digest: d.String()})
		seq++
	}
	entries = append(entries, LogEntry{Kind: KindBatch, Seq: seq})
	return entries, SequenceNumber(seq)
}
