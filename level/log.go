package level

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/tendermint/tendermint/libs/log"
	dbm "github.com/tendermint/tm-db"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

const (
	headKey     = "head"
	entryPrefix = "n/"
	// first key past every entry
	entryEnd = "n0"
)

// NotificationLog is an authority-side append-only notification log kept in a
// tendermint KV store. It serves windows of the log as a stream.Source.
type NotificationLog struct {
	LevelDb dbm.DB
	Logger  log.Logger
	mu      sync.Mutex
}

// NewNotificationLog wraps db
func NewNotificationLog(db dbm.DB, logger log.Logger) *NotificationLog {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &NotificationLog{
		LevelDb: db,
		Logger:  logger,
	}
}

func entryKey(seq uint64, kind int) []byte {
	return []byte(fmt.Sprintf("%s%020d/%d", entryPrefix, seq, kind))
}

// Head returns the sequence number the next appended transaction will get
func (l *NotificationLog) Head() (types.SequenceNumber, error) {
	b, err := l.LevelDb.Get([]byte(headKey))
	if err != nil || b == nil {
		return 0, err
	}
	n, err := strconv.ParseUint(string(b), 10, 64)
	return types.SequenceNumber(n), err
}

// AppendBatch records digests as consecutive transactions followed by a batch
// boundary, and returns the new head. An empty batch is a no-op.
func (l *NotificationLog) AppendBatch(digests ...types.Digest) (types.SequenceNumber, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	head, err := l.Head()
	if err != nil || len(digests) == 0 {
		return head, err
	}
	entries, next := types.BatchEntries(head, digests...)
	batch := l.LevelDb.NewBatch()
	defer batch.Close()
	for _, e := range entries {
		b, err := json.Marshal(e)
		if err != nil {
			return head, err
		}
		batch.Set(entryKey(e.Seq, e.Kind), b)
	}
	batch.Set([]byte(headKey), []byte(strconv.FormatUint(uint64(next), 10)))
	if err := batch.WriteSync(); err != nil {
		return head, err
	}
	l.Logger.Debug("Appended batch", "txs", len(digests), "next_seq", uint64(next))
	return next, nil
}

// Open serves transactions from req.Start onward, at most req.Length items,
// ending at whatever the head is when the window is opened.
func (l *NotificationLog) Open(ctx context.Context, req types.BatchInfoRequest) (stream.Stream, error) {
	start := uint64(req.StartOrZero())
	itr, err := l.LevelDb.Iterator(entryKey(start, types.KindTx), []byte(entryEnd))
	if err != nil {
		return nil, err
	}
	limit := int(req.Length)
	return stream.NewChanStream(ctx, func(ctx context.Context, emit stream.Emit) {
		defer itr.Close()
		for sent := 0; itr.Valid() && (limit == 0 || sent < limit); itr.Next() {
			item, err := decodeEntry(itr.Value())
			if err != nil {
				emit(stream.Err(err))
				return
			}
			if !emit(stream.Ok(item)) {
				return
			}
			sent++
		}
	}, nil), nil
}

func decodeEntry(b []byte) (types.UpdateItem, error) {
	var e types.LogEntry
	if err := json.Unmarshal(b, &e); util.LogError(err) != nil {
		return types.UpdateItem{}, err
	}
	return e.Item()
}
