// Package redis serves an authority's notification log kept in a Redis stream.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	goredis "github.com/go-redis/redis"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

const (
	fieldKind   = "kind"
	fieldSeq    = "seq"
	fieldDigest = "digest"
)

// StreamLog reads and appends notification entries on one Redis stream. Entry IDs
// are "<seq+1>-<0|1>", batch marker before transaction, so XRANGE order is log order.
type StreamLog struct {
	RedisClient *goredis.Client
	Stream      string
	Logger      log.Logger
	mu          sync.Mutex
}

// NewStreamLog connects to redisURI and checks the connection
func NewStreamLog(redisURI string, streamName string, logger log.Logger) (*StreamLog, error) {
	opt, err := goredis.ParseURL(redisURI)
	if util.LoggerError(logger, err) != nil {
		return nil, err
	}
	client := goredis.NewClient(opt)
	if err := client.Ping().Err(); util.LoggerError(logger, err) != nil {
		return nil, err
	}
	return &StreamLog{
		RedisClient: client,
		Stream:      streamName,
		Logger:      logger,
	}, nil
}

func (r *StreamLog) headKey() string {
	return r.Stream + ":head"
}

// Head returns the sequence number the next appended transaction will get
func (r *StreamLog) Head() (types.SequenceNumber, error) {
	val, err := r.RedisClient.Get(r.headKey()).Result()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseUint(val, 10, 64)
	return types.SequenceNumber(n), err
}

// AppendBatch adds digests as consecutive transactions followed by a batch boundary
func (r *StreamLog) AppendBatch(digests ...types.Digest) (types.SequenceNumber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	head, err := r.Head()
	if err != nil || len(digests) == 0 {
		return head, err
	}
	entries, next := types.BatchEntries(head, digests...)
	_, err = r.RedisClient.TxPipelined(func(pipe goredis.Pipeliner) error {
		for _, e := range entries {
			pipe.XAdd(&goredis.XAddArgs{
				Stream: r.Stream,
				ID:     entryID(e.Seq, e.Kind),
				Values: map[string]interface{}{fieldKind: e.Kind, fieldSeq: e.Seq, fieldDigest: e.Digest},
			})
		}
		pipe.Set(r.headKey(), strconv.FormatUint(uint64(next), 10), 0)
		return nil
	})
	if util.LoggerError(r.Logger, err) != nil {
		return head, err
	}
	return next, nil
}

// Open reads the window with a single XRANGE and then serves it from memory
func (r *StreamLog) Open(ctx context.Context, req types.BatchInfoRequest) (stream.Stream, error) {
	client := r.RedisClient.WithContext(ctx)
	start := entryID(uint64(req.StartOrZero()), types.KindTx)
	var msgs []goredis.XMessage
	var err error
	if req.Length > 0 {
		msgs, err = client.XRangeN(r.Stream, start, "+", int64(req.Length)).Result()
	} else {
		msgs, err = client.XRange(r.Stream, start, "+").Result()
	}
	if util.LoggerError(r.Logger, err) != nil {
		return nil, err
	}
	r.Logger.Debug("Read stream window", "stream", r.Stream, "start", start, "entries", len(msgs))
	return stream.NewChanStream(ctx, func(ctx context.Context, emit stream.Emit) {
		for _, msg := range msgs {
			item, err := parseMessage(msg)
			if err != nil {
				emit(stream.Err(err))
				return
			}
			if !emit(stream.Ok(item)) {
				return
			}
		}
	}, nil), nil
}

// Close shuts down the redis client
func (r *StreamLog) Close() error {
	return r.RedisClient.Close()
}

func entryID(seq uint64, kind int) string {
	return fmt.Sprintf("%d-%d", seq+1, kind)
}

func parseMessage(msg goredis.XMessage) (types.UpdateItem, error) {
	kind, err := strconv.Atoi(fmt.Sprint(msg.Values[fieldKind]))
	if err != nil {
		return types.UpdateItem{}, fmt.Errorf("entry %s: bad kind: %w", msg.ID, err)
	}
	seq, err := strconv.ParseUint(fmt.Sprint(msg.Values[fieldSeq]), 10, 64)
	if err != nil {
		return types.UpdateItem{}, fmt.Errorf("entry %s: bad seq: %w", msg.ID, err)
	}
	digest, _ := msg.Values[fieldDigest].(string)
	return types.LogEntry{Kind: kind, Seq: seq, Digest: strings.TrimSpace(digest)}.Item()
}
