package redis

import (
	"context"
	"fmt"
	"testing"
	"time"

	goredis "github.com/go-redis/redis"
	"github.com/stretchr/testify/assert"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

func TestEntryIDOrder(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("1-1", entryID(0, types.KindTx))
	assert.Equal("6-0", entryID(5, types.KindBatch))
	assert.Equal("6-1", entryID(5, types.KindTx))
}

func TestParseMessage(t *testing.T) {
	assert := assert.New(t)
	d := types.DigestOf([]byte("tx"))
	item, err := parseMessage(goredis.XMessage{ID: "4-1", Values: map[string]interface{}{
		fieldKind: "1", fieldSeq: "3", fieldDigest: d.String(),
	}})
	assert.Nil(err)
	assert.Equal(types.TransactionItem(3, d), item)

	item, err = parseMessage(goredis.XMessage{ID: "5-0", Values: map[string]interface{}{
		fieldKind: "0", fieldSeq: "4",
	}})
	assert.Nil(err)
	assert.Equal(types.BatchItem(4), item)

	_, err = parseMessage(goredis.XMessage{ID: "5-0", Values: map[string]interface{}{fieldKind: "7", fieldSeq: "4"}})
	assert.NotNil(err, "unknown kind should be rejected")
	_, err = parseMessage(goredis.XMessage{ID: "5-0", Values: map[string]interface{}{fieldKind: "1", fieldSeq: "x"}})
	assert.NotNil(err, "bad seq should be rejected")
	_, err = parseMessage(goredis.XMessage{ID: "5-1", Values: map[string]interface{}{fieldKind: "1", fieldSeq: "4", fieldDigest: "zz"}})
	assert.NotNil(err, "bad digest should be rejected")
}

func TestStreamLogWatch(t *testing.T) {
	assert := assert.New(t)
	uri := util.GetEnv("REDIS_URI", "")
	if uri == "" {
		t.Skip("REDIS_URI not set")
	}
	name := fmt.Sprintf("txwatch-test-%d", time.Now().UnixNano())
	r, err := NewStreamLog(uri, name, log.NewNopLogger())
	assert.Nil(err)
	defer r.Close()
	defer r.RedisClient.Del(name, r.headKey())

	a, b := types.DigestOf([]byte("a")), types.DigestOf([]byte("b"))
	head, err := r.AppendBatch(a)
	assert.Nil(err)
	assert.Equal(types.SequenceNumber(1), head)
	go func() {
		time.Sleep(20 * time.Millisecond)
		r.AppendBatch(b)
	}()
	err = watcher.New(r, watcher.DefaultConfig()).Watch(context.Background(), []types.Digest{a, b}, 5*time.Second)
	assert.Nil(err, "both digests should be confirmed from the stream")
}
