package rabbitmq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"

	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

func TestDecodeDelivery(t *testing.T) {
	assert := assert.New(t)
	d := types.DigestOf([]byte("tx"))
	e, err := decodeDelivery(amqp.Delivery{Type: msgType, Body: []byte(fmt.Sprintf(`{"kind":1,"seq":3,"digest":"%s"}`, d))})
	assert.Nil(err)
	assert.Equal(types.LogEntry{Kind: types.KindTx, Seq: 3, Digest: d.String()}, e)

	_, err = decodeDelivery(amqp.Delivery{Type: "btctx", Body: []byte(`{}`)})
	assert.NotNil(err, "foreign message types should be rejected")
	_, err = decodeDelivery(amqp.Delivery{Body: []byte(`not json`)})
	assert.NotNil(err)
}

func TestStreamOffset(t *testing.T) {
	assert := assert.New(t)
	off, ok := streamOffset(amqp.Table{streamOffsetHeader: int64(42)})
	assert.True(ok)
	assert.Equal(int64(42), off)
	_, ok = streamOffset(amqp.Table{})
	assert.False(ok)
}

func TestBefore(t *testing.T) {
	assert := assert.New(t)
	assert.True(before(types.LogEntry{Kind: types.KindTx, Seq: 1}, 2))
	assert.True(before(types.LogEntry{Kind: types.KindBatch, Seq: 2}, 2), "the boundary marker itself was already seen")
	assert.False(before(types.LogEntry{Kind: types.KindTx, Seq: 2}, 2))
	assert.False(before(types.LogEntry{Kind: types.KindBatch, Seq: 3}, 2))
}

func TestOffsetArg(t *testing.T) {
	assert := assert.New(t)
	session := &Session{offsets: make(map[types.SequenceNumber]int64)}
	assert.Equal("first", session.offsetArg(4))
	session.recordOffset(4, 17)
	assert.Equal(int64(17), session.offsetArg(4))
}

func TestRecordOffsetDropsOldest(t *testing.T) {
	assert := assert.New(t)
	session := &Session{offsets: make(map[types.SequenceNumber]int64)}
	for i := 1; i <= maxOffsets+10; i++ {
		session.recordOffset(types.SequenceNumber(i), int64(i*10))
	}
	assert.Len(session.offsets, maxOffsets)
	assert.Equal("first", session.offsetArg(1))
	assert.Equal("first", session.offsetArg(10))
	assert.Equal(int64(110), session.offsetArg(11))
	assert.Equal(int64((maxOffsets+10)*10), session.offsetArg(maxOffsets+10))
}

func TestNextHead(t *testing.T) {
	assert := assert.New(t)
	entries, _ := types.BatchEntries(0, types.DigestOf([]byte("a")), types.DigestOf([]byte("b")))
	more, _ := types.BatchEntries(2, types.DigestOf([]byte("c")))
	head := types.SequenceNumber(0)
	for _, e := range append(entries, more...) {
		head = nextHead(head, e)
	}
	assert.Equal(types.SequenceNumber(3), head)
	assert.Equal(types.SequenceNumber(3), nextHead(3, types.LogEntry{Kind: types.KindBatch, Seq: 2}), "an older marker should not move the head back")
	assert.Equal(types.SequenceNumber(3), nextHead(3, types.LogEntry{Kind: types.KindTx, Seq: 9}), "transactions do not move the head")
}

func TestSecondSessionAppendsAfterFirst(t *testing.T) {
	assert := assert.New(t)
	uri := util.GetEnv("RABBITMQ_URI", "")
	if uri == "" {
		t.Skip("RABBITMQ_URI not set")
	}
	queue := fmt.Sprintf("txwatch.test.%d", time.Now().UnixNano())
	first, err := Dial(uri, queue, 200*time.Millisecond, nil)
	if !assert.Nil(err) {
		return
	}
	defer first.End()
	head, err := first.AppendBatch(types.DigestOf([]byte("a")), types.DigestOf([]byte("b")))
	assert.Nil(err)
	assert.Equal(types.SequenceNumber(2), head)

	second, err := Dial(uri, queue, 500*time.Millisecond, nil)
	if !assert.Nil(err) {
		return
	}
	defer second.End()
	assert.Equal(types.SequenceNumber(2), second.Head(), "a new session should pick up the existing head")
	c := types.DigestOf([]byte("c"))
	head, err = second.AppendBatch(c)
	assert.Nil(err)
	assert.Equal(types.SequenceNumber(3), head)

	w := watcher.New(second, watcher.DefaultConfig())
	assert.Nil(w.Watch(context.Background(), []types.Digest{c}, 10*time.Second))
}

func TestPublishWatch(t *testing.T) {
	assert := assert.New(t)
	uri := util.GetEnv("RABBITMQ_URI", "")
	if uri == "" {
		t.Skip("RABBITMQ_URI not set")
	}
	session, err := Dial(uri, fmt.Sprintf("txwatch.test.%d", time.Now().UnixNano()), 200*time.Millisecond, nil)
	if !assert.Nil(err) {
		return
	}
	defer session.End()

	a, b := types.DigestOf([]byte("a")), types.DigestOf([]byte("b"))
	head, err := session.AppendBatch(a)
	assert.Nil(err)
	assert.Equal(types.SequenceNumber(1), head)
	go func() {
		time.Sleep(300 * time.Millisecond)
		session.AppendBatch(b)
	}()
	err = watcher.New(session, watcher.DefaultConfig()).Watch(context.Background(), []types.Digest{a, b}, 10*time.Second)
	assert.Nil(err, "digests published across two batches should be confirmed")
}
