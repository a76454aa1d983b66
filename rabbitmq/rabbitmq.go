// Package rabbitmq serves an authority's notification log published to a
// RabbitMQ stream queue. Windows are consumed from a stream offset.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
)

const (
	// DefaultIdleTimeout ends a window when no delivery arrives for this long
	DefaultIdleTimeout = 2 * time.Second
	msgType            = "notification"
	prefetch           = 100
	streamOffsetHeader = "x-stream-offset"
	// batch marker offsets remembered for resuming windows
	maxOffsets = 1024
)

// Session holds one AMQP connection to the stream queue
type Session struct {
	Conn        *amqp.Connection
	Notify      chan *amqp.Error
	Queue       string
	IdleTimeout time.Duration
	Logger      log.Logger

	uri      string
	mu       sync.Mutex
	appendMu sync.Mutex
	head     types.SequenceNumber
	offsets  map[types.SequenceNumber]int64
}

// Dial AMQP provider, declare the stream queue and read back the head of the log.
// Reading the head waits up to idleTimeout for the tail of the stream.
func Dial(amqpURI string, queue string, idleTimeout time.Duration, logger log.Logger) (*Session, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	session := &Session{
		Queue:       queue,
		IdleTimeout: idleTimeout,
		Logger:      logger,
		uri:         amqpURI,
		offsets:     make(map[types.SequenceNumber]int64),
	}
	if err := session.dial(); err != nil {
		return nil, err
	}
	if err := session.recoverHead(); err != nil {
		session.End()
		return nil, err
	}
	return session, nil
}

// recoverHead reads the last chunk of the stream and takes the newest batch
// marker in it as the head for AppendBatch
func (session *Session) recoverHead() error {
	ch, err := session.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return err
	}
	msgs, err := ch.Consume(session.Queue, "", false, false, false, false, amqp.Table{streamOffsetHeader: "last"})
	if err != nil {
		return err
	}
	head := types.SequenceNumber(0)
	idle := time.NewTimer(session.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-idle.C:
			session.mu.Lock()
			session.head = head
			session.mu.Unlock()
			session.Logger.Debug("Recovered stream head", "queue", session.Queue, "head", uint64(head))
			return nil
		case d, ok := <-msgs:
			if !ok {
				return stream.ErrConnectionLost
			}
			util.LogError(d.Ack(false))
			e, err := decodeDelivery(d)
			if err != nil {
				return err
			}
			if off, ok := streamOffset(d.Headers); ok && e.Kind == types.KindBatch {
				session.recordOffset(types.SequenceNumber(e.Seq), off)
			}
			head = nextHead(head, e)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(session.IdleTimeout)
		}
	}
}

// Head returns the sequence number the next appended transaction will get
func (session *Session) Head() types.SequenceNumber {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.head
}

func (session *Session) dial() error {
	conn, err := amqp.Dial(session.uri)
	if err != nil {
		session.Logger.Error("dialing connection error", "err", err)
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		session.Logger.Error("Channel error", "err", err)
		conn.Close()
		return err
	}
	defer ch.Close()
	if _, err := declareStream(ch, session.Queue); err != nil {
		session.Logger.Error("Problem with queue declare", "err", err)
		conn.Close()
		return err
	}
	session.Conn = conn
	session.Notify = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func declareStream(ch *amqp.Channel, queue string) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{"x-queue-type": "stream"},
	)
}

// channel opens a channel, redialing first if the connection was closed
func (session *Session) channel() (*amqp.Channel, error) {
	session.mu.Lock()
	defer session.mu.Unlock()
	select {
	case err := <-session.Notify:
		session.Logger.Info("RabbitMQ connection closed, redialing", "err", err)
		if err := session.dial(); err != nil {
			return nil, err
		}
	default:
	}
	return session.Conn.Channel()
}

// Publish appends log entries to the stream queue
func (session *Session) Publish(entries ...types.LogEntry) error {
	ch, err := session.channel()
	if err != nil {
		return err
	}
	defer ch.Close()
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		err = ch.Publish(
			"",            // exchange
			session.Queue, // routing key
			false,         // mandatory
			false,         // immediate
			amqp.Publishing{
				DeliveryMode: amqp.Persistent,
				ContentType:  "application/json",
				Type:         msgType,
				Body:         body,
			})
		if util.LoggerError(session.Logger, err) != nil {
			return err
		}
	}
	return nil
}

// AppendBatch publishes digests as a batch following the head of the log.
// Appends through one session are serialized.
func (session *Session) AppendBatch(digests ...types.Digest) (types.SequenceNumber, error) {
	session.appendMu.Lock()
	defer session.appendMu.Unlock()
	head := session.Head()
	entries, next := types.BatchEntries(head, digests...)
	if err := session.Publish(entries...); err != nil {
		return head, err
	}
	session.mu.Lock()
	session.head = next
	session.mu.Unlock()
	return next, nil
}

// Open consumes the stream from the offset of the batch marker at req.Start, when
// one has been seen, and from the head of the stream otherwise. Entries before
// req.Start are skipped. The window ends after req.Length items or when the queue
// goes quiet for IdleTimeout.
func (session *Session) Open(ctx context.Context, req types.BatchInfoRequest) (stream.Stream, error) {
	ch, err := session.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, err
	}
	start := req.StartOrZero()
	offset := session.offsetArg(start)
	msgs, err := ch.Consume(
		session.Queue, // queue
		"",            // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		amqp.Table{streamOffsetHeader: offset},
	)
	if err != nil {
		ch.Close()
		return nil, err
	}
	session.Logger.Debug("Consuming stream window", "queue", session.Queue, "offset", offset, "start", uint64(start))
	limit := int(req.Length)
	return stream.NewChanStream(ctx, func(ctx context.Context, emit stream.Emit) {
		idle := time.NewTimer(session.IdleTimeout)
		defer idle.Stop()
		for sent := 0; limit == 0 || sent < limit; {
			select {
			case <-ctx.Done():
				return
			case <-idle.C:
				return
			case d, ok := <-msgs:
				if !ok {
					if ctx.Err() == nil {
						emit(stream.Err(stream.ErrConnectionLost))
					}
					return
				}
				util.LogError(d.Ack(false))
				e, err := decodeDelivery(d)
				if err != nil {
					emit(stream.Err(err))
					return
				}
				if off, ok := streamOffset(d.Headers); ok && e.Kind == types.KindBatch {
					session.recordOffset(types.SequenceNumber(e.Seq), off)
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(session.IdleTimeout)
				if before(e, start) {
					continue
				}
				item, err := e.Item()
				if err != nil {
					emit(stream.Err(err))
					return
				}
				if !emit(stream.Ok(item)) {
					return
				}
				sent++
			}
		}
	}, ch.Close), nil
}

// End closes the connection
func (session *Session) End() error {
	session.mu.Lock()
	defer session.mu.Unlock()
	return session.Conn.Close()
}

func (session *Session) offsetArg(start types.SequenceNumber) interface{} {
	session.mu.Lock()
	defer session.mu.Unlock()
	if off, ok := session.offsets[start]; ok {
		return off
	}
	return "first"
}

// recordOffset remembers where the batch marker for seq sits in the stream,
// dropping the oldest marker once maxOffsets are held
func (session *Session) recordOffset(seq types.SequenceNumber, offset int64) {
	session.mu.Lock()
	defer session.mu.Unlock()
	session.offsets[seq] = offset
	if len(session.offsets) <= maxOffsets {
		return
	}
	oldest := seq
	for s := range session.offsets {
		if s < oldest {
			oldest = s
		}
	}
	delete(session.offsets, oldest)
}

// nextHead advances head past a batch marker
func nextHead(head types.SequenceNumber, e types.LogEntry) types.SequenceNumber {
	if e.Kind == types.KindBatch && types.SequenceNumber(e.Seq) > head {
		return types.SequenceNumber(e.Seq)
	}
	return head
}

func decodeDelivery(d amqp.Delivery) (types.LogEntry, error) {
	var e types.LogEntry
	if d.Type != "" && d.Type != msgType {
		return e, fmt.Errorf("unexpected message type %q", d.Type)
	}
	if err := json.Unmarshal(d.Body, &e); err != nil {
		return e, err
	}
	return e, nil
}

func streamOffset(headers amqp.Table) (int64, bool) {
	switch v := headers[streamOffsetHeader].(type) {
	case int64:
		return v, true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// before reports whether e precedes the first transaction at start
func before(e types.LogEntry, start types.SequenceNumber) bool {
	if e.Seq != uint64(start) {
		return e.Seq < uint64(start)
	}
	return e.Kind < types.KindTx
}
