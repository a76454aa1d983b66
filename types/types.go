package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/libs/log"
)

// DigestLength is the size in bytes of a transaction digest
const DigestLength = sha256.Size

// Digest : opaque, fixed-size identifier of a submitted transaction
type Digest [DigestLength]byte

// DigestOf hashes raw transaction bytes the same way tendermint's types.Tx.Hash() does
func DigestOf(tx []byte) Digest {
	return Digest(sha256.Sum256(tx))
}

// ParseDigest decodes a hex encoded digest
func ParseDigest(s string) (Digest, error) {
	var d Digest
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != DigestLength {
		return d, fmt.Errorf("digest must be %d bytes, got %d", DigestLength, len(b))
	}
	copy(d[:], b)
	return d, nil
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// SequenceNumber : position in an authority's append-only notification log
type SequenceNumber uint64

// Seq returns a pointer to s, for use as a BatchInfoRequest start
func Seq(s SequenceNumber) *SequenceNumber {
	return &s
}

// BatchInfoRequest asks an authority for notification items starting at Start.
// A nil Start means "from the beginning". Length bounds the items in one window.
type BatchInfoRequest struct {
	Start  *SequenceNumber `json:"start,omitempty"`
	Length uint32          `json:"length"`
}

// StartOrZero returns the requested start, or zero when absent
func (r BatchInfoRequest) StartOrZero() SequenceNumber {
	if r.Start == nil {
		return 0
	}
	return *r.Start
}

// Batch marks that everything before NextSequenceNumber has been delivered
type Batch struct {
	NextSequenceNumber SequenceNumber `json:"next_sequence_number"`
}

// TxNotification : one confirmed transaction at a log position
type TxNotification struct {
	Seq    SequenceNumber `json:"seq"`
	Digest Digest         `json:"digest"`
}

// UpdateItem is a tagged union: exactly one of Batch or Transaction is set
type UpdateItem struct {
	Batch       *Batch          `json:"batch,omitempty"`
	Transaction *TxNotification `json:"transaction,omitempty"`
}

// BatchItem builds a batch boundary item
func BatchItem(next SequenceNumber) UpdateItem {
	return UpdateItem{Batch: &Batch{NextSequenceNumber: next}}
}

// TransactionItem builds a transaction notification item
func TransactionItem(seq SequenceNumber, digest Digest) UpdateItem {
	return UpdateItem{Transaction: &TxNotification{Seq: seq, Digest: digest}}
}

// BatchInfoResponse is one element of a notification window. Err is set for a
// mid-stream failure, in which case Item is zero.
type BatchInfoResponse struct {
	Item UpdateItem
	Err  error
}

// SourceConfig holds connection info for the notification source
type SourceConfig struct {
	Kind        string
	TMServer    string
	TMPort      string
	RedisURI    string
	RedisStream string
	PostgresURI string
	PgTable     string
	RabbitmqURI string
	AmqpQueue   string
	LevelDir    string
}

// WatchConfig represents values to configure the txwatch command and its API
type WatchConfig struct {
	HomePath      string
	Source        SourceConfig
	WindowLength  uint32
	Deadline      time.Duration
	IdleTimeout   time.Duration
	ReopenPerSec  int
	Digests       []string
	Append        bool
	Serve         bool
	APIPort       string
	APIRatePerSec int
	Authorities   []string
	Workers       int
	Logger        log.Logger
}
