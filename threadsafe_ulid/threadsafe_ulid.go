package threadsafe_ulid

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ThreadSafeUlid hands out monotonic ULIDs to concurrent watch calls
type ThreadSafeUlid struct {
	safe *safeMonotonicReader
}

func NewThreadSafeUlid() *ThreadSafeUlid {
	t := time.Now()
	return &ThreadSafeUlid{
		safe: &safeMonotonicReader{MonotonicReader: ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)},
	}
}

// NewUlid : ULID stamped with the current time
func (u *ThreadSafeUlid) NewUlid() (ulid.ULID, error) {
	return ulid.New(ulid.Timestamp(time.Now()), u.safe)
}

// MustString returns a new ULID string, or "" if entropy ran out within the millisecond
func (u *ThreadSafeUlid) MustString() string {
	id, err := u.NewUlid()
	if err != nil {
		return ""
	}
	return id.String()
}

type safeMonotonicReader struct {
	mtx sync.Mutex
	ulid.MonotonicReader
}

func (r *safeMonotonicReader) MonotonicRead(ms uint64, p []byte) (err error) {
	r.mtx.Lock()
	err = r.MonotonicReader.MonotonicRead(ms, p)
	r.mtx.Unlock()
	return err
}

// Read satisfies io.Reader for ulid.New
func (r *safeMonotonicReader) Read(p []byte) (int, error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return r.MonotonicReader.Read(p)
}
