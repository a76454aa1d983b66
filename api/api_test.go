package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	dbm "github.com/tendermint/tm-db"

	"github.com/chainpoint/chainpoint-txwatch/level"
	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

type failingWatcher struct{}

func (failingWatcher) Watch(ctx context.Context, ids []types.Digest, deadline time.Duration) error {
	return &watcher.StreamFailedError{Cause: stream.ErrConnectionLost}
}

func newTestServer(t *testing.T, w Watcher, ratePerSec int) *httptest.Server {
	api := NewAPI(w, 100*time.Millisecond, time.Second, nil)
	router, err := api.Router(ratePerSec)
	assert.Nil(t, err)
	return httptest.NewServer(router)
}

func decode(t *testing.T, res *http.Response) WatchResponse {
	defer res.Body.Close()
	var out WatchResponse
	assert.Nil(t, json.NewDecoder(res.Body).Decode(&out))
	return out
}

func TestWatchEndpoints(t *testing.T) {
	assert := assert.New(t)
	a, b := types.DigestOf([]byte("a")), types.DigestOf([]byte("b"))
	notifications := level.NewNotificationLog(dbm.NewMemDB(), nil)
	_, err := notifications.AppendBatch(a)
	assert.Nil(err)
	srv := newTestServer(t, watcher.New(notifications, watcher.DefaultConfig()), 0)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/watch/" + a.String())
	assert.Nil(err)
	assert.Equal(http.StatusOK, res.StatusCode)
	out := decode(t, res)
	assert.Equal("satisfied", out.Status)
	assert.Equal([]string{a.String()}, out.Digests)

	body, _ := json.Marshal(WatchRequest{Digests: []string{a.String(), "0x" + b.String()}, Timeout: "50ms"})
	res, err = http.Post(srv.URL+"/watch", "application/json", bytes.NewReader(body))
	assert.Nil(err)
	assert.Equal(http.StatusRequestTimeout, res.StatusCode)
	out = decode(t, res)
	assert.Equal("timed_out", out.Status)
	assert.Equal([]string{b.String()}, out.Remaining)
}

func TestWatchBadRequests(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t, failingWatcher{}, 0)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/watch/nothex")
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, res.StatusCode)

	res, err = http.Get(srv.URL + "/watch/" + types.DigestOf([]byte("a")).String() + "?timeout=soon")
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, res.StatusCode)

	res, err = http.Post(srv.URL+"/watch", "text/plain", bytes.NewReader([]byte("{}")))
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, res.StatusCode, "non json content type should be rejected")

	res, err = http.Post(srv.URL+"/watch", "application/json", bytes.NewReader([]byte(`{"digests":[]}`)))
	assert.Nil(err)
	assert.Equal(http.StatusBadRequest, res.StatusCode, "empty digest list should be rejected")

	res, err = http.Get(srv.URL + "/")
	assert.Nil(err)
	assert.Equal(http.StatusTeapot, res.StatusCode)
}

func TestWatchSourceFailure(t *testing.T) {
	srv := newTestServer(t, failingWatcher{}, 0)
	defer srv.Close()
	res, err := http.Get(srv.URL + "/watch/" + types.DigestOf([]byte("a")).String())
	assert.Nil(t, err)
	assert.Equal(t, http.StatusBadGateway, res.StatusCode)
	out := decode(t, res)
	assert.Equal(t, "failed", out.Status)
	assert.Contains(t, out.Error, stream.ErrConnectionLost.Error())
}

func TestRateLimit(t *testing.T) {
	assert := assert.New(t)
	srv := newTestServer(t, failingWatcher{}, 1)
	defer srv.Close()
	limited := false
	for i := 0; i < 10; i++ {
		res, err := http.Get(srv.URL + "/")
		assert.Nil(err)
		res.Body.Close()
		if res.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	assert.True(limited, "burst past the quota should be rejected")
}

func TestDeadlineCap(t *testing.T) {
	assert := assert.New(t)
	api := NewAPI(failingWatcher{}, time.Second, 5*time.Second, nil)
	d, err := api.deadline("")
	assert.Nil(err)
	assert.Equal(time.Second, d)
	d, err = api.deadline("1m")
	assert.Nil(err)
	assert.Equal(5*time.Second, d, "timeouts past the cap should be clamped")
	_, err = api.deadline("-1s")
	assert.NotNil(err)
}

func TestOutcome(t *testing.T) {
	assert := assert.New(t)
	ids := []types.Digest{types.DigestOf([]byte("a"))}
	status, _ := outcome(ids, nil)
	assert.Equal(http.StatusOK, status)
	status, resp := outcome(ids, &watcher.TimedOutError{Remaining: ids})
	assert.Equal(http.StatusRequestTimeout, status)
	assert.Equal([]string{ids[0].String()}, resp.Remaining)
	status, _ = outcome(ids, errors.New("boom"))
	assert.Equal(http.StatusBadGateway, status)
}
