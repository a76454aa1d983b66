// Package api exposes confirmation watches over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/throttled/throttled/v2"
	"github.com/throttled/throttled/v2/store/memstore"

	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

// Watcher is the part of watcher.ConfirmationWatcher the API drives
type Watcher interface {
	Watch(ctx context.Context, ids []types.Digest, deadline time.Duration) error
}

// API : HTTP front for a confirmation watcher
type API struct {
	Watcher     Watcher
	Deadline    time.Duration
	MaxDeadline time.Duration
	Logger      log.Logger
}

// WatchRequest : body of POST /watch
type WatchRequest struct {
	Digests []string `json:"digests"`
	Timeout string   `json:"timeout,omitempty"`
}

// WatchResponse reports the outcome of one watch
type WatchResponse struct {
	Status    string   `json:"status"`
	Digests   []string `json:"digests"`
	Remaining []string `json:"remaining,omitempty"`
	Error     string   `json:"error,omitempty"`
}

// NewAPI : deadline is used when a request names no timeout, and no request may wait past maxDeadline
func NewAPI(w Watcher, deadline time.Duration, maxDeadline time.Duration, logger log.Logger) *API {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if maxDeadline < deadline {
		maxDeadline = deadline
	}
	return &API{
		Watcher:     w,
		Deadline:    deadline,
		MaxDeadline: maxDeadline,
		Logger:      logger,
	}
}

// Router builds the rate limited route table. ratePerSec < 1 disables limiting.
func (api *API) Router(ratePerSec int) (http.Handler, error) {
	limit := func(h http.HandlerFunc) http.Handler { return h }
	if ratePerSec > 0 {
		store, err := memstore.New(65536)
		if err != nil {
			return nil, err
		}
		quota := throttled.RateQuota{MaxRate: throttled.PerSec(ratePerSec), MaxBurst: ratePerSec * 3}
		limiter, err := throttled.NewGCRARateLimiter(store, quota)
		if err != nil {
			return nil, err
		}
		httpLimiter := throttled.HTTPRateLimiter{
			RateLimiter: limiter,
			VaryBy:      &throttled.VaryBy{RemoteAddr: true},
		}
		limit = func(h http.HandlerFunc) http.Handler { return httpLimiter.RateLimit(h) }
	}
	r := mux.NewRouter()
	r.Handle("/", limit(api.HomeHandler)).Methods(http.MethodGet)
	r.Handle("/watch/{digest}", limit(api.WatchOneHandler)).Methods(http.MethodGet)
	r.Handle("/watch", limit(api.WatchHandler)).Methods(http.MethodPost)
	return r, nil
}

// HomeHandler : nothing lives at the root
func (api *API) HomeHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusTeapot)
	fmt.Fprintf(w, "This is an API endpoint. POST /watch or GET /watch/{digest}")
}

// WatchOneHandler : GET /watch/{digest}?timeout=30s
func (api *API) WatchOneHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ids, err := util.ParseDigests([]string{vars["digest"]})
	if err != nil || len(ids) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid digest"})
		return
	}
	deadline, err := api.deadline(r.URL.Query().Get("timeout"))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	api.watch(w, r, ids, deadline)
}

// WatchHandler : POST /watch with a WatchRequest body
func (api *API) WatchHandler(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != "application/json" {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid content type"})
		return
	}
	d := json.NewDecoder(r.Body)
	d.DisallowUnknownFields()
	req := WatchRequest{}
	if err := d.Decode(&req); util.LoggerError(api.Logger, err) != nil || len(req.Digests) == 0 {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body: missing digests"})
		return
	}
	ids, err := util.ParseDigests(req.Digests)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid JSON body: " + err.Error()})
		return
	}
	deadline, err := api.deadline(req.Timeout)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]interface{}{"error": err.Error()})
		return
	}
	api.watch(w, r, ids, deadline)
}

func (api *API) deadline(timeout string) (time.Duration, error) {
	if timeout == "" {
		return api.Deadline, nil
	}
	d, err := time.ParseDuration(timeout)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", timeout)
	}
	if d > api.MaxDeadline {
		d = api.MaxDeadline
	}
	return d, nil
}

func (api *API) watch(w http.ResponseWriter, r *http.Request, ids []types.Digest, deadline time.Duration) {
	api.Logger.Info("Watch requested", "client", util.GetClientIP(r), "digests", len(ids), "deadline", deadline)
	err := api.Watcher.Watch(r.Context(), ids, deadline)
	status, resp := outcome(ids, err)
	respondJSON(w, status, resp)
}

func outcome(ids []types.Digest, err error) (int, WatchResponse) {
	resp := WatchResponse{Digests: digestStrings(ids)}
	var timedOut *watcher.TimedOutError
	switch {
	case err == nil:
		resp.Status = watcher.Satisfied.String()
		return http.StatusOK, resp
	case errors.As(err, &timedOut):
		resp.Status = watcher.TimedOut.String()
		resp.Remaining = digestStrings(timedOut.Remaining)
		resp.Error = err.Error()
		return http.StatusRequestTimeout, resp
	default:
		resp.Status = watcher.Failed.String()
		resp.Error = err.Error()
		return http.StatusBadGateway, resp
	}
}

func digestStrings(ids []types.Digest) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// respondJSON makes the response with payload as json format
func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	response, err := json.Marshal(payload)
	if util.LogError(err) != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(err.Error()))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(response)
}
