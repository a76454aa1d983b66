// Package fanout runs one independent confirmation watch per authority. Results
// are reported per authority; deciding what a set of results means is left to
// the caller.
package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/enriquebris/goconcurrentqueue"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

// Authority : a named notification source
type Authority struct {
	Name   string
	Source stream.Source
}

// Result of watching one authority. Err is nil when every digest was confirmed.
type Result struct {
	Authority string
	Err       error
	Elapsed   time.Duration
}

type job struct {
	index     int
	authority Authority
}

// Fanout : runs watch jobs on a fixed number of workers
type Fanout struct {
	Workers int
	Config  watcher.Config
	Logger  log.Logger
}

// New : workers < 1 runs one worker per authority
func New(workers int, config watcher.Config) *Fanout {
	logger := config.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Fanout{
		Workers: workers,
		Config:  config,
		Logger:  logger,
	}
}

// WatchAll watches ids on every authority with the same deadline and returns
// results in the order the authorities were given. Each call has its own job queue.
func (f *Fanout) WatchAll(ctx context.Context, authorities []Authority, ids []types.Digest, deadline time.Duration) []Result {
	results := make([]Result, len(authorities))
	jobs := goconcurrentqueue.NewFIFO()
	for i, a := range authorities {
		if err := jobs.Enqueue(job{index: i, authority: a}); util.LoggerError(f.Logger, err) != nil {
			results[i] = Result{Authority: a.Name, Err: err}
		}
	}
	workers := f.Workers
	if workers < 1 || workers > len(authorities) {
		workers = len(authorities)
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := jobs.Dequeue()
				if err != nil {
					return
				}
				j, ok := item.(job)
				if !ok {
					continue
				}
				results[j.index] = f.watch(ctx, j.authority, ids, deadline)
			}
		}()
	}
	wg.Wait()
	return results
}

func (f *Fanout) watch(ctx context.Context, a Authority, ids []types.Digest, deadline time.Duration) Result {
	config := f.Config
	config.Logger = f.Logger.With("authority", a.Name)
	start := time.Now()
	err := watcher.New(a.Source, config).Watch(ctx, ids, deadline)
	elapsed := time.Since(start)
	if err != nil {
		config.Logger.Info("Authority watch ended unconfirmed", "err", err, "elapsed", elapsed)
	} else {
		config.Logger.Info("Authority confirmed all digests", "elapsed", elapsed)
	}
	return Result{Authority: a.Name, Err: err, Elapsed: elapsed}
}

// Confirmed counts the authorities that confirmed every digest
func Confirmed(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Err == nil {
			n++
		}
	}
	return n
}
