package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/manifoldco/promptui"
	tmos "github.com/tendermint/tendermint/libs/os"
	dbm "github.com/tendermint/tm-db"
	"github.com/throttled/throttled/v2"

	"github.com/chainpoint/chainpoint-txwatch/api"
	"github.com/chainpoint/chainpoint-txwatch/config"
	"github.com/chainpoint/chainpoint-txwatch/fanout"
	"github.com/chainpoint/chainpoint-txwatch/level"
	"github.com/chainpoint/chainpoint-txwatch/postgres"
	"github.com/chainpoint/chainpoint-txwatch/rabbitmq"
	"github.com/chainpoint/chainpoint-txwatch/redis"
	"github.com/chainpoint/chainpoint-txwatch/stream"
	"github.com/chainpoint/chainpoint-txwatch/tendermint_rpc"
	"github.com/chainpoint/chainpoint-txwatch/types"
	"github.com/chainpoint/chainpoint-txwatch/util"
	"github.com/chainpoint/chainpoint-txwatch/watcher"
)

const (
	exitConfirmed = 0
	exitTimedOut  = 1
	exitFailed    = 2
)

// appender is implemented by the notification logs txwatch can write to
type appender interface {
	AppendBatch(digests ...types.Digest) (types.SequenceNumber, error)
}

func main() {
	figure.NewColorFigure("txwatch", "", "green", true).Print()
	homedirname, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	home := fmt.Sprintf("%s/.chainpoint/txwatch", homedirname)
	if _, err := os.Stat(home); os.IsNotExist(err) {
		os.MkdirAll(home, os.ModePerm)
	}
	os.Exit(run(config.InitConfig(home)))
}

func run(cfg types.WatchConfig) int {
	logger := cfg.Logger
	if !cfg.Serve && len(cfg.Digests) == 0 {
		digest, err := promptDigest()
		if err != nil {
			logger.Error("No digests to watch", "err", err)
			return exitFailed
		}
		cfg.Digests = []string{digest}
	}
	ids, err := util.ParseDigests(cfg.Digests)
	if util.LoggerError(logger, err) != nil {
		return exitFailed
	}

	if len(cfg.Authorities) > 0 && !cfg.Serve && !cfg.Append {
		return watchAuthorities(cfg, ids)
	}

	source, closer, err := openSource(cfg)
	if err != nil {
		logger.Error("Could not open notification source", "source", cfg.Source.Kind, "err", err)
		return exitFailed
	}
	defer func() {
		util.LoggerError(logger, closer())
	}()

	switch {
	case cfg.Append:
		return appendDigests(cfg, source, ids)
	case cfg.Serve:
		return serve(cfg, source)
	}

	w := watcher.New(source, watcherConfig(cfg))
	logger.Info("Waiting for transactions", "count", len(ids), "source", cfg.Source.Kind, "deadline", cfg.Deadline)
	err = w.Watch(context.Background(), ids, cfg.Deadline)
	return exitCode(err)
}

func watcherConfig(cfg types.WatchConfig) watcher.Config {
	wc := watcher.DefaultConfig()
	wc.WindowLength = cfg.WindowLength
	wc.Logger = cfg.Logger
	if cfg.ReopenPerSec > 0 {
		wc.ReopenQuota = &throttled.RateQuota{MaxRate: throttled.PerSec(cfg.ReopenPerSec), MaxBurst: cfg.ReopenPerSec}
	}
	return wc
}

func exitCode(err error) int {
	var timedOut *watcher.TimedOutError
	switch {
	case err == nil:
		return exitConfirmed
	case errors.As(err, &timedOut):
		return exitTimedOut
	}
	return exitFailed
}

// openSource connects to the configured notification source
func openSource(cfg types.WatchConfig) (stream.Source, func() error, error) {
	logger := cfg.Logger
	nop := func() error { return nil }
	switch cfg.Source.Kind {
	case config.SourceTendermint:
		rpc, err := tendermint_rpc.NewRPCClient(cfg.Source, logger)
		if err != nil {
			return nil, nil, err
		}
		status, err := rpc.GetStatus()
		if err != nil {
			return nil, nil, err
		}
		logger.Info("Connected to tendermint", "chain_id", status.NodeInfo.Network, "height", status.SyncInfo.LatestBlockHeight)
		return rpc, nop, nil
	case config.SourceLevel:
		db := dbm.NewDB("notifications", dbm.GoLevelDBBackend, cfg.Source.LevelDir)
		return level.NewNotificationLog(db, logger), func() error {
			db.Close()
			return nil
		}, nil
	case config.SourceRedis:
		r, err := redis.NewStreamLog(cfg.Source.RedisURI, cfg.Source.RedisStream, logger)
		if err != nil {
			return nil, nil, err
		}
		return r, r.Close, nil
	case config.SourcePostgres:
		pg, err := postgres.NewPGFromURI(cfg.Source.PostgresURI, cfg.Source.PgTable, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := pg.InitSchema(); err != nil {
			pg.Close()
			return nil, nil, err
		}
		return pg, pg.Close, nil
	case config.SourceAmqp:
		session, err := rabbitmq.Dial(cfg.Source.RabbitmqURI, cfg.Source.AmqpQueue, cfg.IdleTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		return session, session.End, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", cfg.Source.Kind)
}

func appendDigests(cfg types.WatchConfig, source stream.Source, ids []types.Digest) int {
	notifications, ok := source.(appender)
	if !ok {
		cfg.Logger.Error("Source is read-only", "source", cfg.Source.Kind)
		return exitFailed
	}
	head, err := notifications.AppendBatch(ids...)
	if util.LoggerError(cfg.Logger, err) != nil {
		return exitFailed
	}
	cfg.Logger.Info("Appended batch", "txs", len(ids), "next_seq", uint64(head))
	return exitConfirmed
}

func serve(cfg types.WatchConfig, source stream.Source) int {
	logger := cfg.Logger
	watchAPI := api.NewAPI(watcher.New(source, watcherConfig(cfg)), cfg.Deadline, 10*cfg.Deadline, logger)
	router, err := watchAPI.Router(cfg.APIRatePerSec)
	if util.LoggerError(logger, err) != nil {
		return exitFailed
	}
	server := &http.Server{
		Handler:     router,
		Addr:        ":" + cfg.APIPort,
		ReadTimeout: 15 * time.Second,
	}
	tmos.TrapSignal(logger, func() {
		logger.Info("Shutting down txwatch api...")
		util.LoggerError(logger, server.Close())
	})
	logger.Info("Serving watch api", "port", cfg.APIPort, "source", cfg.Source.Kind)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("API server stopped", "err", err)
		return exitFailed
	}
	return exitConfirmed
}

// watchAuthorities confirms ids on each tendermint authority independently
func watchAuthorities(cfg types.WatchConfig, ids []types.Digest) int {
	logger := cfg.Logger
	authorities := make([]fanout.Authority, 0, len(cfg.Authorities))
	for _, hostPort := range cfg.Authorities {
		sc := cfg.Source
		sc.TMServer, sc.TMPort = splitHostPort(hostPort, sc.TMPort)
		rpc, err := tendermint_rpc.NewRPCClient(sc, logger.With("authority", hostPort))
		if util.LoggerError(logger, err) != nil {
			return exitFailed
		}
		authorities = append(authorities, fanout.Authority{Name: hostPort, Source: rpc})
	}
	results := fanout.New(cfg.Workers, watcherConfig(cfg)).WatchAll(context.Background(), authorities, ids, cfg.Deadline)
	code := exitConfirmed
	for _, r := range results {
		status := "confirmed"
		if r.Err != nil {
			status = r.Err.Error()
			if c := exitCode(r.Err); c > code {
				code = c
			}
		}
		fmt.Printf("%s\t%s\t%s\n", r.Authority, r.Elapsed.Round(time.Millisecond), status)
	}
	logger.Info("Authorities confirmed", "confirmed", fanout.Confirmed(results), "total", len(results))
	return code
}

func splitHostPort(hostPort string, defPort string) (string, string) {
	hostPort = strings.TrimPrefix(strings.TrimPrefix(hostPort, "http://"), "tcp://")
	i := strings.LastIndex(hostPort, ":")
	if i < 0 {
		return hostPort, defPort
	}
	return hostPort[:i], hostPort[i+1:]
}

func promptDigest() (string, error) {
	prompt := promptui.Prompt{
		Label: "Transaction digest to watch (hex)",
		Validate: func(input string) error {
			ids, err := util.ParseDigests([]string{input})
			if err == nil && len(ids) == 0 {
				err = errors.New("digest required")
			}
			return err
		},
	}
	return prompt.Run()
}
