package initializer

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/milkywaybrain/tickhub/internal/cache"
	"github.com/milkywaybrain/tickhub/internal/config"
	"github.com/milkywaybrain/tickhub/internal/feed"
	"github.com/milkywaybrain/tickhub/internal/ingest"
	"github.com/milkywaybrain/tickhub/internal/metrics"
	"github.com/milkywaybrain/tickhub/internal/pool"
	"github.com/milkywaybrain/tickhub/internal/ratelimit"
	"github.com/milkywaybrain/tickhub/internal/registry"
	"github.com/milkywaybrain/tickhub/internal/server"
	"github.com/milkywaybrain/tickhub/internal/storage"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/sync/errgroup"
)

// App holds every component of the running service.
type App struct {
	cfg *config.Config

	Metrics  *metrics.Collector
	Health   *metrics.HealthCheck
	Limiter  *ratelimit.Limiter
	Cache    *cache.TickCache
	Pool     *pool.Pool
	Feed     *feed.Client
	Registry *registry.Registry
	Server   *server.Server
	Buffers  []*ingest.Buffer

	closers []io.Closer
}

// Start will initialize various required systems and then execute the app.
func Start(mainCtx context.Context, cfg *config.Config) error {
	logFile, err := setupLogger(&cfg.Log)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	app, err := Build(mainCtx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(mainCtx)
}

// setupLogger sets the global logger.
// If the path given in the config for logging ends with .log then create a log file with the same name and
// write log messages to it. An empty path logs to stdout. Otherwise, create a new log file with a timestamp
// attached to it's name in the given path.
func setupLogger(cfg *config.Log) (*os.File, error) {
	var (
		logFile *os.File
		err     error
	)
	switch {
	case cfg.FilePath == "":
	case strings.HasSuffix(cfg.FilePath, ".log"):
		logFile, err = os.OpenFile(cfg.FilePath, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0666)
		if err != nil {
			return nil, fmt.Errorf("not able to open or create log file: %v", cfg.FilePath)
		}
	default:
		name := cfg.FilePath + "_" + strconv.Itoa(int(time.Now().Unix())) + ".log"
		logFile, err = os.Create(name)
		if err != nil {
			return nil, fmt.Errorf("not able to create log file: %v", name)
		}
	}

	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	switch cfg.Level {
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	var out io.Writer = os.Stdout
	if logFile != nil {
		out = logFile
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	log.Info().Msg("logger setup is done")
	return logFile, nil
}

// Build connects the configured storages and wires every component together.
// extra storages get their own ingestion buffer next to the configured ones.
func Build(appCtx context.Context, cfg *config.Config, extra ...storage.Committer) (*App, error) {
	app := &App{cfg: cfg}

	app.Metrics = metrics.NewCollector()
	app.Limiter = ratelimit.New(time.Duration(cfg.RateLimit.WindowSec)*time.Second, cfg.RateLimit.MaxRequests)
	app.Cache = cache.New(cfg.Cache.MaxTicksPerSymbol, time.Duration(cfg.Cache.MaxAgeSec)*time.Second)
	app.Pool = pool.New(app.Limiter, app.Metrics)
	app.Feed = feed.New(&cfg.Feed, &cfg.Connection.WS)
	app.Registry = registry.New(app.Feed, app.Pool, app.Metrics, cfg.Registry.ReleaseUpstreamOnIdle)
	app.Health = metrics.NewHealthCheck(app.Metrics, cfg.Health, app.Feed.Connected)
	app.Server = server.New(&cfg.Server, app.Pool, app.Registry, app.Metrics, app.Health, app.Cache)

	// Establish connections to different storage systems.
	stores, err := app.connectStorages(appCtx)
	if err != nil {
		app.Close()
		return nil, err
	}
	stores = append(stores, extra...)
	for _, store := range stores {
		app.Buffers = append(app.Buffers, ingest.New(store, &cfg.Ingestion))
	}

	// Every consumer is an independent observer of the feed.
	app.Feed.OnTick(func(storage.MarketTick) { app.Metrics.IncrementReceived() })
	app.Feed.OnTick(app.Cache.HandleTick)
	for _, buf := range app.Buffers {
		app.Feed.OnTick(buf.AddTick)
		app.Feed.OnHistory(buf.AddTick)
	}
	app.Feed.OnTick(app.Registry.Dispatch)

	return app, nil
}

func (a *App) connectStorages(appCtx context.Context) ([]storage.Committer, error) {
	var stores []storage.Committer
	seen := make(map[string]bool)
	for _, str := range a.cfg.Ingestion.Storages {
		if seen[str] {
			continue
		}
		seen[str] = true

		switch str {
		case "terminal":
			stores = append(stores, storage.NewTerminal(os.Stdout))
			log.Info().Msg("terminal connected")
		case "mysql":
			mysql, err := storage.NewMySQL(appCtx, &a.cfg.Connection.MySQL)
			if err != nil {
				err = errors.Wrap(err, "mysql connection")
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				return nil, err
			}
			a.closers = append(a.closers, mysql)
			stores = append(stores, mysql)
			log.Info().Msg("mysql connected")
		case "elastic_search":
			es, err := storage.NewElasticSearch(appCtx, &a.cfg.Connection.ES)
			if err != nil {
				err = errors.Wrap(err, "elastic search connection")
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				return nil, err
			}
			stores = append(stores, es)
			log.Info().Msg("elastic search connected")
		case "redis":
			rdb, err := storage.NewRedis(appCtx, &a.cfg.Connection.Redis)
			if err != nil {
				err = errors.Wrap(err, "redis connection")
				log.Error().Stack().Err(errors.WithStack(err)).Msg("")
				return nil, err
			}
			a.closers = append(a.closers, rdb)
			stores = append(stores, rdb)
			log.Info().Msg("redis connected")
		}
	}
	return stores, nil
}

// Run listens on the configured address and executes the app.
func (a *App) Run(mainCtx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		err = errors.Wrap(err, "server listen")
		log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		return err
	}
	return a.Serve(mainCtx, ln)
}

// Serve executes the app with client connections accepted on ln.
// If any component fails, force all the other components to stop and exit the app.
// Cancelling mainCtx is a normal shutdown.
func (a *App) Serve(mainCtx context.Context, ln net.Listener) error {
	appErrGroup, appCtx := errgroup.WithContext(mainCtx)

	appErrGroup.Go(func() error {
		return a.Feed.Run(appCtx)
	})
	for _, buf := range a.Buffers {
		buf := buf
		appErrGroup.Go(func() error {
			return buf.Run(appCtx)
		})
	}
	appErrGroup.Go(func() error {
		return a.Cache.Run(appCtx, time.Duration(a.cfg.Cache.SweepIntervalSec)*time.Second)
	})
	appErrGroup.Go(func() error {
		return a.Limiter.Run(appCtx, time.Duration(a.cfg.RateLimit.SweepIntervalSec)*time.Second)
	})
	appErrGroup.Go(func() error {
		return a.Server.Serve(appCtx, ln)
	})

	if a.cfg.Feed.ConnectOnStart {
		a.Feed.Connect()
	}

	err := appErrGroup.Wait()
	if err != nil && mainCtx.Err() == nil {
		log.Error().Msg("exiting the app")
		return err
	}
	log.Info().Msg("app stopped")
	return nil
}

// Close releases storage connections.
func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Error().Stack().Err(errors.WithStack(err)).Msg("")
		}
	}
	a.closers = nil
}
