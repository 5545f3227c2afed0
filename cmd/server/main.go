package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"math/rand"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"shardworld.ai/internal/bus"
	"shardworld.ai/internal/persistence/indexdb"
	persistlog "shardworld.ai/internal/persistence/log"
	"shardworld.ai/internal/sim/grid"
	"shardworld.ai/internal/sim/ingest"
	"shardworld.ai/internal/sim/shard"
	"shardworld.ai/internal/sim/tuning"
	"shardworld.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/world.yaml", "world tuning yaml (empty for defaults)")
		shards     = flag.Int("shards", 0, "shard count (0: use shard_count from the config)")
		dataDir    = flag.String("data", "./data", "runtime data directory (tick journal and index)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite tick index")
		seed       = flag.Int64("seed", 0, "simulation seed (0: time based)")
		swid       = flag.String("swid", "", "server worker id for the return channel (default: random uuid)")
		logLevel   = flag.String("log_level", "info", "debug|info|warn|error")
		logDev     = flag.Bool("log_dev", false, "human readable development logging")
		mailbox    = flag.Int("mailbox", 4096, "per-shard mailbox size")
	)
	flag.Parse()

	logger, err := newLogger(*logLevel, *logDev)
	if err != nil {
		os.Stderr.WriteString("logger: " + err.Error() + "\n")
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	tune, err := tuning.Load(strings.TrimSpace(*configPath))
	if err != nil {
		logger.Fatal("load tuning", zap.String("path", *configPath), zap.Error(err))
	}
	if *shards > 0 {
		tune.ShardCount = *shards
	}
	if err := tune.Validate(); err != nil {
		logger.Fatal("invalid tuning", zap.Error(err))
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, cancel := signalContext()
	defer cancel()

	reporters := []shard.Reporter{}
	stats := newTickStats()
	reporters = append(reporters, stats)

	journal := persistlog.NewTickJournal(*dataDir, 0, logger)
	defer func() {
		if err := journal.Close(); err != nil {
			logger.Warn("close journal", zap.Error(err))
		}
	}()
	reporters = append(reporters, journal)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "index", "ticks.sqlite"), 0, logger)
		if err != nil {
			logger.Fatal("open index", zap.Error(err))
		}
		defer idx.Close()
		if err := idx.RecordTuning(ctx, tune); err != nil {
			logger.Warn("index: record tuning", zap.Error(err))
		}
		reporters = append(reporters, idx)
	}

	ex := bus.NewExchange()
	gcfg := grid.ConfigFromTuning(tune)
	internal := grid.New(gcfg, ex, bus.Msgpack{})
	client := grid.New(gcfg, ex, bus.JSON{})

	var wg sync.WaitGroup
	for id := 0; id < tune.ShardCount; id++ {
		s, err := shard.New(shard.Options{
			ID:          id,
			Count:       tune.ShardCount,
			Tuning:      tune,
			Internal:    internal,
			Client:      client,
			Logger:      logger,
			Seed:        *seed,
			MailboxSize: *mailbox,
			Reporters:   reporters,
		})
		if err != nil {
			logger.Fatal("shard", zap.Int("shard", id), zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("shard stopped", zap.Int("shard", s.ID()), zap.Error(err))
			}
		}()
	}

	router := ingest.New(ingest.Options{
		SWID:     strings.TrimSpace(*swid),
		Tuning:   tune,
		Internal: internal,
		Logger:   logger,
		Rand:     rand.New(rand.NewSource(*seed ^ 0x5eed)),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("router stopped", zap.Error(err))
		}
	}()

	wsSrv := ws.NewServer(ws.Options{Players: router, Client: client, Tuning: tune, Logger: logger})

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		stats.writeMetrics(rw, metricsExtra{
			Sessions:     wsSrv.Sessions(),
			JournalDrops: journal.Dropped(),
			Index:        idx.Stats(),
		})
	})
	if envBool("SW_ENABLE_ADMIN_HTTP", true) {
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(struct {
				SWID     string             `json:"swid"`
				Sessions int64              `json:"sessions"`
				Shards   []shard.TickReport `json:"shards"`
				Index    indexdb.Stats      `json:"index"`
				Tuning   tuning.Tuning      `json:"tuning"`
			}{
				SWID:     router.SWID(),
				Sessions: wsSrv.Sessions(),
				Shards:   stats.latest(),
				Index:    idx.Stats(),
				Tuning:   tune,
			})
		})
	}
	if envBool("SW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening",
		zap.String("addr", *addr),
		zap.Int("shards", tune.ShardCount),
		zap.Int("cells", tune.CellCount()),
		zap.String("swid", router.SWID()),
		zap.Bool("index", idx != nil),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("listen", zap.Error(err))
		cancel()
	}
	wg.Wait()
}

func newLogger(level string, dev bool) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	if dev {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = lvl
	return cfg.Build()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
