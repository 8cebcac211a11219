package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	persistlog "tickbatch.ai/internal/persistence/log"
	"tickbatch.ai/internal/sim/batch"
	"tickbatch.ai/internal/sim/demo"
	"tickbatch.ai/internal/sim/loop"
	"tickbatch.ai/internal/sim/tuning"
	"tickbatch.ai/internal/transport/observer"
	quictransport "tickbatch.ai/internal/transport/quic"
	"tickbatch.ai/internal/transport/ws"
)

func main() {
	var (
		addr         = flag.String("addr", "", "websocket listen address (overrides net.ws_listen)")
		quicAddr     = flag.String("quic", "", "quic listen address (overrides net.quic_listen)")
		observerAddr = flag.String("observer", "", "observer listen address (overrides net.observer_listen)")
		worldID      = flag.String("world", "world_1", "world id")
		configDir    = flag.String("configs", "./configs", "config directory")
		tuningPath   = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dataDir      = flag.String("data", "", "runtime data directory (overrides store.data_dir)")
		seed         = flag.Int64("seed", 0, "demo seed (overrides demo.seed when non-zero)")
		entities     = flag.Int("entities", -1, "demo entity count (overrides demo.entities when >= 0)")
		disableDB    = flag.Bool("disable_db", false, "disable the sqlite index")
		statsEvery   = flag.Uint64("stats_every", 200, "log a batch summary every N ticks (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	applyOverrides(&tune, overrides{
		WSListen:       *addr,
		QUICListen:     *quicAddr,
		ObserverListen: *observerAddr,
		DataDir:        *dataDir,
		Seed:           *seed,
		Entities:       *entities,
		DisableDB:      *disableDB,
	})
	tune.Normalize()
	if err := tune.Validate(); err != nil {
		logger.Fatalf("tuning: %v", err)
	}

	worldDir := filepath.Join(tune.Store.DataDir, "worlds", *worldID)
	if err := os.MkdirAll(worldDir, 0o755); err != nil {
		logger.Fatalf("create world dir: %v", err)
	}

	b := batch.New(tune.BatchConfig())
	w := demo.New(tune.Demo.Entities, tune.Demo.Seed, tune.Demo.ActivePermille)
	l := loop.New(loop.Config{TickRateHz: tune.TickRateHz, StatsEvery: *statsEvery}, b, w, logger)
	logger.Printf("world=%s entities=%d tick_rate_hz=%d batch_cap=%d overflow=%s",
		*worldID, tune.Demo.Entities, tune.TickRateHz, tune.Batch.Cap, tune.Batch.OverflowPolicy)

	if tune.Store.TickLog {
		fl := persistlog.NewFrameLogger(worldDir, *worldID)
		defer fl.Close()
		l.AddRecorder(fl)
	}

	idx, err := openIndex(worldDir, *worldID, !tune.Store.IndexDB, logger)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := idx.UpsertTuning(ctx, tune); err != nil {
			logger.Printf("index tuning: %v", err)
		}
		cancel()
		l.AddRecorder(idx)
	}

	wsSrv := ws.NewServer(ws.Config{
		WorldID:     *worldID,
		TickRateHz:  tune.TickRateHz,
		BatchCap:    tune.Batch.Cap,
		ClientQueue: tune.Net.ClientQueue,
	}, logger)
	defer wsSrv.Close()
	l.AddSink(wsSrv)

	var qt *quictransport.Transport
	if tune.Net.QUICListen != "" {
		tlsConf, err := quictransport.SelfSignedTLS()
		if err != nil {
			logger.Fatalf("quic tls: %v", err)
		}
		qt, err = quictransport.Listen(tune.Net.QUICListen, tlsConf, tune.Net.ClientQueue, logger)
		if err != nil {
			logger.Fatalf("quic listen: %v", err)
		}
		defer qt.Close()
		l.AddSink(qt)
		logger.Printf("quic listening on %s", qt.Addr())
	}

	obs := observer.NewServer(*worldID, l, logger)
	obs.AddStats("ws", func() any { return wsSrv.Stats() })
	if qt != nil {
		obs.AddStats("quic", func() any { return qt.Stats() })
	}
	if idx != nil {
		obs.AddStats("index", func() any { return idx.Stats() })
	}

	ctx, cancel := signalContext()
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- l.Run(ctx) }()

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/batches", wsSrv.Handler())
	mux.HandleFunc("/metrics", metricsHandler(*worldID, l, wsSrv.ClientCount))

	servers := []*http.Server{{
		Addr:              tune.Net.WSListen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	obsMux := mux
	if tune.Net.ObserverListen != "" && tune.Net.ObserverListen != tune.Net.WSListen {
		obsMux = http.NewServeMux()
		servers = append(servers, &http.Server{
			Addr:              tune.Net.ObserverListen,
			Handler:           obsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	obs.Routes(obsMux)
	if envBool("TICKBATCH_ENABLE_PPROF_HTTP", false) {
		obsMux.HandleFunc("/debug/pprof/", pprof.Index)
		obsMux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		obsMux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		obsMux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		obsMux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		for _, srv := range servers {
			_ = srv.Shutdown(ctx2)
		}
	}()

	errs := make(chan error, len(servers))
	for _, srv := range servers {
		srv := srv
		logger.Printf("listening on %s", srv.Addr)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- err
				return
			}
			errs <- nil
		}()
	}

	select {
	case err := <-errs:
		if err != nil {
			logger.Printf("ListenAndServe: %v", err)
		}
		cancel()
	case <-ctx.Done():
	}
	l.Stop()
	if err := <-loopDone; err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, loop.ErrStopped) {
		logger.Printf("loop: %v", err)
	}
	logger.Printf("stopped at tick %d", l.CurrentTick())
}

type overrides struct {
	WSListen       string
	QUICListen     string
	ObserverListen string
	DataDir        string
	Seed           int64
	Entities       int
	DisableDB      bool
}

// applyOverrides copies non-empty flag values over the loaded tuning.
func applyOverrides(t *tuning.Tuning, o overrides) {
	if s := strings.TrimSpace(o.WSListen); s != "" {
		t.Net.WSListen = s
	}
	if s := strings.TrimSpace(o.QUICListen); s != "" {
		t.Net.QUICListen = s
	}
	if s := strings.TrimSpace(o.ObserverListen); s != "" {
		t.Net.ObserverListen = s
	}
	if s := strings.TrimSpace(o.DataDir); s != "" {
		t.Store.DataDir = s
	}
	if o.Seed != 0 {
		t.Demo.Seed = o.Seed
	}
	if o.Entities >= 0 {
		t.Demo.Entities = o.Entities
	}
	if o.DisableDB {
		t.Store.IndexDB = false
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
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
