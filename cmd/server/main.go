package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"worldstream/internal/loader"
	"worldstream/internal/persistence/indexdb"
	persistlog "worldstream/internal/persistence/log"
	"worldstream/internal/scheduler"
	"worldstream/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		configPath = flag.String("config", "./configs/scheduler.yaml", "scheduler config path (missing file falls back to defaults)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		seed       = flag.Int64("seed", 1337, "world generation seed")
		workers    = flag.Int("workers", 0, "loader worker count (default: max_concurrent_loads)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite load index")
		statsEvery = flag.Duration("stats_every", 10*time.Second, "queue stats sampling interval (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}

	_ = os.MkdirAll(*dataDir, 0o755)

	var idx *indexdb.SQLiteIndex
	if !*disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(*dataDir, "loads.db"))
		if err != nil {
			logger.Fatalf("open index db: %v", err)
		}
		defer idx.Close()
	}

	eventLog := persistlog.NewEventLogger(*dataDir)
	defer eventLog.Close()

	sinks := scheduler.MultiSink{eventLog}
	if idx != nil {
		sinks = append(sinks, idx)
	}

	sched, err := scheduler.New(cfg, scheduler.WithEventSink(&sinks))
	if err != nil {
		logger.Fatalf("scheduler: %v", err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	wsSrv := ws.NewServer(sched, logger)
	sinks = append(sinks, wsSrv)

	nWorkers := *workers
	if nWorkers <= 0 {
		nWorkers = cfg.MaxConcurrentLoads
	}
	pool := loader.NewPool(sched, loader.NewGenerator(*seed), nWorkers, logger)
	pool.Start(ctx)
	defer pool.Wait()

	// Evict movement state for players that stopped sending samples.
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-t.C:
				if n := sched.Predictor().EvictIdle(now, 5*time.Minute); n > 0 {
					logger.Printf("evicted %d idle players", n)
				}
			}
		}
	}()

	if idx != nil && *statsEvery > 0 {
		go func() {
			t := time.NewTicker(*statsEvery)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					idx.RecordStats(sched.Inspect(), sched.PerformanceMetrics())
				}
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		snap := sched.Inspect()
		m := sched.PerformanceMetrics()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP worldstream_queue_pending Pending requests per tier.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_queue_pending gauge\n")
		for tier, n := range snap.PendingByTier {
			fmt.Fprintf(rw, "worldstream_queue_pending{tier=%q} %d\n", tier, n)
		}

		fmt.Fprintf(rw, "# HELP worldstream_loads_in_progress Loads currently dispatched.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_loads_in_progress gauge\n")
		fmt.Fprintf(rw, "worldstream_loads_in_progress %d\n", snap.InProgress)

		fmt.Fprintf(rw, "# HELP worldstream_loads_total Resolved loads by outcome.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_loads_total counter\n")
		fmt.Fprintf(rw, "worldstream_loads_total{outcome=%q} %d\n", "completed", snap.Completed)
		fmt.Fprintf(rw, "worldstream_loads_total{outcome=%q} %d\n", "failed", snap.Failed)
		fmt.Fprintf(rw, "worldstream_loads_total{outcome=%q} %d\n", "cancelled", snap.Cancelled)

		fmt.Fprintf(rw, "# HELP worldstream_load_avg_ms Rolling average load duration.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_load_avg_ms gauge\n")
		fmt.Fprintf(rw, "worldstream_load_avg_ms %.3f\n", m.AvgLoadMs)

		fmt.Fprintf(rw, "# HELP worldstream_predicted_total Predictive submissions by outcome.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_predicted_total counter\n")
		fmt.Fprintf(rw, "worldstream_predicted_total{outcome=%q} %d\n", "submitted", m.PredictedSubmitted)
		fmt.Fprintf(rw, "worldstream_predicted_total{outcome=%q} %d\n", "dropped", m.PredictedDropped)

		fmt.Fprintf(rw, "# HELP worldstream_strategy_info Active prioritization strategy.\n")
		fmt.Fprintf(rw, "# TYPE worldstream_strategy_info gauge\n")
		fmt.Fprintf(rw, "worldstream_strategy_info{strategy=%q} 1\n", snap.Strategy)
	})

	enableAdminHTTP := envBool("WS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP())
	enablePprofHTTP := envBool("WS_ENABLE_PPROF_HTTP", false)
	if enableAdminHTTP {
		// Local-only admin endpoints.
		mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			rw.Header().Set("Content-Type", "application/json")
			resp := struct {
				Snapshot scheduler.Snapshot `json:"snapshot"`
				Metrics  scheduler.Metrics  `json:"metrics"`
			}{
				Snapshot: sched.Inspect(),
				Metrics:  sched.PerformanceMetrics(),
			}
			_ = json.NewEncoder(rw).Encode(resp)
		})
		mux.HandleFunc("/admin/v1/config", func(rw http.ResponseWriter, r *http.Request) {
			if !isLoopbackRemote(r.RemoteAddr) {
				http.Error(rw, "forbidden", http.StatusForbidden)
				return
			}
			switch r.Method {
			case http.MethodGet:
				rw.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(rw).Encode(sched.Config())
			case http.MethodPost:
				var patch scheduler.ConfigPatch
				if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
					http.Error(rw, err.Error(), http.StatusBadRequest)
					return
				}
				if err := sched.UpdateConfiguration(patch); err != nil {
					http.Error(rw, err.Error(), http.StatusUnprocessableEntity)
					return
				}
				rw.Header().Set("Content-Type", "application/json")
				_ = json.NewEncoder(rw).Encode(sched.Config())
			default:
				rw.WriteHeader(http.StatusMethodNotAllowed)
			}
		})
	} else {
		logger.Printf("admin endpoints disabled (WS_ENABLE_ADMIN_HTTP=false)")
	}
	if enablePprofHTTP {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (WS_ENABLE_PPROF_HTTP=false)")
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

	logger.Printf("listening on %s strategy=%s max_concurrent=%d workers=%d", *addr, cfg.Strategy, cfg.MaxConcurrentLoads, nWorkers)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func loadConfig(path string, logger *log.Logger) (scheduler.Config, error) {
	cfg, err := scheduler.Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.IsNotExist(err) {
		logger.Printf("config not found (%s); using defaults", path)
		return scheduler.DefaultConfig(), nil
	}
	return scheduler.Config{}, err
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
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

func envBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
