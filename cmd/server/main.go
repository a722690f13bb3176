package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sandpool/sandpool/internal/api"
	"github.com/sandpool/sandpool/internal/config"
	"github.com/sandpool/sandpool/internal/history"
	"github.com/sandpool/sandpool/internal/metrics"
	"github.com/sandpool/sandpool/internal/pool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("sandpool: starting (pool_size=%d, work_dir=%s)...", cfg.PoolSize, cfg.WorkDir)

	workerCmd, err := cfg.WorkerCommand()
	if err != nil {
		log.Fatalf("failed to resolve worker binary: %v", err)
	}
	if cfg.AllowNetworkModules {
		workerCmd = append(workerCmd, "-allow-network")
	}

	p, err := pool.New(pool.Config{
		WorkDir:          cfg.WorkDir,
		PoolSize:         cfg.PoolSize,
		KillTimeout:      time.Duration(cfg.KillTimeoutMs) * time.Millisecond,
		QueueWaitTimeout: time.Duration(cfg.QueueWaitTimeoutMs) * time.Millisecond,
		RecycleThreshold: int64(cfg.RecycleThreshold),
		ReadinessTimeout: time.Duration(cfg.ReadinessTimeoutMs) * time.Millisecond,
		Retries:          cfg.Retries,
		WorkerCommand:    workerCmd,
	}, pool.Hooks{
		OnSpawn: func(workerID string) {
			metrics.SpawnsTotal.Inc()
			log.Printf("sandpool: worker %s spawned", workerID)
		},
		OnRecycle: func(workerID string) {
			metrics.RecyclesTotal.Inc()
			log.Printf("sandpool: worker %s recycled", workerID)
		},
		OnSpawnError: func(err error) {
			metrics.SpawnErrorsTotal.Inc()
			log.Printf("sandpool: spawn error: %v", err)
		},
		OnWorkerExit: func(workerID string, err error) {
			clean := "true"
			if err != nil {
				clean = "false"
			}
			metrics.WorkerExitsTotal.WithLabelValues(clean).Inc()
		},
		OnTaskFinished: func(_ string, d time.Duration, _ error) {
			metrics.TaskDuration.Observe(d.Seconds())
		},
	})
	if err != nil {
		log.Fatalf("failed to create pool: %v", err)
	}

	if err := p.Start(); err != nil {
		log.Fatalf("failed to start pool: %v", err)
	}
	log.Printf("sandpool: pool ready (%d workers)", cfg.PoolSize)

	// Keep the pool gauges fresh without coupling the pool to prometheus.
	gaugeDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				stats := p.Stats()
				metrics.WorkersLive.Set(float64(stats.Live))
				metrics.WorkersTerminating.Set(float64(stats.Terminating))
			case <-gaugeDone:
				return
			}
		}
	}()

	var journal *history.Journal
	if cfg.DataDir != "" {
		journal, err = history.Open(cfg.DataDir)
		if err != nil {
			log.Fatalf("failed to open task journal: %v", err)
		}
		defer journal.Close()
		log.Printf("sandpool: task journal enabled (data_dir=%s)", cfg.DataDir)
	}

	if cfg.MetricsAddr != "" {
		metricsSrv := metrics.StartMetricsServer(cfg.MetricsAddr)
		defer metricsSrv.Close()
		log.Printf("sandpool: metrics server started on %s", cfg.MetricsAddr)
	}

	apiServer := api.NewServer(p, journal, cfg.APIKey)
	addr := fmt.Sprintf(":%d", cfg.Port)
	log.Printf("sandpool: starting HTTP server on %s", addr)
	go func() {
		if err := apiServer.Start(addr); err != nil {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("sandpool: shutting down...")
	close(gaugeDone)
	if err := apiServer.Close(); err != nil {
		log.Printf("error closing HTTP server: %v", err)
	}
	p.Stop()
}
