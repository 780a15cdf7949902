// Command broker is the TACoreService bootstrap (component H): it loads
// configuration, brings up the persistence store, metrics aggregator,
// registry, broker event loop, monitoring plane, and worker supervisor in
// that order, then tears them down in reverse on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geoffjay/tacore/internal/broker"
	"github.com/geoffjay/tacore/internal/config"
	"github.com/geoffjay/tacore/internal/logging"
	"github.com/geoffjay/tacore/internal/metrics"
	"github.com/geoffjay/tacore/internal/monitor"
	"github.com/geoffjay/tacore/internal/registry"
	"github.com/geoffjay/tacore/internal/store"
	"github.com/geoffjay/tacore/internal/supervisor"
)

const (
	exitOK = iota
	exitConfigError
	exitBindFailure
	exitSupervisorFailure
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	workerBinary := flag.String("worker-binary", "", "path to the worker binary the supervisor spawns (defaults to the worker binary alongside this one)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to load configuration")
		os.Exit(exitConfigError)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LokiEndpoint)
	if err != nil {
		log.WithFields(log.Fields{"error": err}).Error("failed to build logger")
		os.Exit(exitConfigError)
	}

	// A: persistence store, opened and rehydrated before any traffic flows.
	st, err := store.Open(cfg.PersistencePath)
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("failed to open persistence store")
		os.Exit(exitBindFailure)
	}
	defer st.Close()

	rewritten, err := st.RecoverAbandoned(cfg.RequestTimeout, time.Now().UTC())
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("failed to recover abandoned requests")
		os.Exit(exitBindFailure)
	}
	if rewritten > 0 {
		logger.WithFields(log.Fields{"count": rewritten}).Warn("rewrote abandoned in-flight requests from a prior crash")
	}

	// F: metrics aggregator.
	agg := metrics.New(1024)
	go agg.Run()
	defer agg.Stop()

	// B: worker registry.
	reg := registry.New()

	// E: broker event loop.
	brk, err := broker.New(cfg, reg, st, agg, logger)
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Error("failed to bind broker sockets")
		os.Exit(exitBindFailure)
	}
	defer brk.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup

	brokerStop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		brk.Run(brokerStop)
	}()

	// G: monitoring plane.
	mon := monitor.New(monitor.Config{Addr: cfg.HTTPEndpoint, MaxRecentRequests: cfg.MaxRecentRequests}, reg, st, agg, brk, logger)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mon.Run(ctx); err != nil {
			logger.WithFields(log.Fields{"error": err}).Error("monitoring plane exited with error")
		}
	}()

	// D: worker supervisor, started last so it never races ahead of a
	// listening backend socket.
	binaryPath := *workerBinary
	if binaryPath == "" {
		binaryPath = defaultWorkerBinaryPath()
	}
	if err := checkWorkerBinary(binaryPath); err != nil {
		logger.WithFields(log.Fields{"error": err, "worker_binary_path": binaryPath}).Error("worker binary is not runnable, refusing to start supervisor")
		cancel()
		close(brokerStop)
		wg.Wait()
		os.Exit(exitSupervisorFailure)
	}
	sup := supervisor.New(supervisor.Config{
		WorkerCount:          cfg.WorkerCount,
		WorkerBinaryPath:     binaryPath,
		BackendEndpoint:      cfg.BackendEndpoint,
		MaxRestartsPerMinute: cfg.WorkerMaxRestartsPerMinute,
		ShutdownGracePeriod:  cfg.ShutdownGracePeriod,
	}, reg, brk, logger)
	sup.Run(ctx, &wg)

	logger.Info("tacore broker started")

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)
	<-termChan

	logger.Info("shutdown signal received, stopping in reverse startup order")
	cancel()
	close(brokerStop)
	wg.Wait()

	// Returning (rather than os.Exit) lets the deferred broker, aggregator
	// and store teardown run, in reverse startup order; the exit code is 0.
	logger.Info("tacore broker exiting")
}

func defaultWorkerBinaryPath() string {
	exe, err := os.Executable()
	if err != nil {
		return "worker"
	}
	return filepath.Join(filepath.Dir(exe), "worker")
}

// checkWorkerBinary fails fast if the supervisor's target binary cannot
// possibly run, rather than letting the supervisor burn its restart budget
// against a path that was never going to work and tripping degraded mode
// before a single worker comes up.
func checkWorkerBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory, not an executable", path)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}
