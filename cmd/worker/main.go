// Command worker is the worker process entry point: it connects to the
// broker's backend endpoint, announces itself, and services TASK frames
// until its parent supervisor asks it to stop.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geoffjay/tacore/internal/worker"
)

func main() {
	workerID := flag.String("worker-id", "", "unique worker identifier assigned by the supervisor")
	backendEndpoint := flag.String("backend-endpoint", "tcp://127.0.0.1:5556", "broker backend endpoint to dial")
	heartbeatInterval := flag.Duration("heartbeat-interval", 2500*time.Millisecond, "idle heartbeat cadence")
	logLevel := flag.String("log-level", "info", "logrus level name")
	flag.Parse()

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if lvl, err := log.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(lvl)
	}

	if *workerID == "" {
		logger.Fatal("worker-id is required")
	}

	w, err := worker.New(*workerID, *backendEndpoint, *heartbeatInterval, logger)
	if err != nil {
		logger.WithFields(log.Fields{"error": err}).Fatal("failed to connect to backend endpoint")
	}
	defer w.Close()

	worker.RegisterDefaults(w)

	termChan := make(chan os.Signal, 1)
	signal.Notify(termChan, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(stop) }()

	select {
	case <-termChan:
		logger.WithFields(log.Fields{"worker_id": *workerID}).Info("received shutdown signal, finishing in-flight request")
		close(stop)
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.WithFields(log.Fields{"worker_id": *workerID, "error": err}).Fatal("worker loop exited with error")
		}
	}

	logger.WithFields(log.Fields{"worker_id": *workerID}).Info("worker exiting")
}
