package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// ShutdownContext returns a context that is cancelled on the first SIGINT or SIGTERM, which lets the
// scheduler loops finish the job they are processing. A second signal exits the process with
// status 1 without waiting for them.
func ShutdownContext() context.Context {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go watchSignals(signals, cancel, os.Exit)
	return ctx
}

func watchSignals(signals <-chan os.Signal, cancel context.CancelFunc, exit func(code int)) {
	sig, ok := <-signals
	if !ok {
		return
	}
	log.Infof("Received %s, waiting for running scheduler loops to stop", sig)
	cancel()
	if sig, ok = <-signals; ok {
		log.Warnf("Received %s again, exiting without waiting for scheduler loops", sig)
		exit(1)
	}
}
