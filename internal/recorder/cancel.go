package recorder

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Stopper is anything that can be asked to stop.
type Stopper interface {
	RequestStop()
}

// StopOnContext requests a stop when ctx is done. The returned func
// detaches the watcher.
func StopOnContext(ctx context.Context, s Stopper) func() {
	stop := context.AfterFunc(ctx, s.RequestStop)
	return func() { stop() }
}

// StopAfter requests a stop once d has elapsed.
func StopAfter(d time.Duration, s Stopper) func() {
	t := time.AfterFunc(d, s.RequestStop)
	return func() { t.Stop() }
}

// StopOnSignal requests a stop on the first of sigs, SIGINT and SIGTERM
// when none are given.
func StopOnSignal(s Stopper, sigs ...os.Signal) func() {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(ch, sigs...)

	go func() {
		select {
		case sig := <-ch:
			log.Info("signal received, stopping", "signal", sig.String())
			s.RequestStop()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}
