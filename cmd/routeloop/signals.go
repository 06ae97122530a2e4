package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/aristath/routeloop/internal/backend"
)

// interruptSignals stop a run.
var interruptSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// handleInterrupts returns a context cancelled by the first of sigs. The run
// then stops after the current subprocess and saves itself as aborted. A
// second signal kills every tracked process group and calls exit(130).
// release stops listening.
func handleInterrupts(parent context.Context, pm *backend.ProcessManager, stderr io.Writer, exit func(int), sigs ...os.Signal) (ctx context.Context, release func()) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, sigs...)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(stderr, "Interrupted: stopping after the current phase. Interrupt again to kill running agents.")
		cancel()

		select {
		case <-sigCh:
		case <-done:
			return
		}
		fmt.Fprintln(stderr, "Killing running agents.")
		if err := pm.KillAll(); err != nil {
			fmt.Fprintf(stderr, "Error killing agents: %v\n", err)
		}
		exit(exitInterrupt)
	}()

	return ctx, func() {
		signal.Stop(sigCh)
		close(done)
		cancel()
	}
}
