package main

import (
	"fmt"
	"io"
	"time"

	"github.com/aristath/routeloop/internal/checkpoint"
	"github.com/aristath/routeloop/internal/events"
)

// report prints one line per lifecycle event until the bus is closed. The
// returned channel is closed once every buffered event has been printed.
func report(bus *events.Bus, w io.Writer) <-chan struct{} {
	sub := bus.SubscribeAll(256)
	done := make(chan struct{})
	go func() {
		defer close(done)
		var total int
		for ev := range sub {
			switch e := ev.(type) {
			case events.RunStartedEvent:
				total = len(e.Phases)
				verb := "Starting"
				if e.Resumed {
					verb = "Resuming"
				}
				fmt.Fprintf(w, "%s task %s on the %s route (%d phases)\n", verb, checkpoint.ShortID(e.ID), e.Route, total)

			case events.PhaseStartedEvent:
				line := fmt.Sprintf("[%d/%d] %s on %s", e.Index+1, total, e.Name, e.Capability)
				if e.Iteration > 0 {
					line += fmt.Sprintf(", iteration %d", e.Iteration)
				}
				fmt.Fprintln(w, line)

			case events.PhaseFinishedEvent:
				d := e.Duration.Round(time.Millisecond)
				if e.Err != nil {
					fmt.Fprintf(w, "[%d/%d] %s %s after %v: %v\n", e.Index+1, total, e.Name, e.Status, d, e.Err)
					continue
				}
				fmt.Fprintf(w, "[%d/%d] %s %s in %v\n", e.Index+1, total, e.Name, e.Status, d)

			case events.ArchiveFailedEvent:
			fmt.Fprintf(w, "Task %s completed but could not be archived: %v\n", checkpoint.ShortID(e.ID), e.Err)

		case events.WaveProgressEvent:
				if e.Total > 1 {
					fmt.Fprintf(w, "wave %d: %d of %d done, %d failed\n", e.Wave, e.Completed, e.Total, e.Failed)
				}
			}
		}
	}()
	return done
}

