package orchestrator

import (
	"context"
)

// question is one pending decision. ask runs on the handler goroutine.
type question struct {
	taskID     string
	ask        func(ctx context.Context, d Decider) error
	responseCh chan error
}

// DecisionChannel serialises decisions onto a single goroutine so concurrent
// wave members never prompt at the same time. It is itself a Decider.
type DecisionChannel struct {
	questionCh chan question
	decider    Decider
	done       chan struct{}
}

var _ Decider = (*DecisionChannel)(nil)

// NewDecisionChannel creates a channel that forwards questions to d.
// bufferSize should typically be the wave concurrency limit.
func NewDecisionChannel(bufferSize int, d Decider) *DecisionChannel {
	return &DecisionChannel{
		questionCh: make(chan question, bufferSize),
		decider:    d,
		done:       make(chan struct{}),
	}
}

// Start launches the handler goroutine. It answers questions until ctx is done.
func (dc *DecisionChannel) Start(ctx context.Context) {
	go dc.handle(ctx)
}

func (dc *DecisionChannel) handle(ctx context.Context) {
	defer close(dc.done)

	for {
		select {
		case <-ctx.Done():
			return
		case q := <-dc.questionCh:
			err := q.ask(ctx, dc.decider)
			if ctx.Err() != nil {
				q.responseCh <- ctx.Err()
				return
			}
			q.responseCh <- err
		}
	}
}

// send queues a question and waits for the handler to run it.
func (dc *DecisionChannel) send(ctx context.Context, taskID string, ask func(context.Context, Decider) error) error {
	responseCh := make(chan error, 1)
	q := question{taskID: taskID, ask: ask, responseCh: responseCh}

	select {
	case dc.questionCh <- q:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-responseCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (dc *DecisionChannel) CapReached(ctx context.Context, info CapInfo) (CapDecision, error) {
	var out CapDecision
	err := dc.send(ctx, info.TaskID, func(ctx context.Context, d Decider) error {
		var err error
		out, err = d.CapReached(ctx, info)
		return err
	})
	if err != nil {
		return CapDecision{}, err
	}
	return out, nil
}

func (dc *DecisionChannel) ConfirmFallback(ctx context.Context, info FallbackInfo) (bool, error) {
	var ok bool
	err := dc.send(ctx, info.TaskID, func(ctx context.Context, d Decider) error {
		var err error
		ok, err = d.ConfirmFallback(ctx, info)
		return err
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (dc *DecisionChannel) Corrupt(ctx context.Context, info CorruptInfo) (CorruptChoice, error) {
	var choice CorruptChoice
	err := dc.send(ctx, info.TaskID, func(ctx context.Context, d Decider) error {
		var err error
		choice, err = d.Corrupt(ctx, info)
		return err
	})
	if err != nil {
		return CorruptInspect, err
	}
	return choice, nil
}

// Stop blocks until the handler goroutine has exited.
func (dc *DecisionChannel) Stop() {
	<-dc.done
}
