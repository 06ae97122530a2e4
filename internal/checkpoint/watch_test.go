package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReportsChangesUntilTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st := sampleState("task-watch")
	require.NoError(t, s.Save(ctx, st))

	seen := make(chan *TaskState, 16)
	done := make(chan error, 1)
	go func() {
		done <- s.Watch(ctx, st.ID, func(res LoadResult) { seen <- res.State })
	}()

	first := <-seen
	assert.Equal(t, 4, first.Iteration)

	st.Iteration = 5
	st.UpdatedAt = fixedNow.Add(time.Minute)
	require.NoError(t, s.Save(ctx, st))

	st.Status = StatusCompleted
	st.UpdatedAt = fixedNow.Add(2 * time.Minute)
	require.NoError(t, s.Save(ctx, st))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("watch did not stop on terminal status")
	}

	var last *TaskState
	for len(seen) > 0 {
		last = <-seen
	}
	require.NotNil(t, last)
	assert.Equal(t, StatusCompleted, last.Status)
}

func TestWatch_MissingTask(t *testing.T) {
	s := newTestStore(t)
	err := s.Watch(context.Background(), "nope", func(LoadResult) {})
	assert.True(t, IsKind(err, NotFound))
}
