package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Entry is one task found in the active checkpoint directory.
type Entry struct {
	ID     string
	State  *TaskState
	Source string
	// Err is set when the task's records could not be verified.
	Err error
}

// Resumable reports whether the entry can be resumed.
func (e Entry) Resumable() bool {
	return e.Err == nil && e.State.Status.Resumable()
}

// List loads every task in the checkpoint directory, newest first.
// Tasks whose records fail verification are included with Err set.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioFailure("list", "", err)
	}

	var entries []Entry
	for _, d := range dirs {
		if !d.IsDir() || ValidateID(d.Name()) != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return entries, err
		}
		res, err := s.Load(ctx, d.Name())
		if IsKind(err, NotFound) {
			continue
		}
		entries = append(entries, Entry{ID: d.Name(), State: res.State, Source: res.Source, Err: err})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return updatedAt(entries[i]).After(updatedAt(entries[j]))
	})
	return entries, nil
}

func updatedAt(e Entry) time.Time {
	if e.State == nil {
		return time.Time{}
	}
	return e.State.UpdatedAt
}

// History scans the history directory. It is the fallback when no catalog is available.
func (s *Store) History(ctx context.Context) ([]ArchivedRun, error) {
	dirs, err := os.ReadDir(s.historyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, ioFailure("history", "", err)
	}

	var runs []ArchivedRun
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		path := filepath.Join(s.historyDir, d.Name())
		state, err := readVerified(filepath.Join(path, activeName))
		if err != nil {
			continue
		}
		run := ArchivedRun{
			ID:          state.ID,
			Description: state.Description,
			Route:       state.Route.String(),
			Status:      state.Status,
			Progress:    state.Progress,
			Iterations:  state.Iteration,
			Path:        path,
			CreatedAt:   state.CreatedAt,
		}
		if stamp, _, ok := strings.Cut(d.Name(), "_"+ShortID(state.ID)); ok {
			if t, err := time.ParseInLocation(archiveLayout, stamp, time.UTC); err == nil {
				run.ArchivedAt = t
			}
		}
		runs = append(runs, run)
	}

	sort.SliceStable(runs, func(i, j int) bool { return runs[i].ArchivedAt.After(runs[j].ArchivedAt) })
	return runs, nil
}

// FindArchived looks for id, or an id prefix of at least four characters, in the history directory.
func (s *Store) FindArchived(ctx context.Context, id string) (ArchivedRun, bool, error) {
	runs, err := s.History(ctx)
	if err != nil {
		return ArchivedRun{}, false, err
	}
	for _, r := range runs {
		if r.ID == id || (len(id) >= 4 && strings.HasPrefix(r.ID, id)) {
			return r, true, nil
		}
	}
	return ArchivedRun{}, false, nil
}

// Resolve expands an unambiguous id prefix to a full active task id.
func (s *Store) Resolve(prefix string) (string, error) {
	if strings.TrimSpace(prefix) == "" {
		return "", &StoreError{Kind: NotFound, TaskID: prefix, Op: "resolve", Rejected: []string{"empty id"}}
	}
	if exists(s.TaskDir(prefix)) && ValidateID(prefix) == nil {
		return prefix, nil
	}
	dirs, err := os.ReadDir(s.dir)
	if err != nil {
		return "", &StoreError{Kind: NotFound, TaskID: prefix, Op: "resolve"}
	}
	var match string
	for _, d := range dirs {
		if d.IsDir() && strings.HasPrefix(d.Name(), prefix) {
			if match != "" {
				return "", &StoreError{Kind: NotFound, TaskID: prefix, Op: "resolve", Rejected: []string{"ambiguous prefix"}}
			}
			match = d.Name()
		}
	}
	if match == "" {
		return "", &StoreError{Kind: NotFound, TaskID: prefix, Op: "resolve"}
	}
	return match, nil
}
