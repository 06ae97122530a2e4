package checkpoint

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ArchivedRun describes one finished task in the history namespace.
type ArchivedRun struct {
	ID          string
	Description string
	Route       string
	Status      Status
	Progress    int
	Iterations  int
	Path        string
	CreatedAt   time.Time
	ArchivedAt  time.Time
}

// Catalog indexes archived runs. The SQLite ledger implements it.
type Catalog interface {
	RecordRun(ctx context.Context, run ArchivedRun) error
}

// archiveLayout is the timestamp prefix of archive directory names.
const archiveLayout = "20060102_150405"

// Archive moves a terminal task's records into the history directory under
// <YYYYmmdd_HHMMSS>_<id8>, makes them read-only, and records the run in the
// catalog. An existing archive directory is never overwritten.
func (s *Store) Archive(ctx context.Context, id string) (ArchivedRun, error) {
	res, err := s.Load(ctx, id)
	if err != nil {
		return ArchivedRun{}, err
	}
	state := res.State
	if !state.Status.Terminal() {
		return ArchivedRun{}, ioFailure("archive", id, fmt.Errorf("status %s is not terminal", state.Status))
	}

	archivedAt := s.now().UTC()
	var dest string
	err = s.withTimeout(ctx, "archive", id, func() error {
		lock := s.taskLock(id)
		lock.Lock()
		defer lock.Unlock()

		if err := os.MkdirAll(s.historyDir, 0755); err != nil {
			return ioFailure("archive", id, err)
		}
		d, rerr := s.reserveArchiveDir(archivedAt, id)
		if rerr != nil {
			return ioFailure("archive", id, rerr)
		}
		dest = d
		if err := moveDir(s.TaskDir(id), dest); err != nil {
			return ioFailure("archive", id, err)
		}
		if err := freeze(dest); err != nil {
			s.logger.Warn(ctx, "could not make archive read-only", zap.String("path", dest), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		return ArchivedRun{}, err
	}

	run := ArchivedRun{
		ID:          state.ID,
		Description: state.Description,
		Route:       state.Route.String(),
		Status:      state.Status,
		Progress:    state.Progress,
		Iterations:  state.Iteration,
		Path:        dest,
		CreatedAt:   state.CreatedAt,
		ArchivedAt:  archivedAt,
	}
	s.logger.Info(ctx, "task archived", zap.String("task_id", id), zap.String("path", dest))

	if s.catalog != nil {
		if err := s.catalog.RecordRun(ctx, run); err != nil {
			s.logger.Warn(ctx, "could not record archived run", zap.String("task_id", id), zap.Error(err))
		}
	}
	return run, nil
}

// reserveArchiveDir picks a history directory name that does not exist yet.
func (s *Store) reserveArchiveDir(at time.Time, id string) (string, error) {
	base := filepath.Join(s.historyDir, at.Format(archiveLayout)+"_"+ShortID(id))
	candidate := base
	for n := 2; n < 100; n++ {
		if !exists(candidate) {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, n)
	}
	return "", fmt.Errorf("no free archive name for %s", base)
}

// moveDir renames src to dst, copying when they are on different filesystems.
func moveDir(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := copyFile(filepath.Join(src, e.Name()), filepath.Join(dst, e.Name())); err != nil {
			return err
		}
	}
	return os.RemoveAll(src)
}

// freeze makes every file under dir read-only.
func freeze(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		return os.Chmod(path, 0444)
	})
}

// quarantineDir holds task directories whose records could not be verified.
const quarantineDir = "quarantine"

// Quarantine moves a task's records aside so a fresh run can reuse nothing of
// them while they stay available for inspection. It returns the new location.
func (s *Store) Quarantine(ctx context.Context, id string) (string, error) {
	if err := ValidateID(id); err != nil {
		return "", &StoreError{Kind: NotFound, TaskID: id, Op: "quarantine", Err: err}
	}
	var dest string
	err := s.withTimeout(ctx, "quarantine", id, func() error {
		lock := s.taskLock(id)
		lock.Lock()
		defer lock.Unlock()

		if !exists(s.TaskDir(id)) {
			return &StoreError{Kind: NotFound, TaskID: id, Op: "quarantine"}
		}
		root := filepath.Join(s.historyDir, quarantineDir)
		if err := os.MkdirAll(root, 0755); err != nil {
			return ioFailure("quarantine", id, err)
		}
		dest = filepath.Join(root, s.now().UTC().Format(archiveLayout)+"_"+id)
		if exists(dest) {
			return ioFailure("quarantine", id, fmt.Errorf("%s already exists", dest))
		}
		if err := moveDir(s.TaskDir(id), dest); err != nil {
			return ioFailure("quarantine", id, err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	s.logger.Warn(ctx, "task records quarantined", zap.String("task_id", id), zap.String("path", dest))
	return dest, nil
}
