package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch calls fn with the verified record of id each time its checkpoint changes,
// starting with the current record. It returns nil once the task reaches a
// terminal status or its directory is archived, and ctx.Err() when cancelled.
func (s *Store) Watch(ctx context.Context, id string, fn func(LoadResult)) error {
	dir := s.TaskDir(id)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(dir); err != nil {
		return &StoreError{Kind: NotFound, TaskID: id, Op: "watch", Err: err}
	}

	var lastUpdate string
	emit := func() (bool, error) {
		res, err := s.Load(ctx, id)
		if err != nil {
			if IsKind(err, NotFound) {
				return true, nil
			}
			// a save may be between its two renames; wait for the next event
			s.logger.Debug(ctx, "watch: record not verifiable yet", zap.String("task_id", id), zap.Error(err))
			return false, nil
		}
		stamp := res.State.UpdatedAt.String() + string(res.State.Status)
		if stamp != lastUpdate {
			lastUpdate = stamp
			fn(res)
		}
		return res.State.Status.Terminal(), nil
	}

	if done, err := emit(); done || err != nil {
		return err
	}

	digestFile := activeName + digestSuffix
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) == filepath.Clean(dir) && event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				return nil
			}
			base := filepath.Base(event.Name)
			if base != digestFile && base != activeName {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if done, err := emit(); done || err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn(ctx, "watch error", zap.String("task_id", id), zap.Error(err))
		}
	}
}
