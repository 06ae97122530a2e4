package checkpoint

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/routeloop/internal/logging"
)

const (
	activeName   = "checkpoint.json"
	digestSuffix = ".sha256"
	prevSuffix   = ".prev"
	backupInfix  = ".backup."
)

// Record sources reported by Load.
const (
	SourceActive   = "active"
	SourcePrevious = "previous"
)

// Options configures a Store.
type Options struct {
	Dir         string
	HistoryDir  string
	BackupCount int
	IOTimeout   time.Duration
	Logger      *logging.Logger
	// Catalog, if set, is told about every archived run.
	Catalog Catalog
	// Now overrides the clock used for archive names.
	Now func() time.Time
}

// Store is the file-backed checkpoint store. Each task owns a directory
// holding the active record, its digest, and a ring of numbered backups.
type Store struct {
	dir        string
	historyDir string
	backups    int
	timeout    time.Duration
	logger     *logging.Logger
	catalog    Catalog
	now        func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// LoadResult is a verified record and the slot it came from.
type LoadResult struct {
	State  *TaskState
	Source string
}

// FromBackup reports whether the active record was rejected.
func (r LoadResult) FromBackup() bool {
	return r.Source != SourceActive
}

// NewStore creates a store rooted at opts.Dir, creating the directory if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if opts.BackupCount <= 0 {
		opts.BackupCount = 3
	}
	if opts.IOTimeout <= 0 {
		opts.IOTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.HistoryDir == "" {
		opts.HistoryDir = filepath.Join(filepath.Dir(opts.Dir), "history")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, ioFailure("init", "", err)
	}
	return &Store{
		dir:        opts.Dir,
		historyDir: opts.HistoryDir,
		backups:    opts.BackupCount,
		timeout:    opts.IOTimeout,
		logger:     opts.Logger.Named("checkpoint"),
		catalog:    opts.Catalog,
		now:        opts.Now,
		locks:      make(map[string]*sync.Mutex),
	}, nil
}

// Dir returns the root of the active records.
func (s *Store) Dir() string { return s.dir }

// TaskDir returns the directory that holds the records of one task.
func (s *Store) TaskDir(id string) string {
	return filepath.Join(s.dir, id)
}

func (s *Store) taskLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// withTimeout runs fn under the store's I/O timeout. A timed-out fn keeps
// running in the background; it still holds the task lock until it finishes.
func (s *Store) withTimeout(ctx context.Context, op, id string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return ioFailure(op, id, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ioFailure(op, id, fmt.Errorf("timed out: %w", ctx.Err()))
	}
}

// Save durably writes state as the task's active record.
//
// The new record and its digest are written to temporary files and fsynced, the
// current pair is linked aside as the previous version, and the new pair is
// renamed into place. Only then are older versions shifted through the backup
// ring. A crash before the rename leaves the committed record untouched; a crash
// during rotation can lose at most the oldest backup.
func (s *Store) Save(ctx context.Context, state *TaskState) error {
	if state == nil {
		return ioFailure("save", "", errors.New("nil state"))
	}
	if err := state.Validate(); err != nil {
		return ioFailure("save", state.ID, err)
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return ioFailure("save", state.ID, fmt.Errorf("encoding state: %w", err))
	}
	id := state.ID

	return s.withTimeout(ctx, "save", id, func() error {
		lock := s.taskLock(id)
		lock.Lock()
		defer lock.Unlock()
		return s.save(ctx, id, data)
	})
}

func (s *Store) save(ctx context.Context, id string, data []byte) error {
	dir := s.TaskDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ioFailure("save", id, err)
	}
	active := filepath.Join(dir, activeName)
	prev := active + prevSuffix

	// a previous version left behind by an interrupted save goes into the ring first
	if exists(prev) {
		s.rotate(ctx, id, active)
	}

	tmp, err := writeTemp(active, data)
	if err != nil {
		return ioFailure("save", id, err)
	}
	tmpDigest, err := writeTemp(active+digestSuffix, []byte(digestLine(data)))
	if err != nil {
		os.Remove(tmp)
		return ioFailure("save", id, err)
	}
	cleanup := func() {
		os.Remove(tmp)
		os.Remove(tmpDigest)
	}

	if exists(active) {
		if err := preserve(active, prev); err != nil {
			cleanup()
			return ioFailure("save", id, fmt.Errorf("preserving previous record: %w", err))
		}
	}

	if err := os.Rename(tmp, active); err != nil {
		cleanup()
		return ioFailure("save", id, fmt.Errorf("committing record: %w", err))
	}
	if err := os.Rename(tmpDigest, active+digestSuffix); err != nil {
		os.Remove(tmpDigest)
		// the new content is in place without its digest; Load falls back to the previous version
		return ioFailure("save", id, fmt.Errorf("committing digest: %w", err))
	}
	syncDir(dir)

	if exists(prev) {
		s.rotate(ctx, id, active)
	}
	return nil
}

// rotate shifts backup.i to backup.i+1, dropping the oldest, and moves the
// previous version into backup.1. Failures are logged; the active record is already committed.
func (s *Store) rotate(ctx context.Context, id, active string) {
	slot := func(n int) string { return fmt.Sprintf("%s%s%d", active, backupInfix, n) }

	removePair(slot(s.backups))
	for i := s.backups - 1; i >= 1; i-- {
		if !exists(slot(i)) && !exists(slot(i)+digestSuffix) {
			continue
		}
		if err := renamePair(slot(i), slot(i+1)); err != nil {
			s.logger.Warn(ctx, "backup rotation failed", zap.String("task_id", id), zap.Int("slot", i), zap.Error(err))
			return
		}
	}
	if err := renamePair(active+prevSuffix, slot(1)); err != nil {
		s.logger.Warn(ctx, "backup rotation failed", zap.String("task_id", id), zap.Int("slot", 0), zap.Error(err))
	}
}

// Load returns the newest verified record for id: the active record, then the
// previous version of an interrupted save, then backups newest-first. If records
// exist but none verify, it returns a CorruptState error.
func (s *Store) Load(ctx context.Context, id string) (LoadResult, error) {
	if err := ValidateID(id); err != nil {
		return LoadResult{}, &StoreError{Kind: NotFound, TaskID: id, Op: "load", Err: err}
	}
	var result LoadResult
	err := s.withTimeout(ctx, "load", id, func() error {
		var err error
		result, err = s.load(id)
		return err
	})
	if err != nil {
		return LoadResult{}, err
	}
	if result.FromBackup() {
		s.logger.Warn(ctx, "active checkpoint failed verification, loaded fallback",
			zap.String("task_id", id), zap.String("source", result.Source))
	}
	return result, nil
}

type candidate struct {
	source string
	path   string
}

func (s *Store) candidates(id string) []candidate {
	active := filepath.Join(s.TaskDir(id), activeName)
	list := []candidate{
		{SourceActive, active},
		{SourcePrevious, active + prevSuffix},
	}
	for i := 1; i <= s.backups; i++ {
		list = append(list, candidate{fmt.Sprintf("backup.%d", i), fmt.Sprintf("%s%s%d", active, backupInfix, i)})
	}
	return list
}

func (s *Store) load(id string) (LoadResult, error) {
	if _, err := os.Stat(s.TaskDir(id)); os.IsNotExist(err) {
		return LoadResult{}, &StoreError{Kind: NotFound, TaskID: id, Op: "load"}
	}

	var rejected []string
	for _, c := range s.candidates(id) {
		if !exists(c.path) && !exists(c.path+digestSuffix) {
			continue
		}
		state, err := readVerified(c.path)
		if err != nil {
			rejected = append(rejected, fmt.Sprintf("%s: %v", c.source, err))
			continue
		}
		if state.ID != id {
			rejected = append(rejected, fmt.Sprintf("%s: record belongs to %q", c.source, state.ID))
			continue
		}
		return LoadResult{State: state, Source: c.source}, nil
	}

	if len(rejected) == 0 {
		return LoadResult{}, &StoreError{Kind: NotFound, TaskID: id, Op: "load"}
	}
	return LoadResult{}, &StoreError{Kind: CorruptState, TaskID: id, Op: "load", Rejected: rejected}
}

// readVerified reads a record and its digest and decodes it only if they match.
func readVerified(path string) (*TaskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading record: %w", err)
	}
	want, err := readDigest(path + digestSuffix)
	if err != nil {
		return nil, err
	}
	if got := digest(data); got != want {
		return nil, fmt.Errorf("digest mismatch")
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decoding record: %w", err)
	}
	return &state, nil
}

func readDigest(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading digest: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return "", errors.New("empty digest")
	}
	return fields[0], nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// digestLine is sha256sum-compatible.
func digestLine(data []byte) string {
	return digest(data) + "  " + activeName + "\n"
}

// writeTemp writes data next to path under a unique name and fsyncs it.
func writeTemp(path string, data []byte) (string, error) {
	tmp := path + ".tmp." + randomSuffix()
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func randomSuffix() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// preserve makes dst (and its digest) a copy of src without touching src.
func preserve(src, dst string) error {
	for _, suffix := range []string{"", digestSuffix} {
		from, to := src+suffix, dst+suffix
		os.Remove(to)
		if !exists(from) {
			continue
		}
		if err := os.Link(from, to); err == nil {
			continue
		}
		if err := copyFile(from, to); err != nil {
			return err
		}
	}
	return nil
}

func renamePair(from, to string) error {
	for _, suffix := range []string{"", digestSuffix} {
		if !exists(from + suffix) {
			os.Remove(to + suffix)
			continue
		}
		if err := os.Rename(from+suffix, to+suffix); err != nil {
			return err
		}
	}
	return nil
}

func removePair(path string) {
	os.Remove(path)
	os.Remove(path + digestSuffix)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func syncDir(dir string) {
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
