// Package checkpoint persists task state with digest verification, a backup ring,
// and an archive of finished runs.
package checkpoint

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/routeloop/internal/router"
	"github.com/aristath/routeloop/internal/score"
)

// SchemaVersion is written into every record.
const SchemaVersion = 1

// Status is the lifecycle state of a task.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

// Terminal reports whether the loop has stopped driving the task.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Resumable reports whether `resume` may pick the task up again.
func (s Status) Resumable() bool {
	return s != StatusCompleted
}

// PhaseStatus is the state of one phase sub-record.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

// Done reports whether the phase needs no further execution.
func (s PhaseStatus) Done() bool {
	return s == PhaseCompleted || s == PhaseSkipped
}

// PhaseRecord is the per-phase sub-record. Parallel wave members each own one.
type PhaseRecord struct {
	Index       int         `json:"index"`
	Name        string      `json:"name"`
	Capability  string      `json:"capability"`
	Percent     int         `json:"percent"`
	Status      PhaseStatus `json:"status"`
	Attempts    int         `json:"attempts"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Error       string      `json:"error,omitempty"`
	Output      string      `json:"output,omitempty"`
}

// ErrorEntry is one line of the task's error log.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Phase   int       `json:"phase"`
	Message string    `json:"message"`
}

// TaskState is the mutable record of one task. The loop controller owns it;
// the store only persists copies.
type TaskState struct {
	Version       int           `json:"version"`
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Route         router.Route  `json:"route"`
	Score         score.Vector  `json:"score"`
	Phase         int           `json:"phase"`
	Iteration     int           `json:"iteration"`
	IterationCap  int           `json:"iteration_cap"`
	Status        Status        `json:"status"`
	Progress      int           `json:"progress"`
	Phases        []PhaseRecord `json:"phases"`
	PendingWork   string        `json:"pending_work,omitempty"`
	CompletedWork string        `json:"completed_work,omitempty"`
	ErrorLog      []ErrorEntry  `json:"error_log,omitempty"`
	Notes         []string      `json:"notes,omitempty"`
	Branch        string        `json:"branch,omitempty"`
	Parallel      bool          `json:"parallel,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// NewTaskState builds a fresh record at phase 0, iteration 0, with one pending
// sub-record per phase of the route.
func NewTaskState(id, description string, route router.Route, v score.Vector, iterationCap int, now time.Time) *TaskState {
	spec := router.Spec(route)
	phases := make([]PhaseRecord, len(spec.Phases))
	for i, p := range spec.Phases {
		phases[i] = PhaseRecord{
			Index:      p.Index,
			Name:       p.Name,
			Capability: string(p.Capability),
			Percent:    p.Percent,
			Status:     PhasePending,
		}
	}
	return &TaskState{
		Version:      SchemaVersion,
		ID:           id,
		Description:  description,
		Route:        route,
		Score:        v,
		IterationCap: iterationCap,
		Status:       StatusInProgress,
		Phases:       phases,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone returns a deep copy.
func (s *TaskState) Clone() *TaskState {
	c := *s
	c.Phases = make([]PhaseRecord, len(s.Phases))
	for i, p := range s.Phases {
		if p.StartedAt != nil {
			t := *p.StartedAt
			p.StartedAt = &t
		}
		if p.CompletedAt != nil {
			t := *p.CompletedAt
			p.CompletedAt = &t
		}
		c.Phases[i] = p
	}
	if s.ErrorLog != nil {
		c.ErrorLog = append([]ErrorEntry(nil), s.ErrorLog...)
	}
	if s.Notes != nil {
		c.Notes = append([]string(nil), s.Notes...)
	}
	return &c
}

// Validate checks the structural invariants required before a save.
func (s *TaskState) Validate() error {
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	switch s.Status {
	case StatusInProgress, StatusCompleted, StatusFailed, StatusAborted:
	default:
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.Phase < 0 || (len(s.Phases) > 0 && s.Phase > len(s.Phases)) {
		return fmt.Errorf("phase %d out of range [0, %d]", s.Phase, len(s.Phases))
	}
	if s.Iteration < 0 || s.IterationCap <= 0 {
		return fmt.Errorf("iteration %d / cap %d invalid", s.Iteration, s.IterationCap)
	}
	return nil
}

// ValidateID rejects ids that could escape the checkpoint directory.
func ValidateID(id string) error {
	if id == "" {
		return errors.New("empty task id")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." || strings.HasPrefix(id, ".") {
		return fmt.Errorf("invalid task id %q", id)
	}
	return nil
}

// RecomputeProgress sets Progress to the sum of the completed phases' percentages.
func (s *TaskState) RecomputeProgress() {
	total := 0
	for _, p := range s.Phases {
		if p.Status == PhaseCompleted {
			total += p.Percent
		}
	}
	s.Progress = min(total, 100)
}

// CurrentPhase returns the sub-record at the current phase index, if any.
func (s *TaskState) CurrentPhase() (PhaseRecord, bool) {
	if s.Phase < 0 || s.Phase >= len(s.Phases) {
		return PhaseRecord{}, false
	}
	return s.Phases[s.Phase], true
}

// LogError appends to the error log.
func (s *TaskState) LogError(at time.Time, phase int, msg string) {
	s.ErrorLog = append(s.ErrorLog, ErrorEntry{At: at, Phase: phase, Message: msg})
}

// ShortID is the first eight characters of the id.
func (s *TaskState) ShortID() string {
	return ShortID(s.ID)
}

// ShortID truncates an id to eight characters.
func ShortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Summary is a one-line description for listings.
func (s *TaskState) Summary() string {
	phase := "-"
	if p, ok := s.CurrentPhase(); ok {
		phase = fmt.Sprintf("%d:%s", p.Index, p.Name)
	}
	iter := ""
	if router.Spec(s.Route).Iterative() && s.Iteration > 0 {
		iter = fmt.Sprintf(" iter %d/%d", s.Iteration, s.IterationCap)
	}
	return fmt.Sprintf("%s  %-11s %-11s phase %s%s  %3d%%  %s",
		s.ShortID(), s.Status, s.Route, phase, iter, s.Progress, truncate(s.Description, 48))
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
