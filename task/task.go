package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further change can happen in this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stage is the pipeline step a task is in. It is finer grained than Status.
type Stage string

const (
	StageSubmitted    Stage = "submitted"
	StageConverting   Stage = "converting"
	StageTranscribing Stage = "transcribing"
	StageAnalyzing    Stage = "analyzing"
	StageCaching      Stage = "caching"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
)

var (
	ErrNotFound     = errors.New("task not found")
	ErrExists       = errors.New("task already exists")
	ErrTerminal     = errors.New("task is already in a terminal state")
	ErrInvalidPatch = errors.New("invalid task update")
)

// Result is the outcome of a completed analysis.
type Result struct {
	VoiceAnalysis   string `json:"voiceAnalysis"`
	ContentAnalysis string `json:"contentAnalysis"`
}

// Empty reports whether the result carries no analysis text at all. A nil
// result is empty, so calling it through a Task without a result is safe.
func (r *Result) Empty() bool {
	return r == nil || strings.TrimSpace(r.VoiceAnalysis) == "" && strings.TrimSpace(r.ContentAnalysis) == ""
}

type Task struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Stage    Stage  `json:"stage"`
	Progress int    `json:"progress"`
	Model    string `json:"model"`
	Filename string `json:"filename,omitempty"`
	*Result
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// New returns a fresh task in the processing state with zero progress.
func New(id, model, filename string, now time.Time) *Task {
	return &Task{
		ID:        id,
		Status:    StatusProcessing,
		Stage:     StageSubmitted,
		Progress:  0,
		Model:     model,
		Filename:  filename,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy so readers never share memory with the registry.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}

// Patch is a merge-style update: nil fields are left untouched.
type Patch struct {
	Status   *Status
	Stage    *Stage
	Progress *int
	Result   *Result
	Error    *string
}

// Progressed moves a task into stage and raises its progress.
func Progressed(stage Stage, progress int) Patch {
	return Patch{Stage: &stage, Progress: &progress}
}

// Completed is the terminal success patch.
func Completed(r Result) Patch {
	s := StatusCompleted
	return Patch{Status: &s, Result: &r}
}

// Failed is the terminal failure patch.
func Failed(msg string) Patch {
	s := StatusFailed
	return Patch{Status: &s, Error: &msg}
}

// Apply merges p into t. It is the only place task state rules live; every
// Registry implementation calls it while holding its own lock or row lock.
func Apply(t *Task, p Patch, now time.Time) error {
	if t.Status.Terminal() {
		return ErrTerminal
	}

	next := t.Status
	if p.Status != nil {
		next = *p.Status
	}
	switch next {
	case StatusProcessing:
		if p.Result != nil || p.Error != nil {
			return fmt.Errorf("%w: result and error are only set on a terminal transition", ErrInvalidPatch)
		}
	case StatusCompleted:
		if p.Result == nil || p.Result.Empty() {
			return fmt.Errorf("%w: completed task needs a non-empty result", ErrInvalidPatch)
		}
	case StatusFailed:
		if p.Error == nil || strings.TrimSpace(*p.Error) == "" {
			return fmt.Errorf("%w: failed task needs an error message", ErrInvalidPatch)
		}
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, next)
	}

	if p.Stage != nil {
		t.Stage = *p.Stage
	}
	if p.Progress != nil {
		if v := Clamp(*p.Progress); v > t.Progress {
			t.Progress = v
		}
	}

	switch next {
	case StatusCompleted:
		r := *p.Result
		t.Result = &r
		t.Error = ""
		t.Stage = StageCompleted
		t.Progress = 100
		t.CompletedAt = &now
	case StatusFailed:
		t.Result = nil
		t.Error = *p.Error
		t.Stage = StageFailed
		t.Progress = 100
		t.CompletedAt = &now
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}
