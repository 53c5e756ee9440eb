package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Registry is the single source of truth for task state. Implementations
// must make Update atomic per task and Get must always observe the latest
// successful Update.
type Registry interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	Update(ctx context.Context, id string, p Patch) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
	// Sweep removes terminal tasks that completed before cutoff.
	Sweep(ctx context.Context, cutoff time.Time) (int, error)
	// Interrupt fails every task still processing with reason.
	Interrupt(ctx context.Context, reason string) (int, error)
}

// MemoryRegistry keeps tasks in process memory.
type MemoryRegistry struct {
	mu    sync.RWMutex
	tasks map[string]*Task
	now   func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		tasks: make(map[string]*Task),
		now:   time.Now,
	}
}

func (r *MemoryRegistry) Create(_ context.Context, t *Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; ok {
		return ErrExists
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRegistry) Get(_ context.Context, id string) (*Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r *MemoryRegistry) Update(_ context.Context, id string, p Patch) (*Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	// Apply on a copy so a rejected patch leaves no partial change behind.
	next := t.Clone()
	if err := Apply(next, p, r.now().UTC()); err != nil {
		return nil, err
	}
	r.tasks[id] = next
	return next.Clone(), nil
}

// List returns all tasks, oldest first.
func (r *MemoryRegistry) List(_ context.Context) ([]*Task, error) {
	r.mu.RLock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRegistry) Sweep(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(r.tasks, id)
			removed++
		}
	}
	return removed, nil
}

func (r *MemoryRegistry) Interrupt(_ context.Context, reason string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	failed := 0
	for id, t := range r.tasks {
		if t.Status.Terminal() {
			continue
		}
		next := t.Clone()
		if err := Apply(next, Failed(reason), r.now().UTC()); err != nil {
			return failed, err
		}
		r.tasks[id] = next
		failed++
	}
	return failed, nil
}

// Len reports how many tasks are held.
func (r *MemoryRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
