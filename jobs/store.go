package jobs

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// errSkip tells a store's Update to leave the record untouched.
var errSkip = errors.New("skip update")

// Store persists jobs. Implementations must reject Create with
// ErrResourceBusy while another PENDING or PROCESSING job holds the same
// resource key, and must apply Update atomically.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (Job, error)
	// Update loads the job, applies fn and saves the result. If fn returns
	// an error nothing is written and the error is returned with the
	// unchanged job.
	Update(ctx context.Context, id string, fn func(*Job) error) (Job, error)
	// FindActive returns the in-flight job holding resourceKey, if any.
	FindActive(ctx context.Context, resourceKey string) (Job, bool, error)
	List(ctx context.Context, f ListFilter) ([]Job, error)
}

// ListFilter narrows List. Zero values match everything; Limit 0 means 100.
type ListFilter struct {
	Status      Status
	Kind        Kind
	ResourceKey string
	Limit       int
}

func (f ListFilter) limit() int {
	if f.Limit <= 0 || f.Limit > 1000 {
		return 100
	}
	return f.Limit
}

// MemoryStore keeps jobs in process memory. It is used in tests and by the
// offline CLI, where durability is not needed.
type MemoryStore struct {
	mu     sync.Mutex
	jobs   map[string]*Job
	active map[string]string // resource key -> job id
	now    func() time.Time
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}, active: map[string]string{}, now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Create(_ context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[j.ResourceKey]; busy && j.Status.Active() {
		return ErrResourceBusy
	}
	now := s.now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now
	cp := *j
	s.jobs[j.ID] = &cp
	if j.Status.Active() {
		s.active[j.ResourceKey] = j.ID
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	next := *cur
	if err := fn(&next); err != nil {
		return *cur, err
	}
	next.UpdatedAt = s.now().UTC()
	s.jobs[id] = &next
	if next.Status.Active() {
		s.active[next.ResourceKey] = id
	} else if s.active[next.ResourceKey] == id {
		delete(s.active, next.ResourceKey)
	}
	return next, nil
}

func (s *MemoryStore) FindActive(_ context.Context, resourceKey string) (Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[resourceKey]
	if !ok {
		return Job{}, false, nil
	}
	return *s.jobs[id], true, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]Job, error) {
	s.mu.Lock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Kind != "" && j.Kind != f.Kind {
			continue
		}
		if f.ResourceKey != "" && j.ResourceKey != f.ResourceKey {
			continue
		}
		out = append(out, *j)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	if n := f.limit(); len(out) > n {
		out = out[:n]
	}
	return out, nil
}
