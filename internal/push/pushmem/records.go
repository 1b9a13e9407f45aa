// Package pushmem is an in-memory push.Records for a single gateway process and tests.
package pushmem

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repo"
)

var _ push.Records = (*Records)(nil)

type Records struct {
	mu      sync.Mutex
	records map[uuid.UUID]*push.Record
	seq     int
	order   map[uuid.UUID]int // reservation order, creation times may be equal
}

func New() *Records {
	return &Records{
		records: make(map[uuid.UUID]*push.Record),
		order:   make(map[uuid.UUID]int),
	}
}

func (s *Records) Reserve(ctx context.Context, params *push.ReserveParams) (*push.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.Limit > 0 && s.submissionsLocked(params.Repository) >= params.Limit {
		return nil, push.ErrLimitExceeded
	}
	now := time.Now()
	r := &push.Record{
		ID:         uuid.New(),
		Repository: params.Repository,
		Login:      params.Login,
		Status:     push.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.records[r.ID] = r
	s.seq++
	s.order[r.ID] = s.seq
	out := *r
	return &out, nil
}

func (s *Records) Submissions(ctx context.Context, id repo.Identity) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submissionsLocked(id), nil
}

func (s *Records) submissionsLocked(id repo.Identity) int {
	n := 0
	for _, r := range s.records {
		if r.Repository.ProjectKey != id.ProjectKey || r.Repository.Slug != id.Slug {
			continue
		}
		if r.Status != push.StatusDiscarded {
			n++
		}
	}
	return n
}

func (s *Records) MarkAccepted(ctx context.Context, id uuid.UUID, ref, commitHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok || r.Status != push.StatusPending {
		return push.ErrNotFound
	}
	r.Ref = ref
	r.CommitHash = commitHash
	r.UpdatedAt = time.Now()
	return nil
}

func (s *Records) MarkQueued(ctx context.Context, id uuid.UUID, ref, commitHash string, jobID uuid.UUID) error {
	return s.update(id, func(r *push.Record) {
		r.Status = push.StatusQueued
		r.Ref = ref
		r.CommitHash = commitHash
		r.JobID = &jobID
	})
}

func (s *Records) MarkFailed(ctx context.Context, id uuid.UUID, ref, commitHash, reason string) error {
	return s.update(id, func(r *push.Record) {
		r.Status = push.StatusFailed
		r.Ref = ref
		r.CommitHash = commitHash
		r.FailureReason = reason
	})
}

func (s *Records) MarkDiscarded(ctx context.Context, id uuid.UUID, reason string) error {
	return s.update(id, func(r *push.Record) {
		r.Status = push.StatusDiscarded
		r.FailureReason = reason
	})
}

func (s *Records) Record(ctx context.Context, id uuid.UUID) (*push.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, push.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *Records) Pending(ctx context.Context, before time.Time) ([]*push.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*push.Record
	for _, r := range s.records {
		if r.Status == push.StatusPending && r.CreatedAt.Before(before) {
			c := *r
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *push.Record) int {
		return s.order[a.ID] - s.order[b.ID]
	})
	return out, nil
}

// All returns every record, for tests.
func (s *Records) All() []*push.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*push.Record, 0, len(s.records))
	for _, r := range s.records {
		c := *r
		out = append(out, &c)
	}
	return out
}

func (s *Records) update(id uuid.UUID, fn func(*push.Record)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return push.ErrNotFound
	}
	fn(r)
	r.UpdatedAt = time.Now()
	return nil
}
