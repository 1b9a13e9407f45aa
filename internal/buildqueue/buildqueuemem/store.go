// Package buildqueuemem is a single-process buildqueue.Store.
// It serves tests and single-node development setups.
package buildqueuemem

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
)

var _ buildqueue.Store = (*Store)(nil)

type entry struct {
	job buildqueue.Job
	seq int64
}

type Store struct {
	Now func() time.Time // default: time.Now

	mu         sync.Mutex
	seq        int64
	jobs       map[uuid.UUID]*entry
	results    map[uuid.UUID]*buildqueue.Result
	delivering map[uuid.UUID]bool
	agents     map[string]*buildqueue.Agent
	images     map[string]map[string]time.Time
}

func New() *Store {
	return &Store{
		jobs:       make(map[uuid.UUID]*entry),
		results:    make(map[uuid.UUID]*buildqueue.Result),
		delivering: make(map[uuid.UUID]bool),
		agents:     make(map[string]*buildqueue.Agent),
		images:     make(map[string]map[string]time.Time),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) Enqueue(ctx context.Context, params *buildqueue.EnqueueParams) (*buildqueue.Job, error) {
	priority := params.Priority
	if priority == 0 {
		priority = buildqueue.PriorityNormal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	e := &entry{
		job: buildqueue.Job{
			ID:              uuid.New(),
			Repository:      params.Repository,
			CommitHash:      params.CommitHash,
			Commit:          params.Commit,
			ExerciseID:      params.ExerciseID,
			CourseID:        params.CourseID,
			ParticipationID: params.ParticipationID,
			Priority:        priority,
			Config:          cloneConfig(params.Config),
			Status:          buildqueue.StatusQueued,
			EnqueuedAt:      s.now(),
		},
		seq: s.seq,
	}
	s.jobs[e.job.ID] = e
	return cloneJob(&e.job), nil
}

func (s *Store) TryDequeue(ctx context.Context, agentName string) (*buildqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.sortedLocked(buildqueue.StatusQueued) {
		if s.blockedLocked(e) {
			continue
		}
		now := s.now()
		e.job.Status = buildqueue.StatusProcessing
		e.job.AgentName = agentName
		e.job.StartedAt = &now
		return cloneJob(&e.job), nil
	}
	return nil, buildqueue.ErrEmpty
}

// blockedLocked reports whether an earlier job of the same repository is
// still queued or any job of the same repository is processing.
func (s *Store) blockedLocked(e *entry) bool {
	for _, o := range s.jobs {
		if o == e || o.job.Repository.ProjectKey != e.job.Repository.ProjectKey || o.job.Repository.Slug != e.job.Repository.Slug {
			continue
		}
		if o.job.Status == buildqueue.StatusProcessing {
			return true
		}
		if o.job.Status == buildqueue.StatusQueued && o.seq < e.seq {
			return true
		}
	}
	return false
}

func (s *Store) Complete(ctx context.Context, agentName string, result *buildqueue.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.processingLocked(result.JobID, agentName)
	if err != nil {
		return err
	}
	s.completeLocked(e, result)
	return nil
}

func (s *Store) processingLocked(jobID uuid.UUID, agentName string) (*entry, error) {
	e, ok := s.jobs[jobID]
	switch {
	case !ok:
		return nil, buildqueue.ErrNotFound
	case e.job.Status == buildqueue.StatusCompleted:
		return nil, buildqueue.ErrAlreadyCompleted
	case e.job.Status != buildqueue.StatusProcessing || e.job.AgentName != agentName:
		return nil, buildqueue.ErrNotOwned
	}
	return e, nil
}

func (s *Store) completeLocked(e *entry, result *buildqueue.Result) {
	e.job.Status = buildqueue.StatusCompleted
	r := cloneResult(result)
	r.JobID = e.job.ID
	if r.CompletedAt.IsZero() {
		r.CompletedAt = s.now()
	}
	r.DeliveredAt = nil
	s.results[e.job.ID] = r
}

func (s *Store) Requeue(ctx context.Context, agentName string, jobID uuid.UUID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.processingLocked(jobID, agentName)
	if err != nil {
		return false, err
	}
	e.job.RetryCount++
	if e.job.RetryCount > buildqueue.MaxRetries {
		s.completeLocked(e, buildqueue.FailedResult(e.job.ID, "giving up after retries: "+reason))
		return false, nil
	}
	s.requeueLocked(e)
	return true, nil
}

func (s *Store) requeueLocked(e *entry) {
	e.job.Status = buildqueue.StatusQueued
	e.job.AgentName = ""
	e.job.StartedAt = nil
}

func (s *Store) Heartbeat(ctx context.Context, agent *buildqueue.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *agent
	a.RunningJobIDs = slices.Clone(agent.RunningJobIDs)
	a.LastHeartbeat = s.now()
	s.agents[a.Name] = &a
	return nil
}

func (s *Store) RequeueOnAgentFailure(ctx context.Context, agentName string) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.requeueAgentLocked(func(name string) bool { return name == agentName })
	delete(s.agents, agentName)
	return ids, nil
}

func (s *Store) RequeueStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := s.now().Add(-timeout)
	stale := make(map[string]bool)
	for name, a := range s.agents {
		if a.LastHeartbeat.Before(deadline) {
			stale[name] = true
		}
	}
	ids := s.requeueAgentLocked(func(name string) bool {
		_, known := s.agents[name]
		return stale[name] || !known
	})
	for name := range stale {
		delete(s.agents, name)
	}
	return ids, nil
}

func (s *Store) requeueAgentLocked(match func(agentName string) bool) []uuid.UUID {
	var ids []uuid.UUID
	for _, e := range s.sortedLocked(buildqueue.StatusProcessing) {
		if match(e.job.AgentName) {
			s.requeueLocked(e)
			ids = append(ids, e.job.ID)
		}
	}
	return ids
}

func (s *Store) Job(ctx context.Context, id uuid.UUID) (*buildqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.jobs[id]
	if !ok {
		return nil, buildqueue.ErrNotFound
	}
	return cloneJob(&e.job), nil
}

func (s *Store) QueuedJobs(ctx context.Context) ([]*buildqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*buildqueue.Job, 0)
	for _, e := range s.sortedLocked(buildqueue.StatusQueued) {
		jobs = append(jobs, cloneJob(&e.job))
	}
	return jobs, nil
}

func (s *Store) RunningJobs(ctx context.Context, courseID *int64) ([]*buildqueue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]*buildqueue.Job, 0)
	for _, e := range s.sortedLocked(buildqueue.StatusProcessing) {
		if courseID != nil && e.job.CourseID != *courseID {
			continue
		}
		jobs = append(jobs, cloneJob(&e.job))
	}
	return jobs, nil
}

func (s *Store) Agents(ctx context.Context) ([]*buildqueue.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]*buildqueue.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		c := *a
		c.RunningJobIDs = slices.Clone(a.RunningJobIDs)
		agents = append(agents, &c)
	}
	slices.SortFunc(agents, func(a, b *buildqueue.Agent) int { return cmp.Compare(a.Name, b.Name) })
	return agents, nil
}

func (s *Store) Result(ctx context.Context, jobID uuid.UUID) (*buildqueue.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.results[jobID]
	if !ok {
		return nil, buildqueue.ErrNotFound
	}
	return cloneResult(r), nil
}

func (s *Store) Deliver(ctx context.Context, jobID uuid.UUID, fn func(context.Context, *buildqueue.Job, *buildqueue.Result) error) error {
	s.mu.Lock()
	r, ok := s.results[jobID]
	if !ok {
		s.mu.Unlock()
		return buildqueue.ErrNotFound
	}
	if r.DeliveredAt != nil || s.delivering[jobID] {
		s.mu.Unlock()
		return buildqueue.ErrDelivered
	}
	s.delivering[jobID] = true
	job := cloneJob(&s.jobs[jobID].job)
	result := cloneResult(r)
	s.mu.Unlock()

	err := fn(ctx, job, result)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.delivering, jobID)
	if err != nil {
		return err
	}
	now := s.now()
	r.DeliveredAt = &now
	return nil
}

func (s *Store) Undelivered(ctx context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]*buildqueue.Result, 0)
	for id, r := range s.results {
		if r.DeliveredAt == nil && !s.delivering[id] {
			results = append(results, r)
		}
	}
	slices.SortFunc(results, func(a, b *buildqueue.Result) int { return a.CompletedAt.Compare(b.CompletedAt) })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	ids := make([]uuid.UUID, 0, len(results))
	for _, r := range results {
		ids = append(ids, r.JobID)
	}
	return ids, nil
}

func (s *Store) TouchImage(ctx context.Context, agentName, image string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.images[agentName] == nil {
		s.images[agentName] = make(map[string]time.Time)
	}
	if at.After(s.images[agentName][image]) {
		s.images[agentName][image] = at
	}
	return nil
}

func (s *Store) ImagesUnusedSince(ctx context.Context, agentName string, before time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	images := make([]string, 0)
	for image, at := range s.images[agentName] {
		if at.Before(before) {
			images = append(images, image)
		}
	}
	slices.Sort(images)
	return images, nil
}

func (s *Store) ForgetImage(ctx context.Context, agentName, image string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.images[agentName], image)
	return nil
}

// sortedLocked returns the entries with status in dequeue order.
func (s *Store) sortedLocked(status buildqueue.Status) []*entry {
	entries := make([]*entry, 0)
	for _, e := range s.jobs {
		if e.job.Status == status {
			entries = append(entries, e)
		}
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		if c := cmp.Compare(a.job.Priority, b.job.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return entries
}

func cloneJob(j *buildqueue.Job) *buildqueue.Job {
	c := *j
	c.Config = cloneConfig(j.Config)
	if j.Commit != nil {
		commit := *j.Commit
		c.Commit = &commit
	}
	if j.StartedAt != nil {
		startedAt := *j.StartedAt
		c.StartedAt = &startedAt
	}
	return &c
}

func cloneConfig(c buildqueue.Config) buildqueue.Config {
	c.AuxiliaryRepositories = slices.Clone(c.AuxiliaryRepositories)
	return c
}

func cloneResult(r *buildqueue.Result) *buildqueue.Result {
	c := *r
	c.Tests = slices.Clone(r.Tests)
	if c.Tests == nil {
		c.Tests = []buildqueue.TestCase{}
	}
	if r.DeliveredAt != nil {
		deliveredAt := *r.DeliveredAt
		c.DeliveredAt = &deliveredAt
	}
	return &c
}
