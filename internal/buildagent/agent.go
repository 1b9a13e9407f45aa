// Package buildagent executes build jobs in containers.
//
// An Agent reserves a slot of its capacity, dequeues a job from the shared
// queue and hands it to an Executor, which moves it through the states
// RESERVED, IMAGE_READY, CONTAINER_RUNNING, RESULTS_EXTRACTED and COMPLETED,
// or FAILED from any of them. Agents coordinate only through the queue.
package buildagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
)

const storeTimeout = time.Minute

// JobWatcher calls fn whenever a job may have been queued.
type JobWatcher interface {
	WatchJobs(ctx context.Context, fn func()) error
}

type AgentParams struct {
	Store    buildqueue.Store    // required
	Runtime  Runtime             // required
	Sources  Sources             // required
	Logs     LogArchive          // optional
	Notifier buildqueue.Notifier // optional
	Watcher  JobWatcher          // optional, the agent polls without it
}

type Agent struct {
	name                 string
	address              string
	capacity             int
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	pollInterval         time.Duration
	housekeepingInterval time.Duration

	store       buildqueue.Store
	notifier    buildqueue.Notifier
	watcher     JobWatcher
	executor    *Executor
	housekeeper *Housekeeper

	slots chan struct{}
	wake  chan struct{}
	jobs  sync.WaitGroup

	mu      sync.Mutex
	running map[uuid.UUID]*buildqueue.Job
}

func NewAgent(cfg *Config, params *AgentParams) *Agent {
	a := &Agent{
		name:                 cfg.name(),
		address:              cfg.Address,
		capacity:             cfg.capacity(),
		heartbeatInterval:    cfg.heartbeatInterval(),
		heartbeatTimeout:     cfg.heartbeatTimeout(),
		pollInterval:         cfg.pollInterval(),
		housekeepingInterval: cfg.housekeepingInterval(),
		store:                params.Store,
		notifier:             params.Notifier,
		watcher:              params.Watcher,
		slots:                make(chan struct{}, cfg.capacity()),
		wake:                 make(chan struct{}, 1),
		running:              make(map[uuid.UUID]*buildqueue.Job),
	}
	a.executor = &Executor{
		Runtime:        params.Runtime,
		Sources:        params.Sources,
		Logs:           params.Logs,
		Images:         params.Store,
		AgentName:      a.name,
		WorkDir:        cfg.workDir(),
		Limits:         cfg.limits(),
		DefaultTimeout: cfg.buildTimeout(),
		MaxTimeout:     cfg.maxBuildTimeout(),
		StepTimeout:    cfg.stepTimeout(),
	}
	a.housekeeper = &Housekeeper{
		Runtime:        params.Runtime,
		Images:         params.Store,
		Jobs:           params.Store,
		AgentName:      a.name,
		StaleAge:       cfg.staleContainerAge(),
		ImageRetention: cfg.imageRetention(),
		Active:         a.Running,
	}
	return a
}

func (a *Agent) Name() string {
	return a.name
}

// Running returns the jobs the agent is executing.
func (a *Agent) Running() []*buildqueue.Job {
	a.mu.Lock()
	defer a.mu.Unlock()
	jobs := make([]*buildqueue.Job, 0, len(a.running))
	for _, j := range a.running {
		jobs = append(jobs, j)
	}
	return jobs
}

// Run executes jobs until ctx is done. Jobs interrupted by ctx are handed
// back to the queue and the agent leaves the registry before Run returns.
// It fails only when the queue store is unreachable at start.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.heartbeat(ctx); err != nil {
		return fmt.Errorf("buildagent.Agent: %w", err)
	}
	slog.Info("started agent", "name", a.name, "capacity", a.capacity)

	// Background work continues while interrupted jobs are handed back.
	bgCtx, stopBg := context.WithCancel(context.WithoutCancel(ctx))
	var bg sync.WaitGroup
	loops := []struct {
		interval time.Duration
		what     string
		fn       func(context.Context) error
	}{
		{a.heartbeatInterval, "send heartbeat", a.heartbeat},
		{a.heartbeatInterval, "requeue stale jobs", a.requeueStale},
		{a.housekeepingInterval, "clean up", a.housekeeper.Run},
	}
	for _, l := range loops {
		bg.Add(1)
		go func() {
			defer bg.Done()
			every(bgCtx, l.interval, l.what, l.fn)
		}()
	}
	if a.watcher != nil {
		bg.Add(1)
		go func() {
			defer bg.Done()
			_ = a.watcher.WatchJobs(bgCtx, a.Wake)
		}()
	}

	a.dispatch(ctx)
	a.jobs.Wait()
	stopBg()
	bg.Wait()

	leaveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	ids, err := a.store.RequeueOnAgentFailure(leaveCtx, a.name)
	if err != nil {
		slog.Error("didn't leave registry", "name", a.name, "err", err)
	} else if len(ids) > 0 {
		slog.Info("requeued jobs", "job_ids", ids)
		a.notifyQueued(leaveCtx)
	}
	slog.Info("stopped agent", "name", a.name)
	return nil
}

// Wake makes the agent try to dequeue a job now.
func (a *Agent) Wake() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *Agent) dispatch(ctx context.Context) {
	poll := time.NewTicker(a.pollInterval)
	defer poll.Stop()

	for {
		// Capacity is reserved before dequeuing so a dequeued job always has a slot.
		select {
		case a.slots <- struct{}{}:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			<-a.slots
			return
		}

		job, err := a.store.TryDequeue(ctx, a.name)
		if err != nil {
			<-a.slots
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, buildqueue.ErrEmpty) {
				slog.Error("didn't dequeue job", "err", err)
			}
			select {
			case <-a.wake:
			case <-poll.C:
			case <-ctx.Done():
				return
			}
			continue
		}

		a.mu.Lock()
		a.running[job.ID] = job
		a.mu.Unlock()

		a.jobs.Add(1)
		go func() {
			defer a.jobs.Done()
			defer func() {
				a.mu.Lock()
				delete(a.running, job.ID)
				a.mu.Unlock()
				<-a.slots
			}()
			a.process(ctx, job)
		}()
	}
}

// process executes job and stores its outcome. Errors never leave the job.
func (a *Agent) process(ctx context.Context, job *buildqueue.Job) {
	log := slog.With("job_id", job.ID)
	log.Info("executing job", "repository", job.Repository.String(), "commit", job.CommitHash, "retry_count", job.RetryCount)

	result, err := a.executor.Execute(ctx, job)
	if infraErr := (*InfrastructureError)(nil); errors.As(err, &infraErr) {
		log.Warn("retrying job", "err", err)
		result, err = a.executor.Execute(ctx, job)
	}

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	switch {
	case err == nil:
	case ctx.Err() != nil:
		requeued, err := a.store.Requeue(storeCtx, a.name, job.ID, "The build agent stopped.")
		if err != nil {
			log.Error("didn't requeue job", "err", err)
			return
		}
		if requeued {
			log.Info("requeued job")
			a.notifyQueued(storeCtx)
			return
		}
		log.Info("failed job after too many retries")
		a.notifyResult(storeCtx, job.ID)
		return
	default:
		log.Error("didn't execute job", "err", err)
		result = buildqueue.FailedResult(job.ID, fmt.Sprintf("The build couldn't be executed: %v", err))
	}

	if err = a.store.Complete(storeCtx, a.name, result); err != nil {
		if errors.Is(err, buildqueue.ErrNotOwned) || errors.Is(err, buildqueue.ErrAlreadyCompleted) {
			log.Warn("didn't complete job, it was handed to another agent", "err", err)
			return
		}
		log.Error("didn't complete job", "err", err)
		return
	}
	log.Info("completed job", "success", result.Success, "passed", result.Passed(), "failed", result.Failed())
	a.notifyResult(storeCtx, job.ID)
}

func (a *Agent) heartbeat(ctx context.Context) error {
	running := a.Running()
	ids := make([]uuid.UUID, 0, len(running))
	for _, j := range running {
		ids = append(ids, j.ID)
	}
	return a.store.Heartbeat(ctx, &buildqueue.Agent{
		Name:          a.name,
		Address:       a.address,
		TotalCapacity: a.capacity,
		UsedCapacity:  len(running),
		RunningJobIDs: ids,
	})
}

// requeueStale hands back the jobs of agents that stopped sending heartbeats.
// Every agent does it, the store makes it safe.
func (a *Agent) requeueStale(ctx context.Context) error {
	ids, err := a.store.RequeueStale(ctx, a.heartbeatTimeout)
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		slog.Warn("requeued jobs of stale agents", "job_ids", ids)
		a.notifyQueued(ctx)
		a.Wake()
	}
	return nil
}

func (a *Agent) notifyQueued(ctx context.Context) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.JobQueued(ctx); err != nil {
		slog.Warn("didn't notify about queued job", "err", err)
	}
}

func (a *Agent) notifyResult(ctx context.Context, jobID uuid.UUID) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.ResultStored(ctx, jobID); err != nil {
		slog.Warn("didn't notify about stored result", "job_id", jobID, "err", err)
	}
}

func every(ctx context.Context, interval time.Duration, what string, fn func(context.Context) error) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				slog.Error("didn't "+what, "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
