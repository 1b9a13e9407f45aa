// Package buildqueue holds the build job queue and agent registry model
// shared by the gateway and every build agent.
//
// Implementations live in subpackages: buildqueuepg is the cluster-wide store,
// buildqueuemem is a single-process store with identical semantics.
package buildqueue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/repo"
)

var (
	ErrEmpty            = errors.New("queue is empty")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyCompleted = errors.New("job already completed")
	ErrNotOwned         = errors.New("job is not processed by this agent")
	ErrDelivered        = errors.New("result already delivered")
)

// MaxRetries is how many times a job handed back by agents is requeued
// before it fails permanently.
const MaxRetries = 5

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
)

// Priorities are dequeued in ascending order.
const (
	PriorityHigh   = 1
	PriorityNormal = 2
	PriorityLow    = 3
)

// AuxiliaryRepository is an additional repository copied into the build workspace.
type AuxiliaryRepository struct {
	Name         string `json:"name" yaml:"name"`
	CheckoutPath string `json:"checkoutPath" yaml:"checkoutPath"`
}

// Config is the build configuration snapshot taken when the job is enqueued.
type Config struct {
	Image                  string                `json:"image" yaml:"image"`
	Script                 string                `json:"script" yaml:"script"`
	ResultsPath            string                `json:"resultsPath" yaml:"resultsPath"`
	Timeout                time.Duration         `json:"timeout" yaml:"timeout"`
	DefaultBranch          string                `json:"defaultBranch" yaml:"defaultBranch"`
	AssignmentCheckoutPath string                `json:"assignmentCheckoutPath" yaml:"assignmentCheckoutPath"`
	TestsCheckoutPath      string                `json:"testsCheckoutPath" yaml:"testsCheckoutPath"`
	AuxiliaryRepositories  []AuxiliaryRepository `json:"auxiliaryRepositories" yaml:"auxiliaryRepositories"`
}

// Commit is the metadata of a pushed commit.
type Commit struct {
	Author      string    `json:"author"`
	AuthorEmail string    `json:"authorEmail"`
	Message     string    `json:"message"`
	Time        time.Time `json:"time"`
	Branch      string    `json:"branch"`
}

type Job struct {
	ID              uuid.UUID
	Repository      repo.Identity
	CommitHash      string  // empty means the head of the default branch
	Commit          *Commit // nil when the commit couldn't be resolved
	ExerciseID      int64
	CourseID        int64
	ParticipationID int64
	Priority        int
	RetryCount      int
	Config          Config
	Status          Status
	AgentName       string
	EnqueuedAt      time.Time
	StartedAt       *time.Time
}

// TestsRepository returns the tests repository of the job's exercise.
func (j *Job) TestsRepository() repo.Identity {
	return repo.Tests(j.Repository.ProjectKey)
}

// AuxiliaryRepository returns the identity of an auxiliary repository of the job's exercise.
func (j *Job) AuxiliaryRepository(name string) repo.Identity {
	return repo.Auxiliary(j.Repository.ProjectKey, name)
}

type EnqueueParams struct {
	Repository      repo.Identity // required
	CommitHash      string
	Commit          *Commit
	ExerciseID      int64
	CourseID        int64
	ParticipationID int64
	Priority        int // default: PriorityNormal
	Config          Config
}

type TestCase struct {
	Name      string        `json:"name"`
	ClassName string        `json:"className"`
	Passed    bool          `json:"passed"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Result is the outcome of one job. It is immutable once stored.
type Result struct {
	JobID       uuid.UUID
	CommitHash  string
	Success     bool
	Tests       []TestCase
	LogExcerpt  string
	LogKey      string // object key of the full log, empty when it wasn't archived
	Duration    time.Duration
	ParseError  bool
	Diagnostic  string
	CompletedAt time.Time
	DeliveredAt *time.Time
}

func (r *Result) Passed() int {
	n := 0
	for _, tc := range r.Tests {
		if tc.Passed {
			n++
		}
	}
	return n
}

func (r *Result) Failed() int {
	return len(r.Tests) - r.Passed()
}

// FailedResult returns a result for a job that couldn't produce any test outcomes.
func FailedResult(jobID uuid.UUID, diagnostic string) *Result {
	return &Result{
		JobID:      jobID,
		Success:    false,
		Tests:      []TestCase{},
		Diagnostic: diagnostic,
	}
}

// Agent is a registry record, upserted by each agent's heartbeat.
type Agent struct {
	Name          string
	Address       string
	TotalCapacity int
	UsedCapacity  int
	RunningJobIDs []uuid.UUID
	LastHeartbeat time.Time
}

type Queue interface {
	Enqueue(ctx context.Context, params *EnqueueParams) (*Job, error)
	// TryDequeue moves the first available job to processing under agentName.
	// It returns ErrEmpty when no job is available.
	TryDequeue(ctx context.Context, agentName string) (*Job, error)
	// Complete stores the result of a job processed by agentName.
	// A second call for the same job returns ErrAlreadyCompleted.
	Complete(ctx context.Context, agentName string, result *Result) error
	// Requeue hands a job back to the queue. After MaxRetries the job is
	// completed with a failed result instead and requeued is false.
	Requeue(ctx context.Context, agentName string, jobID uuid.UUID, reason string) (requeued bool, err error)
}

type Registry interface {
	Heartbeat(ctx context.Context, agent *Agent) error
	// RequeueOnAgentFailure moves every job processed by agentName back to the
	// head of the queue and evicts the agent record.
	RequeueOnAgentFailure(ctx context.Context, agentName string) ([]uuid.UUID, error)
	// RequeueStale applies RequeueOnAgentFailure to every agent whose last
	// heartbeat is older than timeout and to jobs processed by unknown agents.
	RequeueStale(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error)
}

// Reader is the read-only projection used by the admin API.
type Reader interface {
	Job(ctx context.Context, id uuid.UUID) (*Job, error)
	QueuedJobs(ctx context.Context) ([]*Job, error)
	RunningJobs(ctx context.Context, courseID *int64) ([]*Job, error)
	Agents(ctx context.Context) ([]*Agent, error)
	Result(ctx context.Context, jobID uuid.UUID) (*Result, error)
}

// Outbox hands stored results to the grading collaborator exactly once.
type Outbox interface {
	// Deliver calls fn for an undelivered result and marks it delivered when fn succeeds.
	// It returns ErrDelivered when the result was delivered or is being delivered elsewhere.
	Deliver(ctx context.Context, jobID uuid.UUID, fn func(context.Context, *Job, *Result) error) error
	Undelivered(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Images records which build images an agent used and when.
type Images interface {
	TouchImage(ctx context.Context, agentName, image string, at time.Time) error
	ImagesUnusedSince(ctx context.Context, agentName string, before time.Time) ([]string, error)
	ForgetImage(ctx context.Context, agentName, image string) error
}

// Store is everything a store implementation provides.
type Store interface {
	Queue
	Registry
	Reader
	Outbox
	Images
}

// Notifier wakes up processes waiting for queue changes.
type Notifier interface {
	JobQueued(ctx context.Context) error
	ResultStored(ctx context.Context, jobID uuid.UUID) error
}
