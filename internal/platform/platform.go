// Package platform describes the course platform that owns users, exercises,
// participations and grades. The gateway and the result processor only read
// from it and hand results back to it.
package platform

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/repo"
	"github.com/k11v/localci/internal/repoaccess"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrNoParticipation = repoaccess.ErrNoParticipation
)

// DefaultBranch is used when an exercise doesn't name one.
const DefaultBranch = "main"

type User struct {
	Login  string
	Name   string
	Email  string
	Groups []string
	Admin  bool
}

type Course struct {
	ID     int64
	Groups repoaccess.Groups
}

type Exercise struct {
	ID                      int64
	Course                  Course
	ProjectKey              string
	Title                   string
	StartDate               *time.Time
	DueDate                 *time.Time
	Exam                    bool
	OfflineIDEDisabled      bool
	AllowBranching          bool
	BranchRegex             string
	SubmissionLimit         int // 0 means unlimited
	TemplateParticipationID int64
	SolutionParticipationID int64
	Build                   buildqueue.Config
}

// AuxiliaryNames returns the names of the exercise's auxiliary repositories.
func (e *Exercise) AuxiliaryNames() []string {
	names := make([]string, 0, len(e.Build.AuxiliaryRepositories))
	for _, a := range e.Build.AuxiliaryRepositories {
		names = append(names, a.Name)
	}
	return names
}

func (e *Exercise) DefaultBranch() string {
	if e.Build.DefaultBranch == "" {
		return DefaultBranch
	}
	return e.Build.DefaultBranch
}

// BuildConfig returns the build configuration with defaults applied.
func (e *Exercise) BuildConfig() buildqueue.Config {
	c := e.Build
	c.DefaultBranch = e.DefaultBranch()
	c.AuxiliaryRepositories = slices.Clone(c.AuxiliaryRepositories)
	return c
}

type Participation struct {
	ID                int64
	ExerciseID        int64
	Owners            []string // logins, more than one for teams
	TestRun           bool
	IndividualDueDate *time.Time
	Exam              *repoaccess.ExamWindow // individual working time for exam exercises
}

func (p *Participation) IsOwner(login string) bool {
	return slices.Contains(p.Owners, login)
}

// Window returns the time window of the exercise as seen by p.
func (p *Participation) Window(e *Exercise) repoaccess.Window {
	w := repoaccess.Window{
		Start:         e.StartDate,
		Due:           e.DueDate,
		IndividualDue: p.IndividualDueDate,
	}
	if e.Exam {
		w.Exam = p.Exam
		if w.Exam == nil {
			// An exam exercise without a working time is never open.
			w.Exam = &repoaccess.ExamWindow{}
		}
	}
	return w
}

// Directory resolves users, exercises and participations.
type Directory interface {
	// Authenticate returns ErrUnauthorized for unknown logins and wrong passwords.
	Authenticate(ctx context.Context, login, password string) (*User, error)
	User(ctx context.Context, login string) (*User, error)
	// Exercise returns the exercise with projectKey or ErrNotFound.
	Exercise(ctx context.Context, projectKey string) (*Exercise, error)
	// Participation returns the participation behind id or ErrNoParticipation.
	// For template and solution repositories it returns the exercise's
	// template or solution participation.
	Participation(ctx context.Context, exercise *Exercise, id repo.Identity) (*Participation, error)
}

// KeyStore stores users' SSH public keys.
type KeyStore interface {
	// PublicKeyFingerprint returns the SHA256 fingerprint of login's key or ErrNotFound.
	PublicKeyFingerprint(ctx context.Context, login string) (string, error)
}

// Grader turns build results into graded submissions and notifies users.
type Grader interface {
	PublishBuildResult(ctx context.Context, job *buildqueue.Job, result *buildqueue.Result) error
}

// Capabilities are the optional parts of a platform.
// They are resolved once when the process starts, a nil field means absent.
type Capabilities struct {
	KeyStore KeyStore
	Grader   Grader
}

// Resolve returns the capabilities d provides besides Directory.
func Resolve(d Directory) Capabilities {
	var c Capabilities
	if ks, ok := d.(KeyStore); ok {
		c.KeyStore = ks
	}
	if g, ok := d.(Grader); ok {
		c.Grader = g
	}
	return c
}
