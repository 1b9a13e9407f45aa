// Package repoaccess decides whether an actor may read or write a repository.
//
// Evaluate is a pure function of its Request. Callers must evaluate again for
// every Git request, exercise windows move while connections stay open.
package repoaccess

import (
	"errors"
	"time"

	"github.com/k11v/localci/internal/repo"
)

var (
	ErrForbidden       = errors.New("forbidden")
	ErrNoParticipation = errors.New("no participation")
)

// Role is the actor's role in the course that owns the exercise.
// Roles are ordered, a higher role has every permission of the lower ones.
type Role int

const (
	RoleNone Role = iota
	RoleStudent
	RoleTeachingAssistant
	RoleEditor
	RoleInstructor
	RoleAdmin
)

func (r Role) String() string {
	switch r {
	case RoleStudent:
		return "student"
	case RoleTeachingAssistant:
		return "teaching-assistant"
	case RoleEditor:
		return "editor"
	case RoleInstructor:
		return "instructor"
	case RoleAdmin:
		return "admin"
	default:
		return "none"
	}
}

// AtLeast reports whether r is o or higher.
func (r Role) AtLeast(o Role) bool {
	return r >= o
}

// Groups lists the platform groups that make up the roles of one course.
type Groups struct {
	Students           string
	TeachingAssistants string
	Editors            string
	Instructors        string
}

// RoleOf returns the highest course role implied by a user's group membership.
func RoleOf(userGroups []string, course Groups, admin bool) Role {
	if admin {
		return RoleAdmin
	}
	role := RoleNone
	for _, g := range userGroups {
		switch {
		case g == "":
			continue
		case g == course.Instructors:
			role = max(role, RoleInstructor)
		case g == course.Editors:
			role = max(role, RoleEditor)
		case g == course.TeachingAssistants:
			role = max(role, RoleTeachingAssistant)
		case g == course.Students:
			role = max(role, RoleStudent)
		}
	}
	return role
}

type Action int

const (
	ActionRead Action = iota
	ActionWrite
)

func (a Action) String() string {
	if a == ActionWrite {
		return "write"
	}
	return "read"
}

// ExamWindow is a student's individual exam working time.
type ExamWindow struct {
	Start       time.Time
	WorkingTime time.Duration
	GracePeriod time.Duration
}

// End returns the last instant at which the student may still push.
func (w ExamWindow) End() time.Time {
	return w.Start.Add(w.WorkingTime + w.GracePeriod)
}

// Window is the time window of an exercise as seen by one participation.
type Window struct {
	Start         *time.Time
	Due           *time.Time
	IndividualDue *time.Time  // overrides Due when set
	Exam          *ExamWindow // set for exam exercises
}

// EffectiveDue returns the due date that applies to the participation.
func (w Window) EffectiveDue() *time.Time {
	if w.IndividualDue != nil {
		return w.IndividualDue
	}
	return w.Due
}

type Request struct {
	Role                 Role
	Kind                 repo.Kind
	Action               Action
	Owner                bool // actor is one of the participation's owners
	ParticipationMissing bool
	TestRun              bool
	OfflineIDEDisabled   bool
	Window               Window
	Now                  time.Time
}

type Reason string

const (
	ReasonNotInCourse         Reason = "You are not a member of this course."
	ReasonContentRepository   Reason = "Students cannot access this repository."
	ReasonWriteRequiresEditor Reason = "Only editors and instructors can push to this repository."
	ReasonNotOwner            Reason = "You are not the owner of this repository."
	ReasonStaffWrite          Reason = "Teaching staff cannot push to a participant's repository."
	ReasonOfflineIDEDisabled  Reason = "Offline IDE access is disabled for this exercise."
	ReasonBeforeStart         Reason = "The exercise has not started yet."
	ReasonAfterDue            Reason = "The due date has passed."
	ReasonOutsideExam         Reason = "The exam working time is not active."
	ReasonPracticeBeforeDue   Reason = "Practice is only possible after the due date."
	ReasonPracticeInExam      Reason = "Practice is not available for exam exercises."
	ReasonNoParticipation     Reason = "No participation exists for this repository."
	ReasonUnknownKind         Reason = "Unknown repository kind."
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Allowed bool
	Reason  Reason // empty when Allowed
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(r Reason) Decision {
	return Decision{Reason: r}
}

// Err converts d to an error. It returns nil when d allows the request,
// an error matching ErrNoParticipation when the participation is missing and
// a *DenyError matching ErrForbidden otherwise.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonNoParticipation:
		return ErrNoParticipation
	default:
		return &DenyError{Reason: d.Reason}
	}
}

type DenyError struct {
	Reason Reason
}

func (e *DenyError) Error() string {
	return "forbidden: " + string(e.Reason)
}

func (e *DenyError) Is(target error) bool {
	return target == ErrForbidden
}

// Evaluate decides req.
func Evaluate(req *Request) Decision {
	switch req.Kind {
	case repo.KindTemplate, repo.KindSolution, repo.KindTests, repo.KindAuxiliary:
		return evaluateContent(req)
	case repo.KindAssignment, repo.KindPractice, repo.KindInstructorAssignment:
		return evaluateParticipation(req)
	default:
		return deny(ReasonUnknownKind)
	}
}

func evaluateContent(req *Request) Decision {
	if req.Role == RoleNone {
		return deny(ReasonNotInCourse)
	}
	if !req.Role.AtLeast(RoleTeachingAssistant) {
		return deny(ReasonContentRepository)
	}
	if req.Action == ActionWrite && !req.Role.AtLeast(RoleEditor) {
		return deny(ReasonWriteRequiresEditor)
	}
	return allow()
}

func evaluateParticipation(req *Request) Decision {
	if req.ParticipationMissing {
		return deny(ReasonNoParticipation)
	}

	if !req.Owner {
		switch {
		case req.Role.AtLeast(RoleTeachingAssistant) && req.Action == ActionRead:
			return allow()
		case req.Role.AtLeast(RoleTeachingAssistant):
			return deny(ReasonStaffWrite)
		case req.Role == RoleNone:
			return deny(ReasonNotInCourse)
		default:
			return deny(ReasonNotOwner)
		}
	}

	// Staff own instructor assignments and test runs, neither is bound to a window.
	if req.Kind == repo.KindInstructorAssignment || req.Role.AtLeast(RoleTeachingAssistant) {
		return allow()
	}

	if req.OfflineIDEDisabled {
		return deny(ReasonOfflineIDEDisabled)
	}

	if req.Kind == repo.KindPractice || req.TestRun {
		return evaluatePractice(req)
	}

	if exam := req.Window.Exam; exam != nil {
		if req.Now.Before(exam.Start) || req.Now.After(exam.End()) {
			return deny(ReasonOutsideExam)
		}
		return allow()
	}

	if req.Action == ActionRead {
		return allow()
	}
	if start := req.Window.Start; start != nil && req.Now.Before(*start) {
		return deny(ReasonBeforeStart)
	}
	if due := req.Window.EffectiveDue(); due != nil && req.Now.After(*due) {
		return deny(ReasonAfterDue)
	}
	return allow()
}

func evaluatePractice(req *Request) Decision {
	if req.Window.Exam != nil {
		return deny(ReasonPracticeInExam)
	}
	if req.Action == ActionRead {
		return allow()
	}
	if due := req.Window.Due; due == nil || !req.Now.After(*due) {
		return deny(ReasonPracticeBeforeDue)
	}
	return allow()
}
