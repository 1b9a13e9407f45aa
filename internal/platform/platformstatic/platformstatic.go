// Package platformstatic is a platform read from a YAML file.
// It suits development setups and end-to-end tests. Results are only logged.
package platformstatic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/repo"
	"github.com/k11v/localci/internal/repoaccess"
)

var (
	_ platform.Directory = (*Directory)(nil)
	_ platform.KeyStore  = (*Directory)(nil)
	_ platform.Grader    = (*Directory)(nil)
)

type file struct {
	Users   []userEntry   `yaml:"users"`
	Courses []courseEntry `yaml:"courses"`
}

type userEntry struct {
	Login        string   `yaml:"login"`
	Name         string   `yaml:"name"`
	Email        string   `yaml:"email"`
	PasswordHash string   `yaml:"passwordHash"` // bcrypt
	Groups       []string `yaml:"groups"`
	Admin        bool     `yaml:"admin"`
	PublicKey    string   `yaml:"publicKey"` // authorized_keys format
}

type courseEntry struct {
	ID        int64           `yaml:"id"`
	Groups    groupsEntry     `yaml:"groups"`
	Exercises []exerciseEntry `yaml:"exercises"`
}

type groupsEntry struct {
	Students           string `yaml:"students"`
	TeachingAssistants string `yaml:"teachingAssistants"`
	Editors            string `yaml:"editors"`
	Instructors        string `yaml:"instructors"`
}

type exerciseEntry struct {
	ID                      int64                `yaml:"id"`
	ProjectKey              string               `yaml:"projectKey"`
	Title                   string               `yaml:"title"`
	StartDate               *time.Time           `yaml:"startDate"`
	DueDate                 *time.Time           `yaml:"dueDate"`
	Exam                    bool                 `yaml:"exam"`
	OfflineIDEDisabled      bool                 `yaml:"offlineIdeDisabled"`
	AllowBranching          bool                 `yaml:"allowBranching"`
	BranchRegex             string               `yaml:"branchRegex"`
	SubmissionLimit         int                  `yaml:"submissionLimit"`
	TemplateParticipationID int64                `yaml:"templateParticipationId"`
	SolutionParticipationID int64                `yaml:"solutionParticipationId"`
	Build                   buildqueue.Config    `yaml:"build"`
	Participations          []participationEntry `yaml:"participations"`
}

type participationEntry struct {
	ID                int64      `yaml:"id"`
	Owners            []string   `yaml:"owners"`
	Team              string     `yaml:"team"` // short name used in the repository slug
	Practice          bool       `yaml:"practice"`
	TestRun           bool       `yaml:"testRun"`
	IndividualDueDate *time.Time `yaml:"individualDueDate"`
	Exam              *examEntry `yaml:"exam"`
}

type examEntry struct {
	Start       time.Time     `yaml:"start"`
	WorkingTime time.Duration `yaml:"workingTime"`
	GracePeriod time.Duration `yaml:"gracePeriod"`
}

type exerciseRecord struct {
	exercise       platform.Exercise
	participations []participationEntry
}

type Directory struct {
	users        map[string]*userEntry
	fingerprints map[string]string
	exercises    map[string]*exerciseRecord
}

// Load reads a directory from the YAML file at name.
func Load(name string) (*Directory, error) {
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("platformstatic.Load: %w", err)
	}
	d, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("platformstatic.Load: %w", err)
	}
	return d, nil
}

func Parse(data []byte) (*Directory, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	d := &Directory{
		users:        make(map[string]*userEntry),
		fingerprints: make(map[string]string),
		exercises:    make(map[string]*exerciseRecord),
	}
	for i := range f.Users {
		u := &f.Users[i]
		if u.Login == "" {
			return nil, fmt.Errorf("user %d: empty login", i)
		}
		d.users[u.Login] = u
		if u.PublicKey != "" {
			key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(u.PublicKey))
			if err != nil {
				return nil, fmt.Errorf("user %s: %w", u.Login, err)
			}
			d.fingerprints[u.Login] = ssh.FingerprintSHA256(key)
		}
	}
	for _, c := range f.Courses {
		course := platform.Course{
			ID: c.ID,
			Groups: repoaccess.Groups{
				Students:           c.Groups.Students,
				TeachingAssistants: c.Groups.TeachingAssistants,
				Editors:            c.Groups.Editors,
				Instructors:        c.Groups.Instructors,
			},
		}
		for _, e := range c.Exercises {
			if _, err := repo.Parse(e.ProjectKey, repo.Slug(e.ProjectKey, "exercise")); err != nil {
				return nil, fmt.Errorf("exercise %d: %w", e.ID, err)
			}
			d.exercises[e.ProjectKey] = &exerciseRecord{
				exercise: platform.Exercise{
					ID:                      e.ID,
					Course:                  course,
					ProjectKey:              e.ProjectKey,
					Title:                   e.Title,
					StartDate:               e.StartDate,
					DueDate:                 e.DueDate,
					Exam:                    e.Exam,
					OfflineIDEDisabled:      e.OfflineIDEDisabled,
					AllowBranching:          e.AllowBranching,
					BranchRegex:             e.BranchRegex,
					SubmissionLimit:         e.SubmissionLimit,
					TemplateParticipationID: e.TemplateParticipationID,
					SolutionParticipationID: e.SolutionParticipationID,
					Build:                   e.Build,
				},
				participations: e.Participations,
			}
		}
	}
	return d, nil
}

func (d *Directory) Authenticate(ctx context.Context, login, password string) (*platform.User, error) {
	u, ok := d.users[login]
	if !ok || u.PasswordHash == "" {
		return nil, platform.ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, platform.ErrUnauthorized
	}
	return toUser(u), nil
}

func (d *Directory) User(ctx context.Context, login string) (*platform.User, error) {
	u, ok := d.users[login]
	if !ok {
		return nil, platform.ErrNotFound
	}
	return toUser(u), nil
}

func (d *Directory) Exercise(ctx context.Context, projectKey string) (*platform.Exercise, error) {
	r, ok := d.exercises[projectKey]
	if !ok {
		return nil, platform.ErrNotFound
	}
	e := r.exercise
	e.Build = r.exercise.BuildConfig()
	return &e, nil
}

func (d *Directory) Participation(ctx context.Context, exercise *platform.Exercise, id repo.Identity) (*platform.Participation, error) {
	r, ok := d.exercises[exercise.ProjectKey]
	if !ok {
		return nil, platform.ErrNoParticipation
	}

	switch id.Kind {
	case repo.KindTemplate:
		if r.exercise.TemplateParticipationID == 0 {
			return nil, platform.ErrNoParticipation
		}
		return &platform.Participation{ID: r.exercise.TemplateParticipationID, ExerciseID: exercise.ID}, nil
	case repo.KindSolution:
		if r.exercise.SolutionParticipationID == 0 {
			return nil, platform.ErrNoParticipation
		}
		return &platform.Participation{ID: r.exercise.SolutionParticipationID, ExerciseID: exercise.ID}, nil
	case repo.KindPractice:
		for _, p := range r.participations {
			if p.Practice && slices.Contains(p.Owners, id.Owner) {
				return toParticipation(&p, exercise.ID), nil
			}
		}
	case repo.KindAssignment, repo.KindInstructorAssignment:
		for _, p := range r.participations {
			if p.Practice {
				continue
			}
			if p.Team != "" && p.Team == id.Owner || p.Team == "" && slices.Contains(p.Owners, id.Owner) {
				return toParticipation(&p, exercise.ID), nil
			}
		}
	}
	return nil, platform.ErrNoParticipation
}

func (d *Directory) PublicKeyFingerprint(ctx context.Context, login string) (string, error) {
	fp, ok := d.fingerprints[login]
	if !ok {
		return "", platform.ErrNotFound
	}
	return fp, nil
}

// PublishBuildResult logs the result.
func (d *Directory) PublishBuildResult(ctx context.Context, job *buildqueue.Job, result *buildqueue.Result) error {
	slog.Info(
		"published build result",
		"job_id", job.ID,
		"repository", job.Repository.String(),
		"participation_id", job.ParticipationID,
		"commit", result.CommitHash,
		"success", result.Success,
		"passed", result.Passed(),
		"failed", result.Failed(),
	)
	return nil
}

func toUser(u *userEntry) *platform.User {
	return &platform.User{
		Login:  u.Login,
		Name:   u.Name,
		Email:  u.Email,
		Groups: slices.Clone(u.Groups),
		Admin:  u.Admin,
	}
}

func toParticipation(p *participationEntry, exerciseID int64) *platform.Participation {
	out := &platform.Participation{
		ID:                p.ID,
		ExerciseID:        exerciseID,
		Owners:            slices.Clone(p.Owners),
		TestRun:           p.TestRun || p.Practice,
		IndividualDueDate: p.IndividualDueDate,
	}
	if p.Exam != nil {
		out.Exam = &repoaccess.ExamWindow{
			Start:       p.Exam.Start,
			WorkingTime: p.Exam.WorkingTime,
			GracePeriod: p.Exam.GracePeriod,
		}
	}
	return out
}
