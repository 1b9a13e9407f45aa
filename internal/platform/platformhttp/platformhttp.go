// Package platformhttp talks to the course platform's internal REST API.
package platformhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/repo"
	"github.com/k11v/localci/internal/repoaccess"
)

var (
	_ platform.Directory = (*Client)(nil)
	_ platform.KeyStore  = (*Client)(nil)
	_ platform.Grader    = (*Client)(nil)
)

// Config is parsed with the LOCALCI_PLATFORM_ prefix.
type Config struct {
	URL   string `env:"URL"`   // required, e.g. "http://artemis:8080/api/localci"
	Token string `env:"TOKEN"` // bearer token for the internal API
}

type Client struct {
	BaseURL    *url.URL     // required
	Token      string       // required
	HTTPClient *http.Client // default: client with a 30s timeout
}

func NewClient(conf *Config) (*Client, error) {
	u, err := url.Parse(conf.URL)
	if err != nil {
		return nil, fmt.Errorf("platformhttp.NewClient: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("platformhttp.NewClient: invalid URL %q", conf.URL)
	}
	return &Client{BaseURL: u, Token: conf.Token}, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return &http.Client{Timeout: 30 * time.Second}
	}
	return c.HTTPClient
}

type userResponse struct {
	Login  string   `json:"login"`
	Name   string   `json:"name"`
	Email  string   `json:"email"`
	Groups []string `json:"groups"`
	Admin  bool     `json:"admin"`
}

type exerciseResponse struct {
	ID       int64 `json:"id"`
	CourseID int64 `json:"courseId"`
	Groups   struct {
		Students           string `json:"students"`
		TeachingAssistants string `json:"teachingAssistants"`
		Editors            string `json:"editors"`
		Instructors        string `json:"instructors"`
	} `json:"groups"`
	ProjectKey              string            `json:"projectKey"`
	Title                   string            `json:"title"`
	StartDate               *time.Time        `json:"startDate"`
	DueDate                 *time.Time        `json:"dueDate"`
	Exam                    bool              `json:"exam"`
	AllowOfflineIDE         *bool             `json:"allowOfflineIde"`
	AllowBranching          bool              `json:"allowBranching"`
	BranchRegex             string            `json:"branchRegex"`
	SubmissionLimit         int               `json:"submissionLimit"`
	TemplateParticipationID int64             `json:"templateParticipationId"`
	SolutionParticipationID int64             `json:"solutionParticipationId"`
	Build                   buildConfigFields `json:"build"`
}

type buildConfigFields struct {
	Image                  string                           `json:"image"`
	Script                 string                           `json:"script"`
	ResultsPath            string                           `json:"resultsPath"`
	TimeoutSeconds         int                              `json:"timeoutSeconds"`
	DefaultBranch          string                           `json:"defaultBranch"`
	AssignmentCheckoutPath string                           `json:"assignmentCheckoutPath"`
	TestsCheckoutPath      string                           `json:"testsCheckoutPath"`
	AuxiliaryRepositories  []buildqueue.AuxiliaryRepository `json:"auxiliaryRepositories"`
}

type participationResponse struct {
	ID                int64      `json:"id"`
	ExerciseID        int64      `json:"exerciseId"`
	Owners            []string   `json:"owners"`
	TestRun           bool       `json:"testRun"`
	IndividualDueDate *time.Time `json:"individualDueDate"`
	Exam              *struct {
		Start              time.Time `json:"start"`
		WorkingTimeSeconds int       `json:"workingTimeSeconds"`
		GracePeriodSeconds int       `json:"gracePeriodSeconds"`
	} `json:"exam"`
}

type resultRequest struct {
	JobID           string                `json:"jobId"`
	ParticipationID int64                 `json:"participationId"`
	ExerciseID      int64                 `json:"exerciseId"`
	Repository      string                `json:"repository"`
	CommitHash      string                `json:"commitHash"`
	Commit          *buildqueue.Commit    `json:"commit"`
	Success         bool                  `json:"success"`
	Tests           []buildqueue.TestCase `json:"tests"`
	LogExcerpt      string                `json:"logExcerpt"`
	LogKey          string                `json:"logKey"`
	DurationMillis  int64                 `json:"durationMillis"`
	ParseError      bool                  `json:"parseError"`
	Diagnostic      string                `json:"diagnostic"`
	CompletedAt     time.Time             `json:"completedAt"`
}

func (c *Client) Authenticate(ctx context.Context, login, password string) (*platform.User, error) {
	body := map[string]string{"login": login, "password": password}
	var resp userResponse
	err := c.do(ctx, http.MethodPost, "authenticate", nil, body, &resp)
	if errors.Is(err, errStatusUnauthorized) || errors.Is(err, platform.ErrNotFound) {
		return nil, platform.ErrUnauthorized
	} else if err != nil {
		return nil, fmt.Errorf("platformhttp.Client: %w", err)
	}
	return toUser(&resp), nil
}

func (c *Client) User(ctx context.Context, login string) (*platform.User, error) {
	var resp userResponse
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(login), nil, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("platformhttp.Client: %w", err)
	}
	return toUser(&resp), nil
}

func (c *Client) Exercise(ctx context.Context, projectKey string) (*platform.Exercise, error) {
	var resp exerciseResponse
	err := c.do(ctx, http.MethodGet, "exercises", url.Values{"projectKey": {projectKey}}, nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("platformhttp.Client: %w", err)
	}

	e := &platform.Exercise{
		ID: resp.ID,
		Course: platform.Course{
			ID: resp.CourseID,
			Groups: repoaccess.Groups{
				Students:           resp.Groups.Students,
				TeachingAssistants: resp.Groups.TeachingAssistants,
				Editors:            resp.Groups.Editors,
				Instructors:        resp.Groups.Instructors,
			},
		},
		ProjectKey:              resp.ProjectKey,
		Title:                   resp.Title,
		StartDate:               resp.StartDate,
		DueDate:                 resp.DueDate,
		Exam:                    resp.Exam,
		OfflineIDEDisabled:      resp.AllowOfflineIDE != nil && !*resp.AllowOfflineIDE,
		AllowBranching:          resp.AllowBranching,
		BranchRegex:             resp.BranchRegex,
		SubmissionLimit:         resp.SubmissionLimit,
		TemplateParticipationID: resp.TemplateParticipationID,
		SolutionParticipationID: resp.SolutionParticipationID,
		Build: buildqueue.Config{
			Image:                  resp.Build.Image,
			Script:                 resp.Build.Script,
			ResultsPath:            resp.Build.ResultsPath,
			Timeout:                time.Duration(resp.Build.TimeoutSeconds) * time.Second,
			DefaultBranch:          resp.Build.DefaultBranch,
			AssignmentCheckoutPath: resp.Build.AssignmentCheckoutPath,
			TestsCheckoutPath:      resp.Build.TestsCheckoutPath,
			AuxiliaryRepositories:  resp.Build.AuxiliaryRepositories,
		},
	}
	e.Build = e.BuildConfig()
	return e, nil
}

func (c *Client) Participation(ctx context.Context, exercise *platform.Exercise, id repo.Identity) (*platform.Participation, error) {
	var resp participationResponse
	p := fmt.Sprintf("exercises/%d/participations", exercise.ID)
	err := c.do(ctx, http.MethodGet, p, url.Values{"repository": {id.Slug}}, nil, &resp)
	if errors.Is(err, platform.ErrNotFound) {
		return nil, platform.ErrNoParticipation
	} else if err != nil {
		return nil, fmt.Errorf("platformhttp.Client: %w", err)
	}

	out := &platform.Participation{
		ID:                resp.ID,
		ExerciseID:        resp.ExerciseID,
		Owners:            resp.Owners,
		TestRun:           resp.TestRun,
		IndividualDueDate: resp.IndividualDueDate,
	}
	if resp.Exam != nil {
		out.Exam = &repoaccess.ExamWindow{
			Start:       resp.Exam.Start,
			WorkingTime: time.Duration(resp.Exam.WorkingTimeSeconds) * time.Second,
			GracePeriod: time.Duration(resp.Exam.GracePeriodSeconds) * time.Second,
		}
	}
	return out, nil
}

func (c *Client) PublicKeyFingerprint(ctx context.Context, login string) (string, error) {
	var resp struct {
		Fingerprint string `json:"fingerprint"`
	}
	err := c.do(ctx, http.MethodGet, "users/"+url.PathEscape(login)+"/ssh-key", nil, nil, &resp)
	if err != nil {
		return "", fmt.Errorf("platformhttp.Client: %w", err)
	}
	if resp.Fingerprint == "" {
		return "", platform.ErrNotFound
	}
	return resp.Fingerprint, nil
}

func (c *Client) PublishBuildResult(ctx context.Context, job *buildqueue.Job, result *buildqueue.Result) error {
	req := &resultRequest{
		JobID:           job.ID.String(),
		ParticipationID: job.ParticipationID,
		ExerciseID:      job.ExerciseID,
		Repository:      job.Repository.String(),
		CommitHash:      result.CommitHash,
		Commit:          job.Commit,
		Success:         result.Success,
		Tests:           result.Tests,
		LogExcerpt:      result.LogExcerpt,
		LogKey:          result.LogKey,
		DurationMillis:  result.Duration.Milliseconds(),
		ParseError:      result.ParseError,
		Diagnostic:      result.Diagnostic,
		CompletedAt:     result.CompletedAt,
	}
	if err := c.do(ctx, http.MethodPost, "results", nil, req, nil); err != nil {
		return fmt.Errorf("platformhttp.Client: %w", err)
	}
	return nil
}

var errStatusUnauthorized = errors.New("status 401")

// StatusError is returned for unexpected response statuses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func (c *Client) do(ctx context.Context, method, p string, query url.Values, body, out any) error {
	u := c.BaseURL.JoinPath(p)
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return platform.ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return errStatusUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toUser(r *userResponse) *platform.User {
	return &platform.User{
		Login:  r.Login,
		Name:   r.Name,
		Email:  r.Email,
		Groups: r.Groups,
		Admin:  r.Admin,
	}
}
