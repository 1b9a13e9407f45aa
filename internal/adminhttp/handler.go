package adminhttp

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/k11v/localci/internal/apps3"
	"github.com/k11v/localci/internal/buildqueue"
)

const headerAuthorization = "Authorization"

// LogReader reads archived build logs.
type LogReader interface {
	Download(ctx context.Context, key string, w io.Writer) error
}

type handler struct {
	mux    *http.ServeMux
	log    *slog.Logger
	reader buildqueue.Reader
	logs   LogReader
	key    ed25519.PublicKey
}

func newHandler(log *slog.Logger, reader buildqueue.Reader, logs LogReader, key ed25519.PublicKey, development bool) *handler {
	mux := http.NewServeMux()
	h := &handler{
		mux:    mux,
		log:    log,
		reader: reader,
		logs:   logs,
		key:    key,
	}

	if development {
		mux.Handle("GET /swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))
	}

	mux.HandleFunc("GET /health", h.GetHealth)

	mux.Handle("GET /api/v1/jobs/queued", h.authenticated(h.ListQueuedJobs))
	mux.Handle("GET /api/v1/jobs/running", h.authenticated(h.ListRunningJobs))
	mux.Handle("GET /api/v1/jobs/{id}/result", h.authenticated(h.GetResult))
	mux.Handle("GET /api/v1/jobs/{id}/log", h.authenticated(h.GetLog))
	mux.Handle("GET /api/v1/agents", h.authenticated(h.ListAgents))

	return h
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// GetHealth godoc
//
//	@Summary	Report that the server is up
//	@Tags		health
//	@Produce	json
//	@Success	200	{object}	healthResponse
//	@Router		/health [get]
func (h *handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// ListQueuedJobs godoc
//
//	@Summary	List queued jobs in dequeue order
//	@Tags		jobs
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{array}	JobResponse
//	@Router		/api/v1/jobs/queued [get]
func (h *handler) ListQueuedJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.reader.QueuedJobs(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponses(jobs))
}

// ListRunningJobs godoc
//
//	@Summary	List jobs being processed by agents
//	@Tags		jobs
//	@Produce	json
//	@Security	BearerAuth
//	@Param		courseId	query	int	false	"Course filter"
//	@Success	200	{array}	JobResponse
//	@Router		/api/v1/jobs/running [get]
func (h *handler) ListRunningJobs(w http.ResponseWriter, r *http.Request) {
	// Query courseId
	var courseID *int64
	if values := r.URL.Query()["courseId"]; len(values) > 0 {
		if len(values) > 1 {
			http.Error(w, "multiple courseId request query values", http.StatusUnprocessableEntity)
			return
		}
		id, err := strconv.ParseInt(values[0], 10, 64)
		if err != nil {
			http.Error(w, fmt.Errorf("invalid %q request query value: %w", "courseId", err).Error(), http.StatusUnprocessableEntity)
			return
		}
		courseID = &id
	}

	jobs, err := h.reader.RunningJobs(r.Context(), courseID)
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponses(jobs))
}

// ListAgents godoc
//
//	@Summary	List registered build agents
//	@Tags		agents
//	@Produce	json
//	@Security	BearerAuth
//	@Success	200	{array}	AgentResponse
//	@Router		/api/v1/agents [get]
func (h *handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.reader.Agents(r.Context())
	if err != nil {
		h.internalError(w, err)
		return
	}
	resp := make([]*AgentResponse, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, newAgentResponse(a))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetResult godoc
//
//	@Summary	Get the result of a completed job
//	@Tags		jobs
//	@Produce	json
//	@Security	BearerAuth
//	@Param		id	path		string	true	"Job ID"
//	@Success	200	{object}	ResultResponse
//	@Failure	404	{string}	string
//	@Router		/api/v1/jobs/{id}/result [get]
func (h *handler) GetResult(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDPathValue(w, r)
	if !ok {
		return
	}

	result, err := h.reader.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, buildqueue.ErrNotFound) {
			http.Error(w, "result not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newResultResponse(result))
}

// GetLog godoc
//
//	@Summary	Get the full build log of a completed job
//	@Tags		jobs
//	@Produce	plain
//	@Security	BearerAuth
//	@Param		id	path		string	true	"Job ID"
//	@Success	200	{string}	string
//	@Failure	404	{string}	string
//	@Router		/api/v1/jobs/{id}/log [get]
func (h *handler) GetLog(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDPathValue(w, r)
	if !ok {
		return
	}

	result, err := h.reader.Result(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, buildqueue.ErrNotFound) {
			http.Error(w, "log not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}
	if result.LogKey == "" || h.logs == nil {
		http.Error(w, "log not found", http.StatusNotFound)
		return
	}

	buf := &bytes.Buffer{}
	if err = h.logs.Download(r.Context(), result.LogKey, buf); err != nil {
		if errors.Is(err, apps3.ErrNotFound) {
			http.Error(w, "log not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *handler) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Header Authorization
		if err := checkHeaderCountIsOne(r.Header, headerAuthorization); err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		subject, err := subjectFromAuthorizationHeader(h.key, r.Header.Get(headerAuthorization))
		if err != nil {
			http.Error(w, fmt.Errorf("invalid %s request header: %w", headerAuthorization, err).Error(), http.StatusUnauthorized)
			return
		}
		h.log.Debug("authenticated request", "subject", subject, "path", r.URL.Path)
		next(w, r)
	})
}

func (h *handler) internalError(w http.ResponseWriter, err error) {
	h.log.Error("didn't serve request", "err", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func jobIDPathValue(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, fmt.Errorf("invalid %q request path value: %w", "id", err).Error(), http.StatusUnprocessableEntity)
		return uuid.UUID{}, false
	}
	return jobID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
}

func checkHeaderCountIsOne(header http.Header, key string) error {
	if got, want := len(header.Values(key)), 1; got != want {
		if got == 0 {
			return fmt.Errorf("missing %s request header", key)
		} else {
			return fmt.Errorf("multiple %s request headers", key)
		}
	}
	return nil
}

// subjectFromAuthorizationHeader.
// It doesn't check for missing header or multiple headers.
func subjectFromAuthorizationHeader(key ed25519.PublicKey, h string) (string, error) {
	scheme, params, _ := strings.Cut(h, " ")

	if scheme == "" {
		return "", errors.New("no scheme")
	}

	if got, want := scheme, "Bearer"; !strings.EqualFold(got, want) {
		return "", fmt.Errorf("got unsupported scheme %q, want %q", got, want)
	}

	subject, err := parseToken(key, params)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	return subject, nil
}

type healthResponse struct {
	Status string `json:"status"`
}

type JobResponse struct {
	ID              uuid.UUID  `json:"id"`
	ProjectKey      string     `json:"projectKey"`
	RepositorySlug  string     `json:"repositorySlug"`
	RepositoryKind  string     `json:"repositoryKind"`
	CommitHash      string     `json:"commitHash"`
	ExerciseID      int64      `json:"exerciseId"`
	CourseID        int64      `json:"courseId"`
	ParticipationID int64      `json:"participationId"`
	Priority        int        `json:"priority"`
	RetryCount      int        `json:"retryCount"`
	Status          string     `json:"status"`
	AgentName       string     `json:"agentName,omitempty"`
	Image           string     `json:"image"`
	EnqueuedAt      time.Time  `json:"enqueuedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
}

func newJobResponses(jobs []*buildqueue.Job) []*JobResponse {
	resp := make([]*JobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, &JobResponse{
			ID:              j.ID,
			ProjectKey:      j.Repository.ProjectKey,
			RepositorySlug:  j.Repository.Slug,
			RepositoryKind:  string(j.Repository.Kind),
			CommitHash:      j.CommitHash,
			ExerciseID:      j.ExerciseID,
			CourseID:        j.CourseID,
			ParticipationID: j.ParticipationID,
			Priority:        j.Priority,
			RetryCount:      j.RetryCount,
			Status:          string(j.Status),
			AgentName:       j.AgentName,
			Image:           j.Config.Image,
			EnqueuedAt:      j.EnqueuedAt,
			StartedAt:       j.StartedAt,
		})
	}
	return resp
}

type AgentResponse struct {
	Name          string      `json:"name"`
	Address       string      `json:"address"`
	TotalCapacity int         `json:"totalCapacity"`
	UsedCapacity  int         `json:"usedCapacity"`
	RunningJobIDs []uuid.UUID `json:"runningJobIds"`
	LastHeartbeat time.Time   `json:"lastHeartbeat"`
}

func newAgentResponse(a *buildqueue.Agent) *AgentResponse {
	ids := a.RunningJobIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return &AgentResponse{
		Name:          a.Name,
		Address:       a.Address,
		TotalCapacity: a.TotalCapacity,
		UsedCapacity:  a.UsedCapacity,
		RunningJobIDs: ids,
		LastHeartbeat: a.LastHeartbeat,
	}
}

type ResultResponse struct {
	JobID       uuid.UUID             `json:"jobId"`
	CommitHash  string                `json:"commitHash"`
	Success     bool                  `json:"success"`
	Passed      int                   `json:"passed"`
	Failed      int                   `json:"failed"`
	Tests       []buildqueue.TestCase `json:"tests"`
	LogExcerpt  string                `json:"logExcerpt"`
	HasLog      bool                  `json:"hasLog"`
	DurationMS  int64                 `json:"durationMs"`
	ParseError  bool                  `json:"parseError"`
	Diagnostic  string                `json:"diagnostic,omitempty"`
	CompletedAt time.Time             `json:"completedAt"`
	DeliveredAt *time.Time            `json:"deliveredAt,omitempty"`
}

func newResultResponse(r *buildqueue.Result) *ResultResponse {
	tests := r.Tests
	if tests == nil {
		tests = []buildqueue.TestCase{}
	}
	return &ResultResponse{
		JobID:       r.JobID,
		CommitHash:  r.CommitHash,
		Success:     r.Success,
		Passed:      r.Passed(),
		Failed:      r.Failed(),
		Tests:       tests,
		LogExcerpt:  r.LogExcerpt,
		HasLog:      r.LogKey != "",
		DurationMS:  r.Duration.Milliseconds(),
		ParseError:  r.ParseError,
		Diagnostic:  r.Diagnostic,
		CompletedAt: r.CompletedAt,
		DeliveredAt: r.DeliveredAt,
	}
}
