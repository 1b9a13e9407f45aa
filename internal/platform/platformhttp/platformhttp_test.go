package platformhttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/repo"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(&Config{URL: srv.URL + "/api/localci", Token: "token"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return c
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("didn't want %q", err)
	}
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/localci/authenticate", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["login"] != "student1" || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(t, w, map[string]any{"login": "student1", "groups": []string{"prog1-students"}})
	})
	mux.HandleFunc("GET /api/localci/users/{login}/ssh-key", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("login") != "student1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]any{"fingerprint": "SHA256:abc"})
	})
	mux.HandleFunc("GET /api/localci/exercises", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("projectKey") != "PROG1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]any{
			"id":              7,
			"courseId":        3,
			"groups":          map[string]any{"instructors": "prog1-instructors"},
			"projectKey":      "PROG1",
			"dueDate":         "2024-10-08T08:00:00Z",
			"allowOfflineIde": false,
			"submissionLimit": 2,
			"build":           map[string]any{"image": "maven:3", "timeoutSeconds": 120},
		})
	})
	mux.HandleFunc("GET /api/localci/exercises/7/participations", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("repository") != "prog1-student1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(t, w, map[string]any{
			"id":         11,
			"exerciseId": 7,
			"owners":     []string{"student1"},
			"exam":       map[string]any{"start": "2024-12-01T09:00:00Z", "workingTimeSeconds": 3600},
		})
	})
	var published resultRequest
	mux.HandleFunc("POST /api/localci/results", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&published); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /api/localci/users/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	c := newTestClient(t, mux)

	t.Run("authenticates a user", func(t *testing.T) {
		u, err := c.Authenticate(ctx, "student1", "secret")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if u.Login != "student1" || len(u.Groups) != 1 {
			t.Fatalf("got %+v", u)
		}
	})

	t.Run("doesn't authenticate with a wrong password", func(t *testing.T) {
		_, err := c.Authenticate(ctx, "student1", "wrong")
		if got, want := err, platform.ErrUnauthorized; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("returns an exercise", func(t *testing.T) {
		e, err := c.Exercise(ctx, "PROG1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if e.ID != 7 || e.Course.ID != 3 || e.Course.Groups.Instructors != "prog1-instructors" {
			t.Fatalf("got %+v", e)
		}
		if !e.OfflineIDEDisabled || e.SubmissionLimit != 2 {
			t.Fatalf("got %+v", e)
		}
		if e.Build.Timeout != 2*time.Minute || e.Build.DefaultBranch != platform.DefaultBranch {
			t.Fatalf("got %+v", e.Build)
		}
	})

	t.Run("doesn't return an unknown exercise", func(t *testing.T) {
		_, err := c.Exercise(ctx, "NOPE")
		if got, want := err, platform.ErrNotFound; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("returns a participation", func(t *testing.T) {
		e := &platform.Exercise{ID: 7, ProjectKey: "PROG1"}
		p, err := c.Participation(ctx, e, repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student1", Kind: repo.KindAssignment, Owner: "student1"})
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if p.ID != 11 || !p.IsOwner("student1") {
			t.Fatalf("got %+v", p)
		}
		if p.Exam == nil || p.Exam.WorkingTime != time.Hour {
			t.Fatalf("got %+v", p.Exam)
		}
	})

	t.Run("reports a missing participation", func(t *testing.T) {
		e := &platform.Exercise{ID: 7, ProjectKey: "PROG1"}
		_, err := c.Participation(ctx, e, repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student9", Kind: repo.KindAssignment, Owner: "student9"})
		if got, want := err, platform.ErrNoParticipation; !errors.Is(got, want) {
			t.Fatalf("got %v, want %v", got, want)
		}
	})

	t.Run("returns a key fingerprint", func(t *testing.T) {
		got, err := c.PublicKeyFingerprint(ctx, "student1")
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if want := "SHA256:abc"; got != want {
			t.Fatalf("got %v, want %v", got, want)
		}
		if _, err = c.PublicKeyFingerprint(ctx, "student2"); !errors.Is(err, platform.ErrNotFound) {
			t.Fatalf("got %v, want %v", err, platform.ErrNotFound)
		}
	})

	t.Run("publishes a build result", func(t *testing.T) {
		job := &buildqueue.Job{
			ID:              uuid.New(),
			Repository:      repo.Identity{ProjectKey: "PROG1", Slug: "prog1-student1"},
			ParticipationID: 11,
			ExerciseID:      7,
		}
		result := &buildqueue.Result{
			JobID:      job.ID,
			CommitHash: "abc123",
			Success:    true,
			Tests:      []buildqueue.TestCase{{Name: "a", Passed: true}},
			Duration:   1500 * time.Millisecond,
		}
		if err := c.PublishBuildResult(ctx, job, result); err != nil {
			t.Fatalf("didn't want %q", err)
		}
		if published.JobID != job.ID.String() || published.CommitHash != "abc123" || published.DurationMillis != 1500 {
			t.Fatalf("got %+v", published)
		}
		if published.Repository != "PROG1/prog1-student1" || len(published.Tests) != 1 {
			t.Fatalf("got %+v", published)
		}
	})

	t.Run("returns a status error", func(t *testing.T) {
		_, err := c.User(ctx, "broken")
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError {
			t.Fatalf("got %v, want a status error", err)
		}
	})
}

func TestNewClient(t *testing.T) {
	if _, err := NewClient(&Config{URL: "artemis"}); err == nil {
		t.Fatalf("got nil, want an error")
	}
}
