// Package gitserver is the Git gateway. It serves bare repositories over
// smart HTTP and SSH, authenticates callers, evaluates the access policy on
// every request and hands accepted pushes to the push processor.
package gitserver

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repo"
	"github.com/k11v/localci/internal/repoaccess"
)

var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Principal is an authenticated caller.
type Principal struct {
	User  *platform.User // nil for the build agent
	Agent bool
}

func (p *Principal) Login() string {
	if p.Agent {
		return "build-agent"
	}
	return p.User.Login
}

type Gateway struct {
	Directory     platform.Directory // required
	Processor     *push.Processor    // required
	BaseDir       string             // required
	AgentUser     string
	AgentPassword string
	Now           func() time.Time // default: time.Now
}

func (g *Gateway) now() time.Time {
	if g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

// AuthenticatePassword authenticates HTTP basic credentials.
func (g *Gateway) AuthenticatePassword(ctx context.Context, login, password string) (*Principal, error) {
	if g.AgentUser != "" && login == g.AgentUser {
		if subtle.ConstantTimeCompare([]byte(password), []byte(g.AgentPassword)) != 1 {
			return nil, ErrUnauthorized
		}
		return &Principal{Agent: true}, nil
	}
	u, err := g.Directory.Authenticate(ctx, login, password)
	if errors.Is(err, platform.ErrUnauthorized) || errors.Is(err, platform.ErrNotFound) {
		return nil, ErrUnauthorized
	} else if err != nil {
		return nil, fmt.Errorf("gitserver.Gateway: %w", err)
	}
	return &Principal{User: u}, nil
}

// target is a repository the caller is allowed to access.
type target struct {
	id            repo.Identity
	exercise      *platform.Exercise
	participation *platform.Participation // nil for content repositories
	dir           string
}

// authorize resolves p and evaluates the access policy for principal.
// The decision is never cached, every request is evaluated at its own time.
//
// It returns ErrRepositoryNotFound for unknown repositories, an error matching
// repoaccess.ErrForbidden for denied requests, push.ErrLimitExceeded for pushes
// over the submission limit and platform.ErrNoParticipation when the platform
// is inconsistent.
func (g *Gateway) authorize(ctx context.Context, principal *Principal, p string, service gitrepo.Service) (*target, error) {
	id, err := repo.ParsePath(p)
	if err != nil {
		return nil, ErrRepositoryNotFound
	}
	exercise, err := g.Directory.Exercise(ctx, id.ProjectKey)
	if errors.Is(err, platform.ErrNotFound) {
		return nil, ErrRepositoryNotFound
	} else if err != nil {
		return nil, fmt.Errorf("gitserver.Gateway: %w", err)
	}
	id = id.Refine(exercise.AuxiliaryNames(), false)
	t := &target{id: id, exercise: exercise, dir: id.Dir(g.BaseDir)}

	action := repoaccess.ActionRead
	if service == gitrepo.ReceivePack {
		action = repoaccess.ActionWrite
	}

	if principal.Agent {
		if action != repoaccess.ActionRead {
			return nil, &repoaccess.DenyError{Reason: "The build agent cannot push."}
		}
		if !gitrepo.Exists(t.dir) {
			return nil, ErrRepositoryNotFound
		}
		return t, nil
	}

	role := repoaccess.RoleOf(principal.User.Groups, exercise.Course.Groups, principal.User.Admin)
	req := &repoaccess.Request{
		Role:               role,
		Kind:               id.Kind,
		Action:             action,
		OfflineIDEDisabled: exercise.OfflineIDEDisabled,
		Now:                g.now(),
	}
	if id.Kind.HasParticipant() {
		participation, err := g.Directory.Participation(ctx, exercise, id)
		switch {
		case errors.Is(err, platform.ErrNoParticipation):
			req.ParticipationMissing = true
		case err != nil:
			return nil, fmt.Errorf("gitserver.Gateway: %w", err)
		default:
			t.participation = participation
			if id.Kind == repo.KindAssignment && participation.TestRun && role.AtLeast(repoaccess.RoleTeachingAssistant) {
				t.id.Kind = repo.KindInstructorAssignment
				req.Kind = t.id.Kind
			}
			req.Owner = participation.IsOwner(principal.User.Login)
			req.TestRun = participation.TestRun
			req.Window = participation.Window(exercise)
		}
	}

	if err = repoaccess.Evaluate(req).Err(); err != nil {
		if errors.Is(err, repoaccess.ErrNoParticipation) {
			return nil, platform.ErrNoParticipation
		}
		return nil, err
	}

	if action == repoaccess.ActionWrite {
		if err = g.Processor.CheckLimit(ctx, t.id, exercise); err != nil {
			return nil, err
		}
	}

	if err = gitrepo.Init(ctx, t.dir, exercise.DefaultBranch()); err != nil {
		return nil, fmt.Errorf("gitserver.Gateway: %w", err)
	}
	return t, nil
}

// logAuthorizeError logs errors that aren't a legitimate access decision.
func logAuthorizeError(log *slog.Logger, p string, principal *Principal, err error) {
	switch {
	case errors.Is(err, platform.ErrNoParticipation):
		log.Error("repository has no participation", "path", p, "login", principal.Login(), "err", err)
	case errors.Is(err, ErrRepositoryNotFound),
		errors.Is(err, repoaccess.ErrForbidden),
		errors.Is(err, push.ErrLimitExceeded):
		log.Info("denied repository access", "path", p, "login", principal.Login(), "err", err)
	default:
		log.Error("didn't authorize repository access", "path", p, "login", principal.Login(), "err", err)
	}
}
