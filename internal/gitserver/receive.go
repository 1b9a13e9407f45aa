package gitserver

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/k11v/localci/internal/gitrepo"
	"github.com/k11v/localci/internal/pktline"
	"github.com/k11v/localci/internal/platform"
	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/repo"
)

const (
	MessageDelete       = "You cannot delete a branch."
	MessageForcePush    = "You cannot force push."
	MessageOtherBranch  = "You cannot push to a branch other than the default branch."
	MessageLimit        = "The submission limit has been reached."
	messageAtomicFailed = "atomic push failed"
)

// RefError is a ref update rejected before Git runs.
type RefError struct {
	Ref     string
	Message string
}

func (e *RefError) Error() string {
	return e.Ref + ": " + e.Message
}

// checkCommand applies the ref rules that don't need the pushed objects.
// Force pushes are left to Git, see receiveConfig.
func checkCommand(c pktline.Command, exercise *platform.Exercise) *RefError {
	if c.IsDelete() {
		return &RefError{Ref: c.Ref, Message: MessageDelete}
	}
	if c.Ref == "refs/heads/"+exercise.DefaultBranch() {
		return nil
	}
	if branch, ok := strings.CutPrefix(c.Ref, "refs/heads/"); ok && exercise.AllowBranching && exercise.BranchRegex != "" {
		re, err := regexp.Compile("^(?:" + exercise.BranchRegex + ")$")
		if err != nil {
			slog.Warn("invalid branch regex", "project_key", exercise.ProjectKey, "err", err)
		} else if re.MatchString(branch) {
			return nil
		}
	}
	return &RefError{Ref: c.Ref, Message: MessageOtherBranch}
}

// receiveConfig returns the git configuration for pushes to kind.
// Participant repositories keep a linear history, content repositories
// may be rewritten by editors.
func receiveConfig(kind repo.Kind) []string {
	if !kind.HasParticipant() {
		return nil
	}
	return []string{"receive.denyNonFastForwards=true", "receive.denyDeletes=true"}
}

// rewriteMessage replaces the messages of git-receive-pack with ours.
func rewriteMessage(msg string) string {
	switch {
	case strings.Contains(msg, "non-fast-forward"):
		return MessageForcePush
	case strings.Contains(msg, "deletion prohibited"):
		return MessageDelete
	default:
		return msg
	}
}

type receiveParams struct {
	principal *Principal
	target    *target
	protocol  string
}

// receivePack runs one receive-pack request read from r and writes the
// response to w. The refs have been advertised already, over SSH in the same
// session and over smart HTTP in an earlier request.
func (g *Gateway) receivePack(ctx context.Context, params *receiveParams, r io.Reader, w io.Writer) error {
	t := params.target
	log := slog.With("repository", t.id.String(), "login", params.principal.Login())

	br := bufio.NewReaderSize(r, 64*1024)
	req, err := pktline.ReadRequest(pktline.NewReader(br))
	if errors.Is(err, io.EOF) {
		return nil
	} else if err != nil {
		return fmt.Errorf("gitserver.Gateway: %w", err)
	}
	sideBand := req.HasCapability("side-band-64k") || req.HasCapability("side-band")
	reportStatus := req.HasCapability("report-status") || req.HasCapability("report-status-v2")

	writeReport := func(rep *pktline.Report) error {
		if !reportStatus {
			return nil
		}
		if err := pktline.WriteReport(w, rep, sideBand); err != nil {
			return fmt.Errorf("gitserver.Gateway: %w", err)
		}
		return nil
	}

	rejected := make(map[string]string)
	for _, c := range req.Commands {
		if refErr := checkCommand(c, t.exercise); refErr != nil {
			rejected[c.Ref] = refErr.Message
		}
	}
	if len(rejected) > 0 {
		log.Info("rejected push", "refs", rejected)
		return g.reject(req, br, rejected, writeReport)
	}

	rec, err := g.Processor.Reserve(ctx, t.id, t.exercise, params.principal.Login())
	if errors.Is(err, push.ErrLimitExceeded) {
		log.Info("rejected push over the submission limit")
		rejected = make(map[string]string)
		for _, c := range req.Commands {
			rejected[c.Ref] = MessageLimit
		}
		return g.reject(req, br, rejected, writeReport)
	} else if err != nil {
		return fmt.Errorf("gitserver.Gateway: %w", err)
	}

	// Git always reports to us without side-band, the client gets
	// the report in the form it asked for.
	var head bytes.Buffer
	forwarded := req.WithoutCapabilities("side-band-64k", "side-band", "report-status-v2", "report-status")
	forwarded.Capabilities = append(forwarded.Capabilities, "report-status")
	if err = pktline.WriteRequest(pktline.NewWriter(&head), forwarded); err != nil {
		g.Processor.Discard(ctx, rec, err.Error())
		return fmt.Errorf("gitserver.Gateway: %w", err)
	}

	var out bytes.Buffer
	opts := &gitrepo.Options{Config: receiveConfig(t.id.Kind), Protocol: params.protocol}
	err = gitrepo.ServeStateless(ctx, t.dir, gitrepo.ReceivePack, opts, io.MultiReader(&head, br), &out)
	if err != nil && out.Len() == 0 {
		g.Processor.Discard(ctx, rec, "receive-pack failed")
		return fmt.Errorf("gitserver.Gateway: %w", err)
	}

	rep, err := pktline.ReadReport(pktline.NewReader(&out))
	if err != nil {
		g.Processor.Discard(ctx, rec, "receive-pack sent no report")
		return fmt.Errorf("gitserver.Gateway: %w", err)
	}
	for i := range rep.Refs {
		rep.Refs[i].Error = rewriteMessage(rep.Refs[i].Error)
	}

	if c, ok := acceptedUpdate(req.Commands, rep, t.exercise.DefaultBranch()); ok && rep.UnpackError == "" {
		log.Info("accepted push", "push_id", rec.ID, "ref", c.Ref, "commit", c.New)
		g.Processor.Accept(ctx, rec, &push.Event{Repository: t.id, Ref: c.Ref, CommitHash: c.New})
	} else {
		reason := "no ref updated"
		if rep.UnpackError != "" {
			reason = "unpack " + rep.UnpackError
		}
		log.Info("discarded push", "push_id", rec.ID, "reason", reason)
		g.Processor.Discard(ctx, rec, reason)
	}

	return writeReport(rep)
}

// reject consumes the pack of a rejected request and reports rejected,
// every other ref fails with it.
func (g *Gateway) reject(req *pktline.Request, br *bufio.Reader, rejected map[string]string, writeReport func(*pktline.Report) error) error {
	hasPack := false
	for _, c := range req.Commands {
		if !c.IsDelete() {
			hasPack = true
		}
	}
	if hasPack {
		if err := skipPack(br); err != nil {
			return fmt.Errorf("gitserver.Gateway: %w", err)
		}
	}
	rep := &pktline.Report{}
	for _, c := range req.Commands {
		msg, ok := rejected[c.Ref]
		if !ok {
			msg = messageAtomicFailed
		}
		rep.Refs = append(rep.Refs, pktline.RefStatus{Ref: c.Ref, Error: msg})
	}
	return writeReport(rep)
}

// acceptedUpdate returns the update that triggers the build,
// the default branch when it was updated.
func acceptedUpdate(commands []pktline.Command, rep *pktline.Report, defaultBranch string) (pktline.Command, bool) {
	ok := make(map[string]bool, len(rep.Refs))
	for _, s := range rep.Refs {
		ok[s.Ref] = s.OK()
	}
	var found pktline.Command
	var updated bool
	for _, c := range commands {
		if !ok[c.Ref] || c.IsDelete() {
			continue
		}
		if c.Ref == "refs/heads/"+defaultBranch {
			return c, true
		}
		if !updated {
			found, updated = c, true
		}
	}
	return found, updated
}
