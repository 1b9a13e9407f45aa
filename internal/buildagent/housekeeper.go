package buildagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
)

// JobReader looks up jobs in the shared store.
type JobReader interface {
	Job(ctx context.Context, id uuid.UUID) (*buildqueue.Job, error)
}

// Housekeeper removes orphaned build containers and unused build images.
// Agents may share a Docker host, so a container of another agent is only
// removed when Jobs no longer reports its job as processing.
type Housekeeper struct {
	Runtime        Runtime           // required
	Images         buildqueue.Images // optional, images are kept without it
	Jobs           JobReader         // optional, other agents' containers are kept without it
	AgentName      string
	StaleAge       time.Duration // default: 5m
	ImageRetention time.Duration // default: 168h
	// Active returns the jobs this agent is executing.
	Active func() []*buildqueue.Job
	Now    func() time.Time
}

func (h *Housekeeper) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Housekeeper) active() []*buildqueue.Job {
	if h.Active == nil {
		return nil
	}
	return h.Active()
}

// Run removes orphaned containers and unused images once.
func (h *Housekeeper) Run(ctx context.Context) error {
	if _, err := h.RemoveOrphans(ctx); err != nil {
		return err
	}
	if _, err := h.RemoveUnusedImages(ctx); err != nil {
		return err
	}
	return nil
}

// RemoveOrphans removes build containers older than the stale age
// that belong to no active job of any agent.
func (h *Housekeeper) RemoveOrphans(ctx context.Context) ([]string, error) {
	staleAge := h.StaleAge
	if staleAge == 0 {
		staleAge = 5 * time.Minute
	}

	containers, err := h.Runtime.Containers(ctx)
	if err != nil {
		return nil, fmt.Errorf("buildagent.Housekeeper: %w", err)
	}
	active := make(map[uuid.UUID]struct{})
	for _, j := range h.active() {
		active[j.ID] = struct{}{}
	}

	deadline := h.now().Add(-staleAge)
	var removed []string
	for _, c := range containers {
		if _, ok := active[c.JobID]; ok || !c.Created.Before(deadline) {
			continue
		}
		if c.AgentName != h.AgentName && h.processedElsewhere(ctx, c) {
			continue
		}
		slog.Info("removing orphaned container", "name", c.Name, "created", c.Created)
		if err = h.Runtime.Stop(ctx, c.ID); err != nil {
			slog.Error("didn't stop container", "name", c.Name, "err", err)
		}
		if err = h.Runtime.Remove(ctx, c.ID); err != nil {
			slog.Error("didn't remove container", "name", c.Name, "err", err)
			continue
		}
		removed = append(removed, c.Name)
	}
	return removed, nil
}

// processedElsewhere reports whether the job of c is processed by another agent.
// When in doubt it reports true.
func (h *Housekeeper) processedElsewhere(ctx context.Context, c *Container) bool {
	if h.Jobs == nil || c.JobID == uuid.Nil {
		return h.Jobs == nil
	}
	job, err := h.Jobs.Job(ctx, c.JobID)
	if errors.Is(err, buildqueue.ErrNotFound) {
		return false
	}
	if err != nil {
		slog.Error("didn't look up job of container", "name", c.Name, "err", err)
		return true
	}
	return job.Status == buildqueue.StatusProcessing && job.AgentName != h.AgentName
}

// RemoveUnusedImages removes build images this agent hasn't used within the
// retention window, unless an active job uses them.
func (h *Housekeeper) RemoveUnusedImages(ctx context.Context) ([]string, error) {
	if h.Images == nil {
		return nil, nil
	}
	retention := h.ImageRetention
	if retention == 0 {
		retention = 7 * 24 * time.Hour
	}

	images, err := h.Images.ImagesUnusedSince(ctx, h.AgentName, h.now().Add(-retention))
	if err != nil {
		return nil, fmt.Errorf("buildagent.Housekeeper: %w", err)
	}
	inUse := make(map[string]struct{})
	for _, j := range h.active() {
		inUse[j.Config.Image] = struct{}{}
	}

	var removed []string
	for _, image := range images {
		if _, ok := inUse[image]; ok {
			continue
		}
		slog.Info("removing unused image", "image", image)
		if err = h.Runtime.RemoveImage(ctx, image); err != nil {
			slog.Error("didn't remove image", "image", image, "err", err)
			continue
		}
		if err = h.Images.ForgetImage(ctx, h.AgentName, image); err != nil {
			return removed, fmt.Errorf("buildagent.Housekeeper: %w", err)
		}
		removed = append(removed, image)
	}
	return removed, nil
}
