// Package resultprocessor hands stored build results to the grading collaborator.
// Every result is delivered once: notifications trigger delivery right away
// and a periodic sweep picks up whatever notifications missed.
package resultprocessor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/buildqueue"
	"github.com/k11v/localci/internal/platform"
)

// Consumer calls fn for every stored-result notification until ctx is done.
type Consumer interface {
	ConsumeResults(ctx context.Context, fn func(ctx context.Context, jobID uuid.UUID) error) error
}

type Processor struct {
	Outbox        buildqueue.Outbox // required
	Grader        platform.Grader   // required
	SweepInterval time.Duration     // default: 30s
	SweepSize     int               // default: 100
}

func (p *Processor) sweepInterval() time.Duration {
	if p.SweepInterval == 0 {
		return 30 * time.Second
	}
	return p.SweepInterval
}

func (p *Processor) sweepSize() int {
	if p.SweepSize == 0 {
		return 100
	}
	return p.SweepSize
}

// Deliver publishes the result of jobID. A result that was delivered
// already is skipped.
func (p *Processor) Deliver(ctx context.Context, jobID uuid.UUID) error {
	_, err := p.deliver(ctx, jobID)
	return err
}

// deliver reports whether this call published the result.
func (p *Processor) deliver(ctx context.Context, jobID uuid.UUID) (bool, error) {
	err := p.Outbox.Deliver(ctx, jobID, func(ctx context.Context, job *buildqueue.Job, result *buildqueue.Result) error {
		return p.Grader.PublishBuildResult(ctx, job, result)
	})
	if errors.Is(err, buildqueue.ErrDelivered) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resultprocessor.Processor: %w", err)
	}
	slog.Info("delivered result", "job_id", jobID)
	return true, nil
}

// Sweep delivers undelivered results and returns how many it delivered.
// Results delivered meanwhile by a notification aren't counted.
func (p *Processor) Sweep(ctx context.Context) (int, error) {
	ids, err := p.Outbox.Undelivered(ctx, p.sweepSize())
	if err != nil {
		return 0, fmt.Errorf("resultprocessor.Processor: %w", err)
	}
	n := 0
	var errs []error
	for _, id := range ids {
		delivered, err := p.deliver(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if delivered {
			n++
		}
	}
	return n, errors.Join(errs...)
}

// Run delivers results until ctx is done. consumer may be nil, then only
// the sweep delivers.
func (p *Processor) Run(ctx context.Context, consumer Consumer) error {
	var wg sync.WaitGroup
	if consumer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = consumer.ConsumeResults(ctx, p.Deliver)
		}()
	}
	defer wg.Wait()

	t := time.NewTicker(p.sweepInterval())
	defer t.Stop()
	for {
		if n, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("didn't deliver results", "delivered", n, "err", err)
		} else if n > 0 {
			slog.Info("swept results", "delivered", n)
		}
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
