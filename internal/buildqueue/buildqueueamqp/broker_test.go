package buildqueueamqp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/amqputil/amqputiltest"
)

func TestBroker(t *testing.T) {
	if testing.Short() {
		t.Skip("starts RabbitMQ")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	broker := NewBroker(amqputiltest.NewTestBroker(t, ctx))

	t.Run("wakes up job watchers", func(t *testing.T) {
		watchCtx, stop := context.WithCancel(ctx)
		defer stop()

		woken := make(chan struct{}, 1)
		done := make(chan error, 1)
		go func() {
			done <- broker.WatchJobs(watchCtx, func() {
				select {
				case woken <- struct{}{}:
				default:
				}
			})
		}()

		// The watcher's queue is bound asynchronously, publish until it hears one.
		tick := time.NewTicker(100 * time.Millisecond)
		defer tick.Stop()
	loop:
		for {
			if err := broker.JobQueued(ctx); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			select {
			case <-woken:
				break loop
			case <-tick.C:
			case <-ctx.Done():
				t.Fatalf("didn't want %q", ctx.Err())
			}
		}

		stop()
		if err := <-done; !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v, want %v", err, context.Canceled)
		}
	})

	t.Run("delivers stored results", func(t *testing.T) {
		consumeCtx, stop := context.WithCancel(ctx)
		defer stop()

		jobID := uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000")
		if err := broker.ResultStored(ctx, jobID); err != nil {
			t.Fatalf("didn't want %q", err)
		}

		got := make(chan uuid.UUID, 1)
		go func() {
			_ = broker.ConsumeResults(consumeCtx, func(ctx context.Context, id uuid.UUID) error {
				got <- id
				return nil
			})
		}()

		select {
		case id := <-got:
			if id != jobID {
				t.Fatalf("got %s, want %s", id, jobID)
			}
		case <-ctx.Done():
			t.Fatalf("didn't want %q", ctx.Err())
		}
	})
}

func TestDecodeResultStored(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"decodes a job id", `{"jobId":"aaaaaaaa-0000-0000-0000-000000000000"}`, false},
		{"rejects a missing job id", `{}`, true},
		{"rejects several values", `{"jobId":"aaaaaaaa-0000-0000-0000-000000000000"} {}`, true},
		{"rejects invalid json", `{`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeResultStored([]byte(tt.body))
			if gotErr := err != nil; gotErr != tt.wantErr {
				t.Fatalf("got error %v, want error %v", err, tt.wantErr)
			}
		})
	}
}
