package pushmem

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/k11v/localci/internal/push"
	"github.com/k11v/localci/internal/push/pushtest"
)

func TestRecords(t *testing.T) {
	pushtest.Run(t, func(t *testing.T, ctx context.Context) (push.Records, func() uuid.UUID) {
		return New(), uuid.New
	})
}
