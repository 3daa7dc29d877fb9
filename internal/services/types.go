package services

import (
	"context"
	"time"

	"github.com/pratik-mahalle/fleetpulse/internal/domain/job"
)

// Clock abstracts wall-clock time so cycles and windows can be tested
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the UTC wall clock
func SystemClock() Clock { return systemClock{} }

// Enqueuer places a typed job on its lane. Implemented by worker.Router.
type Enqueuer interface {
	Enqueue(ctx context.Context, j job.Job, cycleID uint64) error
}
