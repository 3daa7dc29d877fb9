package alert

import (
	"context"
	"time"
)

// Repository defines the interface for alert instance storage
type Repository interface {
	// CreateIfAbsent inserts inst unless an active instance already exists
	// for (DeviceID, RuleID). It reports whether a row was inserted.
	CreateIfAbsent(ctx context.Context, inst *Instance) (bool, error)

	// Resolve marks an active instance resolved. It reports whether a row changed.
	Resolve(ctx context.Context, id string, at time.Time, reason string) (bool, error)

	// Get retrieves an instance by id
	Get(ctx context.Context, id string) (*Instance, error)

	// ActiveForDevice lists the active instances of one device
	ActiveForDevice(ctx context.Context, deviceID string) ([]*Instance, error)

	// List retrieves instances with filters, newest first
	List(ctx context.Context, filter Filter) ([]*Instance, error)

	// PruneResolved deletes instances resolved before the cutoff
	PruneResolved(ctx context.Context, before time.Time) (int64, error)
}

// RuleRepository is the rule store
type RuleRepository interface {
	// ListEnabled returns enabled rules ordered by priority
	ListEnabled(ctx context.Context) ([]Rule, error)

	// Upsert creates or replaces a rule
	Upsert(ctx context.Context, r Rule) error

	// Delete removes a rule
	Delete(ctx context.Context, id string) error
}
