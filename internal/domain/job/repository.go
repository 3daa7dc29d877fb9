package job

import "context"

// DeadLetterRepository stores jobs that exhausted their attempts
type DeadLetterRepository interface {
	// Record stores env with the failure reason
	Record(ctx context.Context, env *Envelope, reason string) error

	// List returns the most recent dead letters
	List(ctx context.Context, limit int) ([]*DeadLetter, error)
}
