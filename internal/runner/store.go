package runner

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no runner matches the lookup.
	ErrNotFound = errors.New("runner not found")

	// ErrNameTaken is returned when a non-terminal runner already uses the
	// requested name.
	ErrNameTaken = errors.New("runner name already in use")
)

// Store persists runner records. Implementations hold no business logic.
type Store interface {
	// Create inserts a new runner. It returns ErrNameTaken if another
	// non-terminal runner has the same name.
	Create(ctx context.Context, r *Runner) error

	GetByID(ctx context.Context, id string) (*Runner, error)

	// GetByName looks a runner up by name. With activeOnly set only
	// non-terminal runners are considered; otherwise the most recently
	// created runner with that name is returned.
	GetByName(ctx context.Context, name string, activeOnly bool) (*Runner, error)

	// ListByOwner lists the runners owned by subject, newest first.
	ListByOwner(ctx context.Context, subject Subject, activeOnly bool) ([]*Runner, error)

	// ListNonTerminal lists every runner whose status is not deleted.
	ListNonTerminal(ctx context.Context) ([]*Runner, error)

	// Update reads the runner with id, passes it to fn and persists the
	// result, all as one unit of work. If fn returns an error nothing is
	// written and the error is returned.
	Update(ctx context.Context, id string, fn func(*Runner) error) (*Runner, error)

	CountNonTerminalByOwner(ctx context.Context, subject Subject) (int, error)
}
