package podflow

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Collaborator is an external service used by stage handlers, such as a
// language model, a search API, or a speech synthesizer. Failures should be
// returned as *Error so that the stage runner can decide between retrying
// and degrading. Errors of any other type are classified by ClassifyError.
type Collaborator interface {
	// Name identifies the collaborator in logs and error records.
	Name() string

	// Invoke performs a single operation. The expected input and output
	// types depend on the operation.
	Invoke(ctx context.Context, operation string, input any) (any, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, operation string, input any) (any, error)

type namedCollaboratorFunc struct {
	name string
	fn   CollaboratorFunc
}

func (c *namedCollaboratorFunc) Name() string {
	return c.name
}

func (c *namedCollaboratorFunc) Invoke(ctx context.Context, operation string, input any) (any, error) {
	return c.fn(ctx, operation, input)
}

// NewCollaborator returns a named Collaborator backed by fn.
func NewCollaborator(name string, fn CollaboratorFunc) Collaborator {
	return &namedCollaboratorFunc{name: name, fn: fn}
}

// Call invokes the operation and asserts the result type. A result of the
// wrong type is reported as a stage contract violation.
func Call[O any](ctx context.Context, c Collaborator, operation string, input any) (O, error) {
	var zero O
	if c == nil {
		return zero, NewError(ErrorKindUnavailable, fmt.Sprintf("no collaborator configured for %q", operation))
	}
	result, err := c.Invoke(ctx, operation, input)
	if err != nil {
		classified := ClassifyError(err)
		if classified.Operation == "" {
			copied := *classified
			copied.Operation = c.Name() + "." + operation
			return zero, &copied
		}
		return zero, classified
	}
	typed, ok := result.(O)
	if !ok {
		return zero, &Error{
			Kind:      ErrorKindStageContractViolation,
			Operation: c.Name() + "." + operation,
			Cause:     fmt.Sprintf("unexpected result type %T, want %T", result, zero),
		}
	}
	return typed, nil
}

// GuardOptions configures Guard.
type GuardOptions struct {
	// Limiter bounds concurrent calls. Share one limiter across collaborators
	// to enforce a process-wide maximum.
	Limiter *semaphore.Weighted

	// Timeout bounds a single call. Zero means no per-call timeout.
	Timeout time.Duration
}

type guardedCollaborator struct {
	next    Collaborator
	limiter *semaphore.Weighted
	timeout time.Duration
}

// Guard wraps c with a concurrency limit and a per-call timeout.
func Guard(c Collaborator, opts GuardOptions) Collaborator {
	if opts.Limiter == nil && opts.Timeout <= 0 {
		return c
	}
	return &guardedCollaborator{next: c, limiter: opts.Limiter, timeout: opts.Timeout}
}

func (g *guardedCollaborator) Name() string {
	return g.next.Name()
}

func (g *guardedCollaborator) Invoke(ctx context.Context, operation string, input any) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Acquire(ctx, 1); err != nil {
			return nil, WrapError(ErrorKindUnavailable, g.next.Name()+"."+operation, err)
		}
		defer g.limiter.Release(1)
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	return g.next.Invoke(ctx, operation, input)
}
