package podflow

import (
	"context"
	"encoding/json"
	"fmt"
)

// Input is the read-only view of the run state given to a handler.
type Input interface {
	// RunID returns the identifier of the run.
	RunID() string

	// Request returns the original user request.
	Request() string

	// Get returns a field produced by an earlier stage or a built-in field.
	Get(field string) (any, bool)

	// Output returns the complete output of an earlier stage.
	Output(stage string) (Output, bool)
}

// Handler executes the body of a stage.
type Handler interface {
	// Name returns the name stages use to refer to the handler.
	Name() string

	// Execute runs one attempt of the stage. The returned output must
	// contain every field the stage declares in Produces.
	Execute(ctx context.Context, in Input) (Output, error)
}

// FallbackHandler is implemented by handlers that can supply a degraded
// output once their attempts are exhausted. Fallback must not call
// external collaborators.
type FallbackHandler interface {
	Handler
	Fallback(in Input) (Output, error)
}

// HandlerFunc is the signature of a stage body.
type HandlerFunc func(ctx context.Context, in Input) (Output, error)

// FallbackFunc is the signature of a degraded-output supplier.
type FallbackFunc func(in Input) (Output, error)

// HandlerOption configures a handler built by NewHandler.
type HandlerOption func(*handlerFunction)

// WithFallback attaches a fallback to the handler.
func WithFallback(fn FallbackFunc) HandlerOption {
	return func(h *handlerFunction) {
		h.fallback = fn
	}
}

// Confirm the interfaces are implemented correctly.
var (
	_ Handler         = (*handlerFunction)(nil)
	_ FallbackHandler = (*fallbackHandlerFunction)(nil)
)

type handlerFunction struct {
	name     string
	fn       HandlerFunc
	fallback FallbackFunc
}

func (h *handlerFunction) Name() string {
	return h.name
}

func (h *handlerFunction) Execute(ctx context.Context, in Input) (Output, error) {
	return h.fn(ctx, in)
}

type fallbackHandlerFunction struct {
	*handlerFunction
}

func (h *fallbackHandlerFunction) Fallback(in Input) (Output, error) {
	return h.fallback(in)
}

// NewHandler returns a Handler for the given function. When a fallback is
// supplied the result also implements FallbackHandler.
func NewHandler(name string, fn HandlerFunc, opts ...HandlerOption) Handler {
	h := &handlerFunction{name: name, fn: fn}
	for _, opt := range opts {
		opt(h)
	}
	if h.fallback != nil {
		return &fallbackHandlerFunction{handlerFunction: h}
	}
	return h
}

// Field returns a field converted to T. Values that are not already of type
// T are converted through JSON, which lets outputs loaded from a persisted
// run record decode into the types the producing stage returned.
func Field[T any](in Input, name string) (T, error) {
	var zero T
	value, ok := in.Get(name)
	if !ok {
		return zero, &Error{Kind: ErrorKindDependencyNotSatisfied, Cause: fmt.Sprintf("field %q is not available", name)}
	}
	if typed, ok := value.(T); ok {
		return typed, nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return zero, &Error{Kind: ErrorKindStageContractViolation, Cause: fmt.Sprintf("field %q: %s", name, err)}
	}
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, &Error{Kind: ErrorKindStageContractViolation, Cause: fmt.Sprintf("field %q has type %T: %s", name, value, err)}
	}
	return result, nil
}

// FieldOr returns the field converted to T, or def if it is missing or
// cannot be converted.
func FieldOr[T any](in Input, name string, def T) T {
	value, err := Field[T](in, name)
	if err != nil {
		return def
	}
	return value
}
