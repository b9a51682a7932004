package tools

import (
	"errors"
	"fmt"

	"github.com/nugget/foreman/internal/store"
)

// Kind classifies a tool failure for the model.
type Kind string

// Error kinds carried in an error result's "kind" field.
const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindInternal   Kind = "internal"
)

// Error is a classified tool failure. Message is what the model sees.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// ErrUnknownTool is returned when a call names a tool that is not in
// the registry.
type ErrUnknownTool struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrUnknownTool) Error() string {
	return "Unknown tool: " + e.ToolName
}

// classify maps err to the kind and message reported to the model.
// Internal failures are reported without their underlying detail.
func classify(err error) (Kind, string) {
	var toolErr *Error
	var unknown *ErrUnknownTool
	switch {
	case errors.As(err, &unknown):
		return KindValidation, unknown.Error()
	case errors.As(err, &toolErr):
		return toolErr.Kind, toolErr.Message
	case errors.Is(err, store.ErrNotFound):
		return KindNotFound, "Not found"
	case errors.Is(err, store.ErrConflict):
		return KindConflict, err.Error()
	default:
		return KindInternal, "internal error"
	}
}
