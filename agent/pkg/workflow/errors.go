package workflow

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or invalid setup: an unknown
// database, a collaborator that was never wired, a bad engine config.
// It is fatal and never retried.
type ConfigurationError struct {
	Msg string
}

func (e *ConfigurationError) Error() string { return e.Msg }

// NewConfigurationError builds a ConfigurationError from a format string.
func NewConfigurationError(format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidInputError reports empty or malformed user input, rejected
// before a run starts.
type InvalidInputError struct {
	Msg string
}

func (e *InvalidInputError) Error() string { return e.Msg }

// NewInvalidInputError builds an InvalidInputError from a format string.
func NewInvalidInputError(format string, args ...any) *InvalidInputError {
	return &InvalidInputError{Msg: fmt.Sprintf(format, args...)}
}

// ExecutionError reports a SQL execution failure. Message carries the
// backend's error text verbatim so the repairer sees exactly what the
// database said. It is the only error type the engine retries, and only
// inside the repair loop.
type ExecutionError struct {
	SQL     string
	Message string
}

func (e *ExecutionError) Error() string { return e.Message }

// NewExecutionError wraps a backend failure for the repair loop.
func NewExecutionError(sql, message string) *ExecutionError {
	return &ExecutionError{SQL: sql, Message: message}
}

// CollaboratorError reports a failure in any external service other
// than SQL execution. The engine does not retry these; the run fails.
type CollaboratorError struct {
	Collaborator string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s: %v", e.Collaborator, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

// NewCollaboratorError tags an external service failure with its source.
func NewCollaboratorError(collaborator string, err error) *CollaboratorError {
	return &CollaboratorError{Collaborator: collaborator, Err: err}
}

// Interrupt is the suspension signal. A stage returns it through the
// error path to pause the run pending a clarification reply; the engine
// persists state and surfaces Question to the caller. It is not a
// failure.
type Interrupt struct {
	Stage    Stage
	Topic    string
	Question string
}

func (i *Interrupt) Error() string {
	return fmt.Sprintf("awaiting clarification: %s", i.Topic)
}

// IsInterrupt reports whether err is a suspension signal.
func IsInterrupt(err error) (*Interrupt, bool) {
	var intr *Interrupt
	if errors.As(err, &intr) {
		return intr, true
	}
	return nil, false
}

// UserMessage renders an error as the natural-language text shown to
// users. Raw error strings never cross the streaming channel.
func UserMessage(err error) string {
	var cfg *ConfigurationError
	var input *InvalidInputError
	var collab *CollaboratorError
	switch {
	case errors.As(err, &input):
		return input.Msg
	case errors.As(err, &cfg):
		return "The assistant is not configured correctly: " + cfg.Msg
	case errors.As(err, &collab):
		return fmt.Sprintf("Something went wrong while working on your question (%s failed). Please try again.", collab.Collaborator)
	default:
		return "Something went wrong while working on your question. Please try again."
	}
}
