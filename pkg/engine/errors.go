package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass identifies the layer an error originates from. Lower layers mask
// higher ones when status is reported.
type ErrorClass string

const (
	// ErrorClassEnvironment is a host or process failure.
	ErrorClassEnvironment ErrorClass = "environment"

	// ErrorClassTopology is a connect, disconnect or commit failure.
	ErrorClassTopology ErrorClass = "topology"

	// ErrorClassBlock is a construction, call or identity failure on one block.
	ErrorClassBlock ErrorClass = "block"

	// ErrorClassProperty is a property expression failure.
	ErrorClassProperty ErrorClass = "property"
)

// Priority orders classes for masking; a lower value wins.
func (c ErrorClass) Priority() int {
	switch c {
	case ErrorClassEnvironment:
		return 0
	case ErrorClassTopology:
		return 1
	case ErrorClassBlock:
		return 2
	default:
		return 3
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the layer the error belongs to.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the block uid, zone or environment the error applies to.
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Resource != "" && e.Operation != "" {
		return fmt.Sprintf("[%s] %s (resource=%s, operation=%s): %s",
			e.Class, e.Message, e.Resource, e.Operation, e.unwrapMessage())
	}
	if e.Resource != "" {
		return fmt.Sprintf("[%s] %s (resource=%s): %s",
			e.Class, e.Message, e.Resource, e.unwrapMessage())
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.unwrapMessage())
}

// Summary is the short form attached to status records.
func (e *EngineError) Summary() string {
	if e.Err == nil {
		return e.Message
	}
	return e.Message + ": " + e.Err.Error()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

func (e *EngineError) unwrapMessage() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return ""
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewEnvironmentError creates a new environment error.
func NewEnvironmentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassEnvironment, Message: message, Err: err}
}

// NewTopologyError creates a new topology error.
func NewTopologyError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTopology, Message: message, Err: err}
}

// NewBlockError creates a new block error.
func NewBlockError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassBlock, Message: message, Err: err}
}

// NewPropertyError creates a new property error.
func NewPropertyError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassProperty, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resourceID string) *EngineError {
	e.Resource = resourceID
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// ClassOf returns the class of err, or the empty class if err is not classified.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// HasCode reports whether err is an EngineError carrying code.
func HasCode(err error, code string) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// MethodNotFoundMarker is the text environments put in errors for calls to
// methods an object does not implement.
const MethodNotFoundMarker = "method not found"

// IsNotImplemented reports whether err means the method does not exist, as
// opposed to the method having run and failed.
func IsNotImplemented(err error) bool {
	return err != nil && strings.Contains(err.Error(), MethodNotFoundMarker)
}

// Error codes.
const (
	ErrCodeHostOffline    = "HOST_OFFLINE"
	ErrCodeProcessCrashed = "PROCESS_CRASHED"
	ErrCodeThreadPool     = "THREAD_POOL_FAILED"
	ErrCodeTopology       = "TOPOLOGY_FAILED"
	ErrCodeConstruct      = "CONSTRUCT_FAILED"
	ErrCodeSetter         = "CALL_FAILED"
	ErrCodeInvalidID      = "INVALID_ID"
	ErrCodeCyclicConstant = "CYCLIC_CONSTANT"
	ErrCodeEvaluator      = "EVALUATOR_FAILED"
)

// ErrEngineClosed is returned by facade calls after Close.
var ErrEngineClosed = errors.New("engine closed")
