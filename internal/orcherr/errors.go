// ABOUTME: Error taxonomy shared by the orchestration core
// ABOUTME: Sentinels for each failure class plus the structured error result shown to the model

package orcherr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Failure classes. Callers wrap these with context and test with errors.Is.
var (
	// ErrTransport covers failures reported by the model transport.
	ErrTransport = errors.New("transport failure")

	// ErrToolExecution is returned when a tool handler fails.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrInvalidArguments is returned when tool arguments do not satisfy the schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrGatingViolation is returned when a tool is invoked while not permitted.
	ErrGatingViolation = errors.New("gating violation")

	// ErrContinuationMisuse is returned on double-resume or an unknown token.
	ErrContinuationMisuse = errors.New("continuation misuse")

	// ErrSnapshotCorrupt is returned when a snapshot fails validation.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")
)

// Code is the machine-readable error code sent back to the model.
type Code string

const (
	CodeTransport        Code = "transport_failure"
	CodeToolExecution    Code = "tool_execution_failed"
	CodeInvalidArguments Code = "invalid_arguments"
	CodeGatingViolation  Code = "gating_violation"
	CodeContinuation     Code = "continuation_misuse"
	CodeSnapshotCorrupt  Code = "snapshot_corrupt"
	CodeCancelled        Code = "cancelled"
	CodeTimeout          Code = "timeout"
)

// ToolError is a tool failure converted into a result the conversation can
// recover from.
type ToolError struct {
	Code    Code
	Message string
	Err     error
}

func (e *ToolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ToolError) Unwrap() error {
	return e.Err
}

// Payload renders the error as the JSON object returned to the model.
func (e *ToolError) Payload() json.RawMessage {
	body := map[string]any{
		"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
		},
	}
	data, err := json.Marshal(body)
	if err != nil {
		return json.RawMessage(`{"error":{"code":"tool_execution_failed","message":"unencodable error"}}`)
	}
	return data
}

// CodeOf maps an error to its taxonomy code.
func CodeOf(err error) Code {
	var te *ToolError
	if errors.As(err, &te) {
		return te.Code
	}
	switch {
	case errors.Is(err, ErrGatingViolation):
		return CodeGatingViolation
	case errors.Is(err, ErrInvalidArguments):
		return CodeInvalidArguments
	case errors.Is(err, ErrContinuationMisuse):
		return CodeContinuation
	case errors.Is(err, ErrSnapshotCorrupt):
		return CodeSnapshotCorrupt
	case errors.Is(err, ErrTransport):
		return CodeTransport
	default:
		return CodeToolExecution
	}
}

// AsToolError wraps any error as a ToolError, keeping an existing one intact.
func AsToolError(err error) *ToolError {
	var te *ToolError
	if errors.As(err, &te) {
		return te
	}
	return &ToolError{Code: CodeOf(err), Message: err.Error(), Err: err}
}
