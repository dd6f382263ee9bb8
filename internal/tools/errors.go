// Package tools provides the tool registry and execution framework.
//
// This file defines the error types for tool execution.
package tools

import (
	"errors"
	"fmt"
)

// ErrToolUnavailable is returned when a tool call targets a tool that
// is not present in the registry.
type ErrToolUnavailable struct {
	ToolName string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	return fmt.Sprintf("tool %q is not available in this context", e.ToolName)
}

// ErrInvalidParams marks parameter decoding or validation failures.
var ErrInvalidParams = errors.New("invalid parameters")

// ExecutionError wraps any failure of a tool call. It never aborts the
// loop; the message is handed to the model as the tool result.
type ExecutionError struct {
	Tool string
	Err  error
}

// Error implements the error interface.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

// Unwrap returns the underlying error.
func (e *ExecutionError) Unwrap() error { return e.Err }
