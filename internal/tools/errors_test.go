package tools

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrToolUnavailable_Error(t *testing.T) {
	err := &ErrToolUnavailable{ToolName: "shell"}
	want := `tool "shell" is not available in this context`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrToolUnavailable_WrappedErrorsAs(t *testing.T) {
	wrapped := fmt.Errorf("tool execution: %w", &ErrToolUnavailable{ToolName: "x"})

	var target *ErrToolUnavailable
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As failed to match wrapped *ErrToolUnavailable")
	}
	if target.ToolName != "x" {
		t.Errorf("ToolName = %q, want %q", target.ToolName, "x")
	}
}

func TestExecutionError(t *testing.T) {
	inner := fmt.Errorf("%w: max_points must be <= 500", ErrInvalidParams)
	err := error(&ExecutionError{Tool: "request_bms_data", Err: inner})

	if got := err.Error(); got != "request_bms_data: invalid parameters: max_points must be <= 500" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, ErrInvalidParams) {
		t.Error("errors.Is should see through ExecutionError")
	}
	var ee *ExecutionError
	if !errors.As(fmt.Errorf("wrap: %w", err), &ee) || ee.Tool != "request_bms_data" {
		t.Error("errors.As failed to match *ExecutionError")
	}
}
