package runner

import (
	"fmt"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

type timeoutError struct{}

func (timeoutError) Error() string                { return "generator timed out" }
func (timeoutError) Category() security.Category { return security.CategoryTimeout }

// ErrTimeout is returned when the generator exceeds its deadline. The process
// group has been killed by the time it is returned.
var ErrTimeout error = timeoutError{}

// ProcessFailure is a non-zero exit, an empty response or an I/O failure.
// Stderr is kept for logs and is never sent to the chat.
type ProcessFailure struct {
	ExitCode int
	Reason   string
	Stderr   string
}

func (e *ProcessFailure) Error() string {
	return fmt.Sprintf("generator failed: %s (exit %d)", e.Reason, e.ExitCode)
}

// Category implements security.Categorized.
func (e *ProcessFailure) Category() security.Category { return security.CategoryProcessFailure }
