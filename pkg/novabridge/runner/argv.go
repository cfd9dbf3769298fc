// Package runner – argv.go defines the argument vector the generator is
// started with. An Argv is always a program plus discrete arguments; there is
// no way to build one from a command string, so no shell ever sees the prompt.
package runner

import (
	"fmt"
	"strings"
)

// Argv is the program and arguments of one generator invocation.
type Argv struct {
	program string
	args    []string
}

// NewArgv builds [program, "-p", prompt, "--output-format", "json", extra...].
// The prompt is passed as a single argument regardless of its content.
func NewArgv(program, prompt string, extra ...string) (Argv, error) {
	if strings.TrimSpace(program) == "" {
		return Argv{}, fmt.Errorf("generator program is not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return Argv{}, fmt.Errorf("empty prompt")
	}
	if strings.ContainsRune(prompt, 0) {
		return Argv{}, fmt.Errorf("prompt contains a NUL byte")
	}
	args := []string{"-p", prompt, "--output-format", "json"}
	args = append(args, extra...)
	return Argv{program: program, args: args}, nil
}

// Program returns the executable path.
func (a Argv) Program() string { return a.program }

// Args returns a copy of the arguments after the program.
func (a Argv) Args() []string {
	out := make([]string, len(a.args))
	copy(out, a.args)
	return out
}

// String renders the vector for logs with the prompt elided.
func (a Argv) String() string {
	parts := []string{a.program}
	for i, arg := range a.args {
		if i > 0 && a.args[i-1] == "-p" {
			parts = append(parts, fmt.Sprintf("<prompt %d bytes>", len(arg)))
			continue
		}
		parts = append(parts, arg)
	}
	return strings.Join(parts, " ")
}
