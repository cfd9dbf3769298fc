// Package runner implements the subprocess invocation guard: the generator
// CLI is started from an argument vector (never a shell), with empty stdin, a
// filtered environment and a mandatory timeout that kills the whole process
// group. A timeout may be retried once.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/jholhewres/novabridge/pkg/novabridge/security"
)

// Config configures the generator invocation.
type Config struct {
	// Bin is the generator executable. Defaults to ~/.local/bin/claude.
	Bin string `yaml:"bin"`

	// WorkDir is the working directory of the generator.
	WorkDir string `yaml:"cwd"`

	// Timeout bounds one attempt. Must be positive; defaults to 300s.
	Timeout time.Duration `yaml:"timeout"`

	// RetryOnTimeout allows one more attempt with the same prompt after a
	// timeout.
	RetryOnTimeout bool `yaml:"retry_on_timeout"`

	// MaxOutputBytes caps captured stdout and stderr. Defaults to 1 MiB.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// ExtraArgs are appended after the fixed arguments.
	ExtraArgs []string `yaml:"extra_args"`

	// PassEnv names credential-shaped environment variables the generator
	// still needs (for example its own API key). Everything else matching
	// *_TOKEN, *_KEY or *_SECRET is removed from the child environment.
	PassEnv []string `yaml:"pass_env"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	bin := "claude"
	if home, err := os.UserHomeDir(); err == nil {
		bin = filepath.Join(home, ".local", "bin", "claude")
	}
	return Config{
		Bin:            bin,
		Timeout:        300 * time.Second,
		MaxOutputBytes: 1 << 20,
	}
}

// Request is one generator call.
type Request struct {
	Prompt  string
	Timeout time.Duration
}

// Response is the generator output after JSON extraction.
type Response struct {
	Text     string
	Stderr   string
	ExitCode int
	Duration time.Duration
	Attempts int
}

// blockedEnv are always removed from the child environment.
var blockedEnv = map[string]bool{
	"LD_PRELOAD":                true,
	"LD_LIBRARY_PATH":           true,
	"DYLD_INSERT_LIBRARIES":     true,
	"DYLD_LIBRARY_PATH":         true,
	"NODE_OPTIONS":              true,
	"BASH_ENV":                  true,
	"ENV":                       true,
	"TELEGRAM_CHAT_ID":          true,
	"AUTHORIZED_CHAT_ID":        true,
	"NOVABRIDGE_VAULT_PASSWORD": true,
}

// Invoker runs the generator.
type Invoker struct {
	cfg    Config
	logger *slog.Logger
}

// NewInvoker validates cfg and returns an invoker.
func NewInvoker(cfg Config, logger *slog.Logger) (*Invoker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Bin == "" {
		cfg.Bin = DefaultConfig().Bin
	}
	if strings.HasPrefix(cfg.Bin, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.Bin = filepath.Join(home, cfg.Bin[2:])
		}
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("generator timeout must be positive, got %s", cfg.Timeout)
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultConfig().MaxOutputBytes
	}
	return &Invoker{
		cfg:    cfg,
		logger: logger.With("component", "runner"),
	}, nil
}

// Invoke runs the generator with prompt. A zero timeout uses the configured
// one. On timeout the call is retried once when RetryOnTimeout is set.
func (i *Invoker) Invoke(ctx context.Context, prompt string, timeout time.Duration) (*Response, error) {
	return i.Run(ctx, Request{Prompt: prompt, Timeout: timeout})
}

// Run is Invoke with a Request value.
func (i *Invoker) Run(ctx context.Context, req Request) (*Response, error) {
	if req.Timeout <= 0 {
		req.Timeout = i.cfg.Timeout
	}
	argv, err := NewArgv(i.cfg.Bin, req.Prompt, i.cfg.ExtraArgs...)
	if err != nil {
		return nil, err
	}

	maxAttempts := 1
	if i.cfg.RetryOnTimeout {
		maxAttempts = 2
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		resp, err := i.runOnce(ctx, argv, req.Timeout)
		if resp != nil {
			resp.Attempts = attempt
		}
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTimeout) || ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts {
			i.logger.Warn("generator timed out, retrying", "attempt", attempt, "timeout", req.Timeout)
		}
	}
	return nil, lastErr
}

// runOnce executes the generator a single time.
func (i *Invoker) runOnce(ctx context.Context, argv Argv, timeout time.Duration) (*Response, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, argv.Program(), argv.Args()...)
	cmd.Dir = i.cfg.WorkDir
	cmd.Env = i.childEnv(os.Environ())
	cmd.Stdin = nil
	cmd.WaitDelay = 2 * time.Second
	setProcessGroup(cmd)

	stdout := &cappedBuffer{max: i.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{max: i.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	i.logger.Debug("starting generator", "argv", argv.String(), "timeout", timeout)
	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	resp := &Response{
		Stderr:   truncate(stderr.String(), 4096),
		ExitCode: cmd.ProcessState.ExitCode(),
		Duration: duration,
	}
	if resp.Stderr != "" {
		i.logger.Warn("generator wrote to stderr", "bytes", stderr.Len())
		i.logger.Debug("generator stderr", "stderr", resp.Stderr)
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("generator cancelled: %w", ctx.Err())
	}
	if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		i.logger.Warn("generator killed on timeout", "timeout", timeout, "category", security.CategoryTimeout)
		return nil, ErrTimeout
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &ProcessFailure{ExitCode: exitErr.ExitCode(), Reason: "non-zero exit", Stderr: resp.Stderr}
		}
		return nil, &ProcessFailure{ExitCode: -1, Reason: "start: " + runErr.Error(), Stderr: resp.Stderr}
	}
	if stdout.truncated {
		i.logger.Warn("generator output truncated", "max_bytes", i.cfg.MaxOutputBytes)
	}

	text, err := extractResult(stdout.String())
	if err != nil {
		err.Stderr = resp.Stderr
		return nil, err
	}
	resp.Text = text
	i.logger.Info("generator finished", "duration", duration, "bytes", len(text))
	return resp, nil
}

// childEnv filters the parent environment and adds NO_COLOR=1.
func (i *Invoker) childEnv(parent []string) []string {
	pass := make(map[string]bool, len(i.cfg.PassEnv))
	for _, name := range i.cfg.PassEnv {
		pass[name] = true
	}
	env := make([]string, 0, len(parent)+1)
	for _, kv := range parent {
		name, _, _ := strings.Cut(kv, "=")
		if name == "NO_COLOR" || blockedEnv[name] {
			continue
		}
		if security.IsCredentialName(name) && !pass[name] {
			continue
		}
		env = append(env, kv)
	}
	return append(env, "NO_COLOR=1")
}

// claudeResult is the subset of the generator's JSON output that is used.
type claudeResult struct {
	Result  *string `json:"result"`
	IsError bool    `json:"is_error"`
}

// extractResult reads the "result" field of JSON output and falls back to
// the raw text when the output is not JSON.
func extractResult(stdout string) (string, *ProcessFailure) {
	raw := strings.TrimSpace(stdout)
	if raw == "" {
		return "", &ProcessFailure{Reason: "empty output"}
	}
	var res claudeResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return raw, nil
	}
	if res.IsError {
		return "", &ProcessFailure{Reason: "generator reported an error"}
	}
	if res.Result == nil || strings.TrimSpace(*res.Result) == "" {
		return "", &ProcessFailure{Reason: "empty result field"}
	}
	return *res.Result, nil
}

// cappedBuffer keeps the first max bytes written to it.
type cappedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.max - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string { return b.buf.String() }
func (b *cappedBuffer) Len() int       { return b.buf.Len() }

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "... [truncated]"
}
