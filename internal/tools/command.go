package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/joestump/homegate/internal/access"
)

const (
	// DefaultExecTimeout applies when a command names no timeout.
	DefaultExecTimeout = 60 * time.Second
	// MaxExecTimeout caps every command.
	MaxExecTimeout = 300 * time.Second
	maxOutputBytes = 256 << 10
)

var (
	// ErrBlocked is returned for commands the policy never runs.
	ErrBlocked = errors.New("command is blocked")
	// ErrNeedsConfirmation is returned for destructive commands that were
	// not explicitly confirmed.
	ErrNeedsConfirmation = errors.New("destructive command requires confirmation")
)

// CommandResult is the outcome of one command.
type CommandResult struct {
	Output         string `json:"output"`
	ExitCode       int    `json:"exit_code"`
	Classification string `json:"classification"`
	TimedOut       bool   `json:"timed_out,omitempty"`
}

// Runner executes shell commands under the access policy.
type Runner struct {
	policy *access.Policy
	shell  string
	dir    string
}

// NewRunner returns a Runner using /bin/sh. Commands run in the first
// sandbox root when there is one.
func NewRunner(policy *access.Policy) *Runner {
	r := &Runner{policy: policy, shell: "/bin/sh"}
	if roots := policy.SandboxRoots(); len(roots) > 0 {
		r.dir = roots[0]
	}
	return r
}

// ClampTimeout turns a requested timeout in seconds into the duration a
// command may run.
func ClampTimeout(seconds int) time.Duration {
	if seconds <= 0 {
		return DefaultExecTimeout
	}
	d := time.Duration(seconds) * time.Second
	if d > MaxExecTimeout {
		return MaxExecTimeout
	}
	return d
}

// Run classifies and executes command. Blocked commands are always refused;
// destructive ones are refused unless confirmed is set.
func (r *Runner) Run(ctx context.Context, command string, confirmed bool, timeout time.Duration) (*CommandResult, error) {
	class := r.policy.ClassifyCommand(command)
	switch class {
	case access.Blocked:
		return nil, ErrBlocked
	case access.Destructive:
		if !confirmed {
			return nil, ErrNeedsConfirmation
		}
	}
	res, err := r.exec(ctx, command, timeout)
	if err != nil {
		return nil, err
	}
	res.Classification = class.String()
	if class != access.Safe {
		log.Info().Str("command", command).Str("classification", res.Classification).Int("exit_code", res.ExitCode).Msg("command executed")
	}
	return res, nil
}

// RunUnfiltered executes command without the confirmation step. Blocked
// commands are still refused.
func (r *Runner) RunUnfiltered(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	return r.Run(ctx, command, true, timeout)
}

func (r *Runner) exec(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}
	if timeout <= 0 || timeout > MaxExecTimeout {
		timeout = ClampTimeout(int(timeout / time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.shell, "-c", command)
	cmd.Dir = r.dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	res := &CommandResult{}
	var exitErr *exec.ExitError
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.TimedOut = true
		res.ExitCode = -1
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("run command: %w", err)
	}

	output := out.String()
	if len(output) > maxOutputBytes {
		output = output[:maxOutputBytes] + "\n[output truncated]"
	}
	res.Output = output
	return res, nil
}

// RunCommandTool is the run_command tool. Destructive commands are refused
// so the model has to hand them back to the user.
type RunCommandTool struct{ runner *Runner }

func (t *RunCommandTool) Name() string           { return "run_command" }
func (t *RunCommandTool) Description() string    { return "Run a shell command on the host and return its output" }
func (t *RunCommandTool) MinLevel() access.Level { return access.Execute }
func (t *RunCommandTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "The command to execute"},
			"timeout_seconds": {"type": "integer", "description": "Timeout in seconds (default: 60, max: 300)"}
		},
		"required": ["command"]
	}`)
}

func (t *RunCommandTool) Execute(ctx context.Context, _ access.Level, args json.RawMessage) (string, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := decodeArgs(args, &params); err != nil {
		return "", err
	}
	res, err := t.runner.Run(ctx, params.Command, false, ClampTimeout(params.TimeoutSeconds))
	if errors.Is(err, ErrNeedsConfirmation) {
		return "", fmt.Errorf("%w; ask the user to run it themselves", err)
	}
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return res.Output, fmt.Errorf("command timed out")
	}
	if res.ExitCode != 0 {
		return fmt.Sprintf("%s\n[exit code %d]", res.Output, res.ExitCode), nil
	}
	return res.Output, nil
}
