package engine

import (
	"context"
	"fmt"
	"strings"

	execute "github.com/alexellis/go-execute/v2"

	"uniconvert/internal/logging"
)

// Runner executes an external program in dir and returns its stdout.
type Runner interface {
	Run(ctx context.Context, dir, command string, args ...string) (string, error)
}

// ExecRunner runs commands through go-execute.
type ExecRunner struct {
	log *logging.Logger
}

func NewExecRunner(logger *logging.Logger) *ExecRunner {
	return &ExecRunner{log: logging.OrDefault(logger).With("component", "exec")}
}

func (r *ExecRunner) Run(ctx context.Context, dir, command string, args ...string) (string, error) {
	r.log.Debug("executing", "command", command, "args", args, "dir", dir)
	task := execute.ExecTask{
		Command: command,
		Args:    args,
		Cwd:     dir,
	}
	result, err := task.Execute(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result.Stdout, ctxErr
		}
		return result.Stdout, fmt.Errorf("run %s: %w", command, err)
	}
	if result.ExitCode != 0 {
		r.log.Warn("command exited with non-zero code", "command", command, "code", result.ExitCode, "stderr", result.Stderr)
		return result.Stdout, fmt.Errorf("%s exited with code %d: %s", command, result.ExitCode, lastLine(result.Stderr))
	}
	return result.Stdout, nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
