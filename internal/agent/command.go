package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/vietddude/agentd/internal/resilience"
)

const maxStderr = 4 << 10

// Command runs an external process per call. The input document is written
// to stdin and the process must print one JSON document on stdout.
type Command struct {
	path string
	args []string
	env  []string
	dir  string
}

// NewCommand creates a process executor. A nil env inherits the daemon's
// environment.
func NewCommand(path string, args, env []string, dir string) *Command {
	return &Command{path: path, args: args, env: env, dir: dir}
}

// Execute runs the process once.
func (c *Command) Execute(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	bin, err := exec.LookPath(c.path)
	if err != nil {
		return nil, &resilience.NotFoundError{Target: c.path, Err: err}
	}

	cmd := exec.CommandContext(ctx, bin, c.args...)
	cmd.Env = c.env
	cmd.Dir = c.dir
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, &resilience.TimeoutError{Operation: c.path, Err: ctxErr}
			}
			return nil, ctxErr
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &resilience.ProcessError{
				ExitCode: exitErr.ExitCode(),
				Stderr:   tail(stderr.String()),
				Err:      err,
			}
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, &resilience.NotFoundError{Target: c.path, Err: err}
		}
		return nil, &resilience.ProcessError{ExitCode: -1, Stderr: tail(stderr.String()), Err: err}
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return nil, &resilience.ParseError{Err: fmt.Errorf("%s produced no output", c.path)}
	}
	if !json.Valid(out) {
		return nil, &resilience.ParseError{Err: fmt.Errorf("%s output is not JSON: %.200q", c.path, out)}
	}
	return json.RawMessage(out), nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxStderr {
		s = s[len(s)-maxStderr:]
	}
	return s
}
