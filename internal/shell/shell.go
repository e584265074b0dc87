// Package shell runs host networking tools as short-lived child processes.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"tpn/internal/logging"
)

type Result struct {
	Stdout string
	Stderr string
}

// Executor runs one command without a shell. Arguments are passed verbatim,
// so miner-supplied text is never interpreted.
type Executor interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

type execExecutor struct{}

func NewExecutor() Executor {
	return execExecutor{}
}

func (execExecutor) Run(ctx context.Context, name string, args ...string) (Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	logging.WithContextFields(logging.LogFields{
		"command": Format(name, args...),
		"stderr":  strings.TrimSpace(result.Stderr),
		"failed":  err != nil,
	}).Debug("ran command")

	if err != nil {
		return result, fmt.Errorf("%s failed: %w (%s)", Format(name, args...), err, strings.TrimSpace(result.Stderr))
	}
	return result, nil
}

// Format renders a command line for logs.
func Format(name string, args ...string) string {
	return strings.TrimSpace(name + " " + strings.Join(args, " "))
}
