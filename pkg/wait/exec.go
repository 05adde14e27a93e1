package wait

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ExecStrategy runs a command inside the resource on every tick until it
// exits with the expected code.
type ExecStrategy struct {
	base
	cmd      []string
	exitCode int
}

// ForExec waits for cmd to exit with code 0.
func ForExec(cmd ...string) ExecStrategy {
	return ExecStrategy{cmd: append([]string(nil), cmd...)}
}

// WithExitCode sets the expected exit code.
func (s ExecStrategy) WithExitCode(code int) ExecStrategy {
	s.exitCode = code
	return s
}

// WithStartupTimeout returns a copy bounded by d.
func (s ExecStrategy) WithStartupTimeout(d time.Duration) ExecStrategy {
	s.timeout = d
	return s
}

func (s ExecStrategy) String() string {
	return fmt.Sprintf("exec %q exit %d", strings.Join(s.cmd, " "), s.exitCode)
}

func (s ExecStrategy) poll(ctx context.Context, target Target) (string, bool, error) {
	if len(s.cmd) == 0 {
		return "", false, fmt.Errorf("exec strategy has no command")
	}
	result, err := target.Exec(ctx, s.cmd)
	if err != nil {
		return "exec failed: " + err.Error(), false, nil
	}
	if result.ExitCode != s.exitCode {
		return fmt.Sprintf("exit code %d", result.ExitCode), false, nil
	}
	return "", true, nil
}
