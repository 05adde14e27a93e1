package wait

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/bnema/testbay/internal/domain"
)

// LogStrategy waits until the resource output contains a pattern a given
// number of times.
type LogStrategy struct {
	base
	substr     string
	re         *regexp.Regexp
	occurrence int
	exitCheck  bool
}

// ForLog waits for substr to appear in stdout or stderr.
func ForLog(substr string) LogStrategy {
	return LogStrategy{substr: substr, occurrence: 1, exitCheck: true}
}

// ForLogRegexp waits for re to match the output.
func ForLogRegexp(re *regexp.Regexp) LogStrategy {
	return LogStrategy{re: re, occurrence: 1, exitCheck: true}
}

// WithOccurrence requires n matches; values below one mean one.
func (s LogStrategy) WithOccurrence(n int) LogStrategy {
	if n < 1 {
		n = 1
	}
	s.occurrence = n
	return s
}

// WithExitCheck toggles failing fast when the resource exits before the
// pattern appears. Enabled by default; disabled, an early exit surfaces as a
// timeout.
func (s LogStrategy) WithExitCheck(enabled bool) LogStrategy {
	s.exitCheck = enabled
	return s
}

// WithStartupTimeout returns a copy bounded by d.
func (s LogStrategy) WithStartupTimeout(d time.Duration) LogStrategy {
	s.timeout = d
	return s
}

func (s LogStrategy) String() string {
	pattern := fmt.Sprintf("%q", s.substr)
	if s.re != nil {
		pattern = "/" + s.re.String() + "/"
	}
	if s.occurrence > 1 {
		return fmt.Sprintf("log %s x%d", pattern, s.occurrence)
	}
	return "log " + pattern
}

func (s LogStrategy) count(text string) int {
	if s.re != nil {
		return len(s.re.FindAllStringIndex(text, -1))
	}
	if s.substr == "" {
		return 0
	}
	return strings.Count(text, s.substr)
}

func (s LogStrategy) matches(ctx context.Context, target Target) (int, error) {
	rc, err := target.Logs(ctx)
	if err != nil {
		return 0, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return 0, err
	}
	return s.count(string(data)), nil
}

func (s LogStrategy) poll(ctx context.Context, target Target) (string, bool, error) {
	n, err := s.matches(ctx, target)
	if err != nil {
		return "reading logs failed: " + err.Error(), false, nil
	}
	if n >= s.occurrence {
		return "", true, nil
	}
	state := fmt.Sprintf("%d of %d matches", n, s.occurrence)
	if !s.exitCheck {
		return state, false, nil
	}

	details, err := target.Inspect(ctx)
	if err != nil || details.Running || (details.Status != "exited" && details.Status != "dead") {
		return state, false, nil
	}

	// The pattern may have been written between the log read and the exit.
	if n, err = s.matches(ctx, target); err == nil && n >= s.occurrence {
		return "", true, nil
	}
	return state, false, fmt.Errorf("%w with code %d before the pattern appeared", domain.ErrResourceExited, details.ExitCode)
}
