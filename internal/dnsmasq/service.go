package dnsmasq

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/carpie/sid/internal/metrics"
)

// DefaultRestartCommand restarts dnsmasq through the init system.
var DefaultRestartCommand = []string{"sudo", "service", "dnsmasq", "restart"}

// ErrServiceRestart is matched by every *RestartError.
var ErrServiceRestart = errors.New("service restart failed")

var reLineBreak = regexp.MustCompile(`\r*\n`)

// ExecResult is the captured outcome of an external command.
type ExecResult struct {
	Stdout   []string `json:"stdout"`
	Stderr   []string `json:"stderr"`
	ExitCode int      `json:"exit_code"`
}

// RestartError reports a failed service restart with the command's exit
// status and stderr. ExitCode is -1 when the command could not be started.
type RestartError struct {
	Command  string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *RestartError) Error() string {
	msg := fmt.Sprintf("%s: %q exited with code %d", ErrServiceRestart, e.Command, e.ExitCode)
	if len(e.Stderr) > 0 {
		msg += ": " + strings.Join(e.Stderr, "; ")
	}
	if e.Err != nil && e.ExitCode < 0 {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is makes errors.Is(err, ErrServiceRestart) hold.
func (e *RestartError) Is(target error) bool {
	return target == ErrServiceRestart
}

func (e *RestartError) Unwrap() error {
	return e.Err
}

// Service restarts the DHCP service via an external command.
type Service struct {
	command []string
	logger  *slog.Logger
}

// NewService creates a service controller. An empty command selects DefaultRestartCommand.
func NewService(command []string, logger *slog.Logger) *Service {
	if len(command) == 0 {
		command = DefaultRestartCommand
	}
	return &Service{command: command, logger: logger}
}

// Restart runs the restart command and waits for it. No timeout is applied
// beyond ctx.
func (s *Service) Restart(ctx context.Context) (ExecResult, error) {
	start := time.Now()
	res, err := Exec(ctx, s.command[0], s.command[1:]...)
	duration := time.Since(start)

	cmdline := strings.Join(s.command, " ")
	if err != nil {
		metrics.ServiceRestarts.WithLabelValues("error").Inc()
		s.logger.Error("service restart could not run",
			"command", cmdline,
			"error", err)
		return res, &RestartError{Command: cmdline, ExitCode: -1, Err: err}
	}
	if res.ExitCode != 0 {
		metrics.ServiceRestarts.WithLabelValues("error").Inc()
		s.logger.Error("service restart failed",
			"command", cmdline,
			"exit_code", res.ExitCode,
			"stderr", strings.Join(res.Stderr, "\n"),
			"duration", duration.String())
		return res, &RestartError{Command: cmdline, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}

	metrics.ServiceRestarts.WithLabelValues("success").Inc()
	s.logger.Info("service restarted",
		"command", cmdline,
		"duration", duration.String())
	return res, nil
}

// Exec runs name with args and captures stdout and stderr as lines plus the
// exit code. A non-zero exit is not an error; failing to start the process is.
func Exec(ctx context.Context, name string, args ...string) (ExecResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := ExecResult{
		Stdout: splitLines(stdout.String()),
		Stderr: splitLines(stderr.String()),
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("running %s: %w", name, err)
	}
	return res, nil
}

// splitLines splits on \r*\n and drops one trailing empty line.
func splitLines(s string) []string {
	lines := reLineBreak.Split(s, -1)
	if n := len(lines); n > 0 && lines[n-1] == "" {
		lines = lines[:n-1]
	}
	return lines
}
