package plugin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/pluginhost/internal/protocol"
)

const (
	// maxStderrBytes caps the amount of stderr captured from a plugin call.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// CallError carries the captured stderr of a failed plugin call.
type CallError struct {
	PluginID string
	Stderr   string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("plugin %q call failed: %v", e.PluginID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// cappedBuffer keeps the first limit bytes written and discards the rest.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }

// spawn runs entrypoint once, writes req to its stdin and reads one response
// from stdout. The process is terminated when timeout expires or ctx ends.
func spawn(
	ctx context.Context,
	pluginID, dir, entrypoint string,
	req *protocol.Request,
	timeout time.Duration,
	logger *slog.Logger,
) (*protocol.Response, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Not CommandContext: termination is managed here so the grace period applies.
	cmd := exec.Command(entrypoint)
	cmd.Dir = dir
	cmd.WaitDelay = terminationGracePeriod

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}

	var stdout bytes.Buffer
	stderr := &cappedBuffer{limit: maxStderrBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	logger.Debug("spawning plugin", "entrypoint", entrypoint, "request", req.RequestName, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		defer stdin.Close()
		if err := protocol.WriteRequest(stdin, req); err != nil {
			writeErr <- err
			return
		}
		writeErr <- nil
	}()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var cause error
	select {
	case <-timeoutTimer.C:
		cause = context.DeadlineExceeded
		logger.Warn("plugin call timed out, sending SIGTERM", "timeout", timeout)
	case <-ctx.Done():
		cause = ctx.Err()
		logger.Warn("plugin call cancelled, sending SIGTERM")
	case err := <-waitErr:
		if werr := <-writeErr; werr != nil {
			return nil, &CallError{PluginID: pluginID, Stderr: stderr.String(), Err: werr}
		}
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return nil, &CallError{PluginID: pluginID, Stderr: stderr.String(), Err: fmt.Errorf("wait for process: %w", err)}
			}
			logger.Warn("plugin exited with non-zero status", "exit_code", exitErr.ExitCode())
		}

		resp, err := protocol.ReadResponse(stdout.Bytes())
		if err != nil {
			var decodeErr *protocol.DecodeError
			if errors.As(err, &decodeErr) {
				logger.Error("failed to decode plugin response", "error", err, "stdout", decodeErr.Raw)
			}
			return nil, &CallError{PluginID: pluginID, Stderr: stderr.String(), Err: fmt.Errorf("decode response: %w", err)}
		}
		return resp, nil
	}

	terminate(cmd, waitErr, logger)
	return nil, &CallError{PluginID: pluginID, Stderr: stderr.String(), Err: cause}
}

// terminate sends SIGTERM, then SIGKILL after the grace period.
func terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process != nil {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("plugin exited after SIGTERM")
	case <-grace.C:
		logger.Warn("plugin did not exit after SIGTERM, sending SIGKILL")
		if cmd.Process != nil {
			if err := cmd.Process.Kill(); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
		}
		<-waitErr
	}
}
