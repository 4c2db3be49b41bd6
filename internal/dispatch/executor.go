package dispatch

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// CommandExecutor runs the agent as a subprocess. The command is a
// shell line; it receives the rendered prompt on stdin and the task
// context through AGENT_* environment variables. Lines on stdout of
// the form "progress: NN" are forwarded as progress updates.
type CommandExecutor struct {
	command string
	logger  *slog.Logger
}

// NewCommandExecutor creates a CommandExecutor.
func NewCommandExecutor(command string, logger *slog.Logger) *CommandExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandExecutor{
		command: command,
		logger:  logger.With("component", "executor"),
	}
}

// Execute implements Executor.
func (e *CommandExecutor) Execute(ctx context.Context, req ExecRequest, progress func(int)) error {
	if e.command == "" {
		return errors.New("no executor command configured")
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", e.command)
	cmd.Dir = req.Workspace
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"AGENT_TASK_ID="+req.TaskID,
		"AGENT_PROFILE="+req.Profile,
		"AGENT_WORKSPACE="+req.Workspace,
	)

	// Ask the agent to wind down before it is killed.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if pct, ok := parseProgressLine(line); ok {
			progress(pct)
			continue
		}
		if line != "" {
			e.logger.Debug("agent output", "task_id", req.TaskID, "line", line)
		}
	}
	if serr := scanner.Err(); serr != nil {
		// Progress updates after the scan error are lost; the exit code
		// from Wait still decides the outcome.
		e.logger.Warn("agent stdout scan aborted",
			"task_id", req.TaskID, "error", serr)
	}

	if err := cmd.Wait(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 512 {
			msg = msg[:512]
		}
		if msg != "" {
			return fmt.Errorf("agent exited: %w: %s", err, msg)
		}
		return fmt.Errorf("agent exited: %w", err)
	}
	return nil
}

// parseProgressLine recognizes "progress: NN" lines on the agent's
// stdout.
func parseProgressLine(line string) (int, bool) {
	const prefix = "progress:"
	if !strings.HasPrefix(strings.ToLower(line), prefix) {
		return 0, false
	}
	pct, err := strconv.Atoi(strings.TrimSpace(line[len(prefix):]))
	if err != nil {
		return 0, false
	}
	return pct, true
}
