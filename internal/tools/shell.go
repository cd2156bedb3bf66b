package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"strings"
	"time"
)

const (
	defaultShellTimeout = 120 * time.Second
	// shellWaitDelay bounds how long Exec waits on pipes held open by
	// background children after the shell itself exits or is killed.
	shellWaitDelay = 2 * time.Second
)

// Executor runs a shell command in workDir.
type Executor interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostExecutor runs commands locally through sh -c.
type HostExecutor struct{}

func (HostExecutor) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	c := exec.CommandContext(ctx, "sh", "-c", cmd)
	c.Dir = workDir
	c.WaitDelay = shellWaitDelay
	var outBuf, errBuf bytes.Buffer
	c.Stdout, c.Stderr = &outBuf, &errBuf

	if runErr := c.Run(); runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) || ctx.Err() != nil {
			return outBuf.String(), errBuf.String(), -1, runErr
		}
		exitCode = exitErr.ExitCode()
	}
	return outBuf.String(), errBuf.String(), exitCode, nil
}

// blockedPrograms never run, even after approval: they escalate privileges
// or act on the host rather than the workspace.
var blockedPrograms = map[string]bool{
	"sudo": true, "su": true, "doas": true,
	"mkfs": true, "dd": true, "fdisk": true,
	"shutdown": true, "reboot": true, "halt": true, "poweroff": true,
}

// checkCommand rejects commands whose segments invoke a blocked program.
func checkCommand(command string) error {
	if strings.TrimSpace(command) == "" {
		return errors.New("empty command")
	}
	for _, seg := range splitCommandSegments(command) {
		prog := programOf(seg)
		if blockedPrograms[prog] || strings.HasPrefix(prog, "mkfs.") {
			return fmt.Errorf("command %q is not allowed", prog)
		}
	}
	return nil
}

// programOf returns the base name of the program a segment runs, skipping
// leading VAR=value assignments.
func programOf(segment string) string {
	for _, tok := range strings.Fields(segment) {
		if name, _, ok := strings.Cut(tok, "="); ok && name != "" && !strings.ContainsAny(name, "/.") {
			continue
		}
		return path.Base(tok)
	}
	return ""
}

// splitCommandSegments splits a command line at ; && || | and newlines.
func splitCommandSegments(cmd string) []string {
	fields := strings.FieldsFunc(cmd, func(r rune) bool {
		return r == ';' || r == '|' || r == '&' || r == '\n'
	})
	segments := make([]string, 0, len(fields))
	for _, f := range fields {
		if s := strings.TrimSpace(f); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

func (r *Runner) executeCommand(ctx context.Context, call Call) (string, error) {
	command, err := call.Param("command")
	if err != nil {
		return "", err
	}
	if err := checkCommand(command); err != nil {
		return "", err
	}

	execCtx, cancel := context.WithTimeout(ctx, defaultShellTimeout)
	defer cancel()

	stdout, stderr, exitCode, err := r.executor.Exec(execCtx, command, r.root)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return "", fmt.Errorf("command interrupted: %w", ctx.Err())
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		return "", fmt.Errorf("command timed out after %s", defaultShellTimeout)
	default:
		return "", fmt.Errorf("exec: %w", err)
	}
	return formatCommandOutput(stdout, stderr, exitCode), nil
}

func formatCommandOutput(stdout, stderr string, exitCode int) string {
	out := strings.TrimRight(stdout, "\n")
	if stderr = strings.TrimRight(stderr, "\n"); stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += stderr
	}
	if exitCode != 0 {
		out += fmt.Sprintf("\n(exit code %d)", exitCode)
	}
	if strings.TrimSpace(out) == "" {
		return "Command executed."
	}
	return "Command executed.\nOutput:\n" + out
}

// truncateOutput keeps the head and tail of s within maxLen bytes. Build and
// test failures usually report at the end, so the middle is dropped.
func truncateOutput(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	head := maxLen / 2
	tail := maxLen - head
	return fmt.Sprintf("%s\n... (%d bytes truncated) ...\n%s", s[:head], len(s)-maxLen, s[len(s)-tail:])
}
