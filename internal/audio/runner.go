package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os/exec"
	"slices"
	"strings"
)

// CommandLog captures one external command invocation result.
type CommandLog struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	ExitCode int      `json:"exitCode"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
}

// CommandRunner abstracts process execution for testability.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandLog, error)
	// Stream behaves like Run but also hands every stderr line to onLine as
	// it is produced. Carriage returns end a line so progress bars are seen.
	Stream(ctx context.Context, onLine func(line string), name string, args ...string) (CommandLog, error)
}

// execRunner executes commands via os/exec.
type execRunner struct{}

func (r *execRunner) Run(ctx context.Context, name string, args ...string) (CommandLog, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return finish(name, args, stdout.String(), stderr.String(), err)
}

func (r *execRunner) Stream(ctx context.Context, onLine func(line string), name string, args ...string) (CommandLog, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	pipe, err := cmd.StderrPipe()
	if err != nil {
		return CommandLog{Command: name, Args: args, ExitCode: -1}, err
	}
	if err := cmd.Start(); err != nil {
		return CommandLog{Command: name, Args: args, ExitCode: -1}, err
	}

	// the pipe must be drained before Wait
	var stderr bytes.Buffer
	scanLines(io.TeeReader(pipe, &stderr), onLine)

	err = cmd.Wait()
	return finish(name, args, stdout.String(), stderr.String(), err)
}

func finish(name string, args []string, stdout, stderr string, err error) (CommandLog, error) {
	log := CommandLog{
		Command: name,
		Args:    args,
		Stdout:  stdout,
		Stderr:  stderr,
	}
	if err != nil {
		log.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.ExitCode = exitErr.ExitCode()
		}
		return log, err
	}
	return log, nil
}

func scanLines(r io.Reader, onLine func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(splitCRLF)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line != "" && onLine != nil {
			onLine(line)
		}
	}
	// drain so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}

// splitCRLF is bufio.ScanLines that also breaks on a bare '\r'.
func splitCRLF(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// lastLine returns the final non-empty line of tool output.
func lastLine(s string) string {
	if tail := tailLines(s, 1); len(tail) == 1 {
		return tail[0]
	}
	return ""
}

// tailLines returns up to n final non-empty lines of tool output.
func tailLines(s string, n int) []string {
	lines := strings.FieldsFunc(s, func(r rune) bool { return r == '\n' || r == '\r' })
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < n; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			tail = append(tail, l)
		}
	}
	slices.Reverse(tail)
	return tail
}
