package audio

import (
	"errors"
	"fmt"
	"strings"

	"github.com/rehearsekit/backend/internal/storage"
)

// Failure kinds. Match them with errors.Is on any stage error.
var (
	ErrAcquisition      = errors.New("acquisition failed")
	ErrFormat           = errors.New("unexpected audio format")
	ErrToolInvocation   = errors.New("tool invocation failed")
	ErrResourceNotFound = errors.New("resource not found")
	ErrStorage          = storage.ErrStorage
)

// Stage names as they appear in error messages and logs
const (
	StageAcquire  = "acquire"
	StageConvert  = "convert"
	StageAnalyze  = "analyze"
	StageSeparate = "separate"
	StageEmbed    = "embed"
	StageProject  = "project"
	StagePackage  = "package"
	StagePersist  = "persist"
)

// StageError is a stage-aware error with optional command context.
type StageError struct {
	Stage      string
	Kind       error
	Message    string
	CommandLog *CommandLog
	Err        error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	if e.CommandLog == nil || e.CommandLog.Command == "" {
		if e.Err != nil {
			return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
		}
		return fmt.Sprintf("%s: %s", e.Stage, e.Message)
	}
	msg := fmt.Sprintf("%s: %s (cmd=%s exit=%d)", e.Stage, e.Message, e.CommandLog.Command, e.CommandLog.ExitCode)
	if tail := lastLine(e.CommandLog.Stderr); tail != "" {
		msg += ": " + tail
	}
	return msg
}

// maxStderrLines bounds the tool output kept with a recorded failure
const maxStderrLines = 20

// StderrTail returns the final stderr lines of the tool behind err, or "" when
// err carries no command output.
func StderrTail(err error) string {
	var se *StageError
	if !errors.As(err, &se) || se.CommandLog == nil {
		return ""
	}
	return strings.Join(tailLines(se.CommandLog.Stderr, maxStderrLines), "\n")
}

// Is matches the failure kind.
func (e *StageError) Is(target error) bool {
	return e != nil && e.Kind != nil && target == e.Kind
}

// Unwrap exposes underlying error for errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func stageErr(stage string, kind error, err error, format string, args ...any) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func toolErr(stage string, log CommandLog, err error, format string, args ...any) *StageError {
	return &StageError{
		Stage:      stage,
		Kind:       ErrToolInvocation,
		Message:    fmt.Sprintf(format, args...),
		CommandLog: &log,
		Err:        err,
	}
}
