// Package logging builds the structured loggers shared by the API and the worker.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// New creates a [log.Logger] writing to w with timestamps and caller reporting.
//
// The writer defaults to [os.Stderr]. An unparsable level falls back to info.
func New(w io.Writer, level string) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	l := log.NewWithOptions(w, log.Options{ReportTimestamp: true, ReportCaller: true})
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// ForJob returns a child logger tagged with the job id.
func ForJob(l *log.Logger, jobID string) *log.Logger {
	return l.With("job_id", jobID)
}

// AsynqLogger adapts a [log.Logger] to asynq's Logger interface.
type AsynqLogger struct {
	L *log.Logger
}

func (a AsynqLogger) Debug(args ...interface{}) { a.L.Debug(fmt.Sprint(args...)) }
func (a AsynqLogger) Info(args ...interface{})  { a.L.Info(fmt.Sprint(args...)) }
func (a AsynqLogger) Warn(args ...interface{})  { a.L.Warn(fmt.Sprint(args...)) }
func (a AsynqLogger) Error(args ...interface{}) { a.L.Error(fmt.Sprint(args...)) }
func (a AsynqLogger) Fatal(args ...interface{}) { a.L.Fatal(fmt.Sprint(args...)) }
