package pipeline

import (
	"errors"
	"fmt"

	"meeting-pipeline-go/internal/types"
)

// Domain says which side of the pipeline produced a failure.
type Domain string

const (
	DomainPipeline Domain = "pipeline"
	DomainRemote   Domain = "remote"
)

type Code string

const (
	CodeMissingInput    Code = "missing_input"
	CodeTranscodeFailed Code = "transcode_failed"
	CodeTransport       Code = "transport"
	CodeTimeout         Code = "timeout"
	CodeCancelled       Code = "cancelled"
	CodeRemoteFailed    Code = "remote_failed"
)

var (
	// ErrAlreadyRunning is returned when an orchestrator is asked to run
	// while a previous invocation is still in flight.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrCancelled is the cancel cause for a user-initiated stop. Any other
	// cancellation is treated as an interruption and leaves the task
	// resumable from the stage it was in.
	ErrCancelled = errors.New("cancelled by user")

	ErrBadSpeaker = errors.New("speaker not valid for task mode")
)

// Failure is a terminal stage failure.
type Failure struct {
	Domain  Domain
	Code    Code
	Stage   types.Status
	Message string
	Err     error

	// Backend diagnostics, set for remote failures.
	TaskKey    string
	APIStatus  string
	StatusText string
}

func (f *Failure) Error() string {
	if f == nil {
		return ""
	}
	if f.Stage == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", f.Stage, f.Message)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

func missingInput(stage types.Status, what string) *Failure {
	return &Failure{
		Domain:  DomainPipeline,
		Code:    CodeMissingInput,
		Stage:   stage,
		Message: what + " missing",
	}
}

// clientFailure passes collaborator errors through with their message intact.
func clientFailure(stage types.Status, err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	return &Failure{
		Domain:  DomainPipeline,
		Code:    CodeTransport,
		Stage:   stage,
		Message: err.Error(),
		Err:     err,
	}
}
