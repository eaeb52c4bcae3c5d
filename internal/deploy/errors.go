package deploy

import (
	"errors"
	"fmt"

	"nbdeploy/internal/model"
)

var (
	ErrAuthRejected    = errors.New("invalid username or password")
	ErrUploadAbandoned = errors.New("notebook upload abandoned")
	ErrSessionClosed   = errors.New("session closed")
	ErrNoPreviousJob   = errors.New("no previous python job for this notebook")
	ErrBusy            = errors.New("another operation is in progress")
	ErrNoKernelURL     = errors.New("platform reported no notebook server url for the job")
)

// StateError is returned when an operation is called in a state that does not accept it.
type StateError struct {
	Op    string
	State model.State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in state %s", e.Op, e.State)
}

// Failure is the terminal error of a failed deployment attempt.
type Failure struct {
	Reason model.FailureReason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}
