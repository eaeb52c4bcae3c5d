package model

import "fmt"

type State string

const (
	StateIdle             State = "idle"
	StateCheckingAuth     State = "checking_auth"
	StateLoggingIn        State = "logging_in"
	StateFormEntry        State = "form_entry"
	StateSubmitting       State = "submitting"
	StateAwaitingRunReady State = "awaiting_run_ready"
	StateUploadingContent State = "uploading_content"
	StateCompleted        State = "completed"
	StateFailed           State = "failed"
	StateClosed           State = "closed"
)

var allowedTransitions = map[State]map[State]bool{
	StateIdle: {
		StateCheckingAuth: true,
		StateClosed:       true,
	},
	StateCheckingAuth: {
		StateCheckingAuth: true, // manual re-probe after a connection error
		StateLoggingIn:    true,
		StateFormEntry:    true,
		StateFailed:       true,
		StateClosed:       true,
	},
	StateLoggingIn: {
		StateCheckingAuth: true,
		StateLoggingIn:    true,
		StateFailed:       true,
		StateClosed:       true,
	},
	StateFormEntry: {
		StateFormEntry:  true,
		StateSubmitting: true,
		StateFailed:     true,
		StateClosed:     true,
	},
	StateSubmitting: {
		StateAwaitingRunReady: true,
		StateFailed:           true,
		StateClosed:           true,
	},
	StateAwaitingRunReady: {
		StateAwaitingRunReady: true,
		StateUploadingContent: true,
		StateCompleted:        true,
		StateFailed:           true,
		StateClosed:           true,
	},
	StateUploadingContent: {
		StateUploadingContent: true,
		StateCompleted:        true,
		StateFailed:           true,
		StateClosed:           true,
	},
	StateCompleted: {
		StateClosed: true,
	},
	StateFailed: {
		StateFormEntry: true, // a rejected attempt may be edited and resubmitted
		StateClosed:    true,
	},
	StateClosed: {},
}

func IsKnownState(state State) bool {
	_, ok := allowedTransitions[state]
	return ok
}

func CanTransition(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func IsTerminal(state State) bool {
	return state == StateCompleted || state == StateFailed || state == StateClosed
}

// FailureReason names why a deployment ended in StateFailed.
type FailureReason string

const (
	ReasonNone               FailureReason = ""
	ReasonRemoteUnavailable  FailureReason = "remote_unavailable"
	ReasonAuthRejected       FailureReason = "auth_rejected"
	ReasonUnsupportedKernel  FailureReason = "unsupported_kernel"
	ReasonSubmissionRejected FailureReason = "submission_rejected"
	ReasonUploadAbandoned    FailureReason = "upload_abandoned"
)

// Transition records one accepted state change.
type Transition struct {
	From   State
	To     State
	Reason FailureReason
}

func CheckTransition(from, to State, sessionID string) error {
	if !IsKnownState(from) || !IsKnownState(to) {
		return fmt.Errorf("unknown deployment state in transition: %q -> %q (session_id=%s)", from, to, sessionID)
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid deployment state transition: %q -> %q (session_id=%s)", from, to, sessionID)
	}
	return nil
}
