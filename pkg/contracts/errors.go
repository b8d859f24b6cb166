package contracts

import "fmt"

// ErrorKind drives the workflow's disposition for a failed activity:
// retry, branch to human, park, or fail.
type ErrorKind string

const (
	// KindUserCorrectable suspends the case on the corresponding user event.
	KindUserCorrectable ErrorKind = "user_correctable"
	// KindDataWarning is recorded but never blocks progression.
	KindDataWarning ErrorKind = "data_warning"
	// KindTransient retries per policy; exhaustion parks the writer,
	// fails everything else.
	KindTransient ErrorKind = "transient"
	// KindCommittee retries once at workflow level, then surfaces as
	// needs-human.
	KindCommittee ErrorKind = "committee"
	// KindFatal is non-retryable and fails the case with a human alert.
	KindFatal ErrorKind = "fatal"
)

// ActivityError is the structured error an activity returns to the workflow.
// Code is stable (it appears in audit trails and user messages); Kind decides
// the disposition; Retryable short-circuits the retry policy when false.
type ActivityError struct {
	Code      string    `json:"code"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewTransientError builds a retryable transient-external error.
func NewTransientError(code, format string, args ...any) *ActivityError {
	return &ActivityError{Code: code, Kind: KindTransient, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewFatalError builds a non-retryable fatal error.
func NewFatalError(code, format string, args ...any) *ActivityError {
	return &ActivityError{Code: code, Kind: KindFatal, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// NewUserError builds a non-retryable user-correctable error; the workflow
// notifies the submitter and suspends on the matching signal.
func NewUserError(code, format string, args ...any) *ActivityError {
	return &ActivityError{Code: code, Kind: KindUserCorrectable, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// AsActivityError unwraps err into an *ActivityError, or wraps it as a
// retryable transient error with the given fallback code.
func AsActivityError(err error, fallbackCode string) *ActivityError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*ActivityError); ok {
		return ae
	}
	return NewTransientError(fallbackCode, "%s", err.Error())
}
