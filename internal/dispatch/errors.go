package dispatch

import "fmt"

// Kind classifies a dispatch failure. There is no retry: a failed
// dispatch is final until the operator re-triggers it.
type Kind string

const (
	KindTimeout           Kind = "timeout"
	KindConnectionRefused Kind = "connection_refused"
	KindHTTPStatus        Kind = "http_status"
)

// Error is a failed call to one automator. It never escapes the dispatch
// boundary as a process fault; callers convert it into a Result.
type Error struct {
	Kind       Kind
	StatusCode int // set when Kind == KindHTTPStatus
	TargetID   string
	cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindHTTPStatus:
		return fmt.Sprintf("automator %s returned HTTP %d", e.TargetID, e.StatusCode)
	case KindTimeout:
		return fmt.Sprintf("automator %s timed out", e.TargetID)
	default:
		return fmt.Sprintf("automator %s connection refused", e.TargetID)
	}
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Code returns the wire form of the error kind, e.g. "http_status_503".
func (e *Error) Code() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("%s_%d", KindHTTPStatus, e.StatusCode)
	}
	return string(e.Kind)
}
