// Package ghosterrors implements the error taxonomy carried by TASK_ERROR
// and SCHEDULER failure events: a single typed error over a closed set of
// kinds, rather than one struct per HTTP status the way a request/response
// service would do it.
package ghosterrors

import "fmt"

// Kind is the error taxonomy tag carried by ErrorDetail.
type Kind string

const (
	KindNetwork    Kind = "NETWORK"
	KindRuntime    Kind = "RUNTIME"
	KindCDP        Kind = "CDP"
	KindTimeout    Kind = "TIMEOUT"
	KindValidation Kind = "VALIDATION"
	KindState      Kind = "STATE"
	KindUnknown    Kind = "UNKNOWN"
)

// Error is the orchestrator's single error type. It is deliberately not
// split into one struct per kind: ErrorDetail is a wire-level value object
// consumed uniformly regardless of kind, so one type with a Kind field is
// all the callers need.
type Error struct {
	Kind      Kind
	Message   string
	URL       string
	Step      int
	Status    int
	Retryable bool
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// WithURL attaches the URL in effect when the error occurred.
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// WithStep attaches the loop step index in effect when the error occurred.
func (e *Error) WithStep(step int) *Error {
	e.Step = step
	return e
}

// WithStatus attaches an HTTP-like status code, when one is known (e.g. a
// navigate that observed a response status before failing).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// AsRetryable marks the error as eligible for scheduler-level retry. Per the
// propagation rules in the error handling design, VALIDATION errors and
// explicit FAILED actions are never retryable regardless of this flag —
// callers should not mark them so.
func (e *Error) AsRetryable() *Error {
	e.Retryable = true
	return e
}

// Network, Runtime, CDP, Timeout, Validation, State, and Unknown are
// constructors for the seven taxonomy members.
func Network(message string, cause error) *Error  { return New(KindNetwork, message, cause) }
func Runtime(message string, cause error) *Error  { return New(KindRuntime, message, cause) }
func CDP(message string, cause error) *Error      { return New(KindCDP, message, cause) }
func Timeout(message string, cause error) *Error  { return New(KindTimeout, message, cause) }
func Validation(message string) *Error            { return New(KindValidation, message, nil) }
func State(message string) *Error                 { return New(KindState, message, nil) }
func Unknown(message string, cause error) *Error  { return New(KindUnknown, message, cause) }

// IsRetryableKind reports whether errors of this kind are ever eligible
// for scheduler retry. VALIDATION and STATE errors represent a caller or
// program bug, not a transient condition, so they are never retryable.
func IsRetryableKind(k Kind) bool {
	switch k {
	case KindValidation, KindState:
		return false
	default:
		return true
	}
}

// Detail is the wire-level ErrorDetail value carried in TASK_ERROR and
// SCHEDULER failure events (§3 Data Model).
type Detail struct {
	Type      Kind   `json:"type"`
	Status    int    `json:"status,omitempty"`
	URL       string `json:"url,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
	Step      int    `json:"step"`
}

// ToDetail converts an *Error into its wire representation.
func (e *Error) ToDetail() Detail {
	return Detail{
		Type:      e.Kind,
		Status:    e.Status,
		URL:       e.URL,
		Message:   e.Message,
		Retryable: e.Retryable,
		Step:      e.Step,
	}
}

// FromError converts an arbitrary error into an ErrorDetail, classifying
// unrecognized errors as UNKNOWN/non-retryable the way the IPC inbound
// validation boundary requires.
func FromError(err error) Detail {
	if err == nil {
		return Detail{Type: KindUnknown, Message: "nil error"}
	}
	var ge *Error
	if asError(err, &ge) {
		return ge.ToDetail()
	}
	return Detail{Type: KindUnknown, Message: err.Error(), Retryable: false}
}

// FromDetail converts a wire-level Detail back into an *Error, the inverse
// of ToDetail, for callers (e.g. the loop reading a TASK_ERROR envelope
// response) that need to resume their normal *Error-based control flow
// after a round trip through the bus.
func FromDetail(d Detail) *Error {
	return &Error{
		Kind:      d.Type,
		Message:   d.Message,
		URL:       d.URL,
		Step:      d.Step,
		Status:    d.Status,
		Retryable: d.Retryable,
	}
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
