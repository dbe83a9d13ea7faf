package errors

import (
	"fmt"
	"io"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/tern/rpc/status"
)

// Statuser is implemented by errors that carry an RPC status.
type Statuser interface {
	Status() status.Status
}

// ServerError is raised by handler code to end a call with a specific status. It is
// passed through to the caller unmodified.
type ServerError struct {
	Code    status.Code
	Details string
}

// NewServerError creates a ServerError.
func NewServerError(code status.Code, details string) *ServerError {
	return &ServerError{Code: code, Details: details}
}

// Errorf creates a ServerError with a formatted message.
func Errorf(code status.Code, format string, a ...any) *ServerError {
	return &ServerError{Code: code, Details: fmt.Sprintf(format, a...)}
}

// Error implements error. It formats as "NAME: details".
func (e *ServerError) Error() string {
	return e.Code.String() + ": " + e.Details
}

// Status returns the status the call terminates with.
func (e *ServerError) Status() status.Status {
	return status.New(e.Code, e.Details)
}

// ClientError is what a caller sees when a call ends with a non-OK status. It adds the
// call path for diagnostics.
type ClientError struct {
	// Path is the fully qualified call path, "/<service>/<method>".
	Path    string
	Code    status.Code
	Details string
}

// NewClientError creates a ClientError.
func NewClientError(path string, code status.Code, details string) *ClientError {
	return &ClientError{Path: path, Code: code, Details: details}
}

// Error implements error. It formats as "<path> NAME: details".
func (e *ClientError) Error() string {
	return e.Path + " " + e.Code.String() + ": " + e.Details
}

// Status returns the status the call ended with.
func (e *ClientError) Status() status.Status {
	return status.New(e.Code, e.Details)
}

// FromError normalizes any error into the status it terminates a call with.
// A nil error is OK. Errors carrying a status keep it. Context cancellation and
// deadline expiry map to CANCELLED and DEADLINE_EXCEEDED. Everything else is UNKNOWN
// with the error's text as the message.
func FromError(err error) status.Status {
	if err == nil {
		return status.OKStatus()
	}

	var s Statuser
	if As(err, &s) {
		return s.Status()
	}

	switch {
	case Is(err, context.Canceled):
		return status.New(status.Canceled, err.Error())
	case Is(err, context.DeadlineExceeded):
		return status.New(status.DeadlineExceeded, err.Error())
	}
	return status.New(status.Unknown, err.Error())
}

// FromStatus returns nil for an OK status and a *ServerError otherwise.
func FromStatus(st status.Status) error {
	if st.IsOK() {
		return nil
	}
	return &ServerError{Code: st.Code, Details: st.Message}
}

// ToClientError converts the terminal error of a call into a *ClientError for path.
// nil and io.EOF are returned as is, as is an existing *ClientError.
func ToClientError(path string, err error) error {
	if err == nil || err == io.EOF {
		return err
	}
	if ce, ok := err.(*ClientError); ok {
		return ce
	}
	st := FromError(err)
	if st.IsOK() {
		return nil
	}
	return &ClientError{Path: path, Code: st.Code, Details: st.Message}
}

// Code returns the status code of err as FromError would normalize it.
func Code(err error) status.Code {
	return FromError(err).Code
}
