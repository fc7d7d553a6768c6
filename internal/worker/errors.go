package worker

import (
	"errors"
	"fmt"

	"github.com/scarson/mediajobs/internal/store"
)

// Error codes set by the handler adapter.
const (
	CodeInvalidInput  = "invalid_input"
	CodeInvalidResult = "invalid_result"
	CodePanic         = "panic"
)

// HandlerError carries an error code and the retryable/permanent decision
// from a handler to the fail path.
type HandlerError struct {
	Code      string
	Permanent bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Permanent marks err as terminal: the job moves to failed without further
// attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return &HandlerError{Code: he.Code, Permanent: true, Err: he.Err}
	}
	return &HandlerError{Permanent: true, Err: err}
}

// WithCode attaches an error code that is stored in media_jobs.error_code.
func WithCode(code string, err error) error {
	if err == nil {
		return nil
	}
	var he *HandlerError
	if errors.As(err, &he) {
		return &HandlerError{Code: code, Permanent: he.Permanent, Err: he.Err}
	}
	return &HandlerError{Code: code, Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var he *HandlerError
	return errors.As(err, &he) && he.Permanent
}

// failureFor converts a handler error into a store.Failure. Errors without a
// HandlerError in their chain are retryable with the default code.
func failureFor(err error) store.Failure {
	f := store.Failure{Message: err.Error(), Retryable: true}
	var he *HandlerError
	if errors.As(err, &he) {
		f.Code = he.Code
		f.Retryable = !he.Permanent
		f.Message = he.Err.Error()
	}
	return f
}
