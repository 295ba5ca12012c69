package ratelimit

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidConfig marks programming errors in a Request or in limiter
	// construction. It is returned to the caller and never hits the store.
	ErrInvalidConfig = errors.New("invalid rate limit configuration")

	// ErrStoreUnavailable matches every failure of the state store. Check
	// never returns it; FailurePolicy turns it into a Result.
	ErrStoreUnavailable = errors.New("rate limit store unavailable")

	// ErrProcedureNotRegistered is reported by a store whose cached procedure
	// reference is no longer known server-side.
	ErrProcedureNotRegistered = errors.New("store procedure not registered")
)

// StoreError wraps a failure of a single store operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return "store " + e.Op + ": unavailable"
	}
	return "store " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

func invalidf(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}
