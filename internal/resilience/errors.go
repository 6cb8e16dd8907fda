// Package resilience classifies store failures into the run-level error
// taxonomy and provides retry and circuit-breaker helpers for store calls.
package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// ConnectivityError means the persistent store cannot be reached. It is
// fatal: the run stops taking new records.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return "store unreachable during " + e.Op + ": " + e.Err.Error()
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// RecordError is a failure confined to one input record. It is routed to
// the error sink and processing continues.
type RecordError struct {
	Stage  string
	Record string
	Err    error
}

func (e *RecordError) Error() string {
	return e.Stage + " failed for " + e.Record + ": " + e.Err.Error()
}

func (e *RecordError) Unwrap() error { return e.Err }

// NewRecordError wraps err as a per-record failure.
func NewRecordError(stage, record string, err error) *RecordError {
	return &RecordError{Stage: stage, Record: record, Err: err}
}

// TransientError marks an error as safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error) *TransientError {
	return &TransientError{Err: err}
}

// transientSQLStates are PostgreSQL error codes worth retrying:
// serialization failure, deadlock, too many connections, admin shutdown,
// cannot connect now.
var transientSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"53300": true,
	"57P01": true,
	"57P03": true,
}

// IsTransient reports whether err is worth retrying: explicit
// TransientError, network timeouts, connection resets and the retryable
// PostgreSQL error classes.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return transientSQLStates[pgErr.Code]
	}

	if pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
		"server closed the connection",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// IsConnectivity reports whether err means the store itself is gone rather
// than one statement failing.
func IsConnectivity(err error) bool {
	if err == nil {
		return false
	}

	var ce *ConnectivityError
	if errors.As(err, &ce) {
		return true
	}
	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range []string{
		"connection refused",
		"conn closed",
		"closed pool",
		"failed to connect",
	} {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// Classify turns a store error for one record into either a
// ConnectivityError or a RecordError. nil stays nil.
func Classify(op, record string, err error) error {
	if err == nil {
		return nil
	}
	if IsConnectivity(err) {
		var ce *ConnectivityError
		if errors.As(err, &ce) {
			return ce
		}
		return &ConnectivityError{Op: op, Err: err}
	}
	var re *RecordError
	if errors.As(err, &re) {
		return re
	}
	return NewRecordError(op, record, err)
}
