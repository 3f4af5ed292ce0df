package model

import (
	"context"
	"errors"
	"fmt"
)

// Error kind labels recorded in ItemOutcome.Error.Kind.
const (
	ErrKindValidation = "VALIDATION"
	ErrKindPortal     = "PORTAL"
	ErrKindHTTP       = "HTTP"
	ErrKindTimeout    = "TIMEOUT"
	ErrKindNetwork    = "NETWORK"
	ErrKindIO         = "IO"
	ErrKindFormat     = "FORMAT"
	ErrKindParse      = "PARSE"
	ErrKindDB         = "DB"
	ErrKindCancelled  = "CANCELLED"
)

// ValidationError reports bad user input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PortalError reports a non-2xx or malformed response from the disclosure
// portal. Snippet holds the first part of the body for diagnostics.
type PortalError struct {
	Status  int
	Snippet string
}

func (e *PortalError) Error() string {
	return fmt.Sprintf("portal error: status %d: %s", e.Status, e.Snippet)
}

// DownloadError reports a failed artifact fetch with its classification.
type DownloadError struct {
	Kind   string // HTTP, TIMEOUT, NETWORK, IO
	Status int    // set when Kind == HTTP
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("download %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("download %s: %v", e.Kind, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// FormatError reports that format detection returned UNKNOWN and every
// fallback parser was exhausted.
type FormatError struct {
	Path string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unrecognized report format: %s", e.Path)
}

// ParseError reports a failure inside an extractor or the concept mapper.
type ParseError struct {
	Kind ParserKind
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s parse: %v", e.Kind, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// DbError reports a persistence failure. Transport failures are retryable;
// constraint violations are terminal.
type DbError struct {
	Constraint bool
	Err        error
}

func (e *DbError) Error() string {
	if e.Constraint {
		return fmt.Sprintf("db constraint: %v", e.Err)
	}
	return fmt.Sprintf("db transport: %v", e.Err)
}

func (e *DbError) Unwrap() error { return e.Err }

// ErrorKind classifies err into one of the kind labels above for the
// per-item outcome record.
func ErrorKind(err error) string {
	if err == nil {
		return ""
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ErrKindValidation
	}
	var pe *PortalError
	if errors.As(err, &pe) {
		return ErrKindPortal
	}
	var de *DownloadError
	if errors.As(err, &de) {
		return de.Kind
	}
	var fe *FormatError
	if errors.As(err, &fe) {
		return ErrKindFormat
	}
	var xe *ParseError
	if errors.As(err, &xe) {
		return ErrKindParse
	}
	var dbe *DbError
	if errors.As(err, &dbe) {
		return ErrKindDB
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrKindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrKindCancelled
	}
	return ErrKindNetwork
}

// IsRetryableDb reports whether err is a transport-level DbError.
func IsRetryableDb(err error) bool {
	var dbe *DbError
	return errors.As(err, &dbe) && !dbe.Constraint
}
