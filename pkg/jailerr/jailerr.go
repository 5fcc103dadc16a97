// Package jailerr defines the single error type every jail-construction
// component surfaces, classified into one of: ConfigError,
// PathPolicyViolation, NotFound, FormatMismatch, CacheDrift, SymlinkLoop,
// MountConflict, SubprocessFailure, ArgumentError, IoError.
package jailerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an *Error so callers can branch on it with Is without
// string matching.
type Kind int

const (
	ConfigError Kind = iota
	PathPolicyViolation
	NotFound
	FormatMismatch
	CacheDrift
	SymlinkLoop
	MountConflict
	SubprocessFailure
	ArgumentError
	IoError
)

func (k Kind) String() string {
	switch k {
	case ConfigError:
		return "ConfigError"
	case PathPolicyViolation:
		return "PathPolicyViolation"
	case NotFound:
		return "NotFound"
	case FormatMismatch:
		return "FormatMismatch"
	case CacheDrift:
		return "CacheDrift"
	case SymlinkLoop:
		return "SymlinkLoop"
	case MountConflict:
		return "MountConflict"
	case SubprocessFailure:
		return "SubprocessFailure"
	case ArgumentError:
		return "ArgumentError"
	case IoError:
		return "IoError"
	}
	return "UnknownError"
}

// Error is the single failure type every component in the jail-construction
// engine surfaces. Path is empty when the error is not path-specific.
type Error struct {
	Kind  Kind
	Path  string
	cause error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Path, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds a *Error from a format string, matching the fmt.Errorf idiom
// used everywhere else in this module.
func New(kind Kind, format string, a ...interface{}) *Error {
	return &Error{Kind: kind, cause: fmt.Errorf(format, a...)}
}

// WithPath attaches the offending path to an existing error, used where the
// path is only known at the call site that received the error.
func (e *Error) WithPath(path string) *Error {
	return &Error{Kind: e.Kind, Path: path, cause: e.cause}
}

// Wrap attaches kind and path to an arbitrary cause (e.g. a raw syscall
// error or a subprocess exec error), preserving the cause chain via
// github.com/pkg/errors so verbose logging can print it in full.
func Wrap(kind Kind, path string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Path: path, cause: errors.WithStack(cause)}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var je *Error
	if errors.As(err, &je) {
		return je.Kind == kind
	}
	return false
}
