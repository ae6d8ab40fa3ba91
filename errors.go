// Package storeforge implements a content-addressed build engine: a
// goal-oriented scheduler that realises store paths by building derivations
// or invoking external substituters, backed by a transactional store
// database.
package storeforge

import (
	"errors"
	"fmt"
)

// UsageError signals a malformed CLI invocation or request. Callers surface
// the message and exit; it never propagates into goal state machines.
type UsageError struct {
	Msg string
}

func (e *UsageError) Error() string { return "usage: " + e.Msg }

// NewUsageError builds a UsageError with a formatted message.
func NewUsageError(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// SysError wraps an underlying OS call failure with context.
type SysError struct {
	Op  string
	Err error
}

func (e *SysError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *SysError) Unwrap() error { return e.Err }

// NewSysError wraps err with the operation that failed.
func NewSysError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &SysError{Op: op, Err: err}
}

// DbError reports a store database failure. Unless it is DbNoPermission, it
// is fatal to the process.
type DbError struct {
	Op  string
	Err error
}

func (e *DbError) Error() string { return fmt.Sprintf("db: %s: %v", e.Op, e.Err) }
func (e *DbError) Unwrap() error { return e.Err }

// NewDbError wraps err as a DbError.
func NewDbError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DbError{Op: op, Err: err}
}

// DbNoPermission is a DbError raised specifically when opening the store
// database fails due to insufficient permissions. The engine demotes itself
// to read-only mode rather than treating this as fatal.
type DbNoPermission struct {
	Path string
	Err  error
}

func (e *DbNoPermission) Error() string {
	return fmt.Sprintf("permission denied opening store db at %s: %v", e.Path, e.Err)
}
func (e *DbNoPermission) Unwrap() error { return e.Err }

// BuildError reports a local build failure (bad platform, non-zero builder
// exit, missing output, hash mismatch, unrecomputable closure). A goal that
// hits BuildError completes with failure; under keepGoing the scheduler
// continues with other goals.
type BuildError struct {
	DrvPath string
	Msg     string
}

func (e *BuildError) Error() string {
	if e.DrvPath != "" {
		return fmt.Sprintf("build of %s failed: %s", e.DrvPath, e.Msg)
	}
	return fmt.Sprintf("build failed: %s", e.Msg)
}

// NewBuildError constructs a BuildError for drvPath.
func NewBuildError(drvPath, format string, args ...any) error {
	return &BuildError{DrvPath: drvPath, Msg: fmt.Sprintf(format, args...)}
}

// SubstError reports that a single substitute candidate failed. It must
// never fail the owning SubstitutionGoal outright; the goal logs the error
// and advances to the next candidate.
type SubstError struct {
	StorePath string
	Program   string
	Msg       string
}

func (e *SubstError) Error() string {
	return fmt.Sprintf("substitute %s for %s failed: %s", e.Program, e.StorePath, e.Msg)
}

// NewSubstError constructs a SubstError.
func NewSubstError(storePath, program, format string, args ...any) error {
	return &SubstError{StorePath: storePath, Program: program, Msg: fmt.Sprintf(format, args...)}
}

// Error is the catch-all kind: anything else, and it kills its goal.
type Error struct {
	Msg string
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}
func (e *Error) Unwrap() error { return e.Err }

// IsBuildError reports whether err is (or wraps) a *BuildError.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}

// IsSubstError reports whether err is (or wraps) a *SubstError.
func IsSubstError(err error) bool {
	var se *SubstError
	return errors.As(err, &se)
}

// IsDbNoPermission reports whether err is (or wraps) a *DbNoPermission.
func IsDbNoPermission(err error) bool {
	var dnp *DbNoPermission
	return errors.As(err, &dnp)
}

// IsUsageError reports whether err is (or wraps) a *UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}
