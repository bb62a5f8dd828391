// SPDX-License-Identifier: GPL-3.0-or-later

// Package errs implements the error-kind taxonomy of the migration
// pipeline's error handling design: a small fixed set of kinds, each
// usable as an errors.Is sentinel, wrapping an underlying cause.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the eleven error kinds the migration pipeline
// distinguishes. Retry policy and stage-abort behavior are decided solely
// by Kind, never by inspecting message text.
type Kind string

const (
	ConfigInvalid    Kind = "CONFIG_INVALID"
	PermissionTooOpen Kind = "PERMISSION_TOO_OPEN"
	AuthFailed       Kind = "AUTH_FAILED"
	Transport        Kind = "TRANSPORT"
	Throttled        Kind = "THROTTLED"
	NotFound         Kind = "NOT_FOUND"
	Integrity        Kind = "INTEGRITY"
	DedupSkip        Kind = "DEDUP_SKIP"
	LockTimeout      Kind = "LOCK_TIMEOUT"
	VerifyFailed     Kind = "VERIFY_FAILED"
	Internal         Kind = "INTERNAL"
)

// Error wraps a Kind around an underlying cause plus optional context used
// when logging the terminal-for-a-message line spec.md §7 requires.
type Error struct {
	Kind    Kind
	Folder  string
	Message string // message identity key, when applicable
	Reply   string // last-seen server reply (IMAP tag line or REST throttle marker)
	Cause   error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %s", msg, e.Cause.Error())
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is lets errors.Is(err, errs.IsThrottled) work by comparing the Kind
// against a sentinel *Error that carries only a Kind and no Cause.
func (e *Error) Is(target error) bool {
	k, ok := target.(*Error)
	if !ok {
		return false
	}
	if k.Cause != nil {
		return false
	}
	return e.Kind == k.Kind
}

// sentinel returns a bare *Error carrying only a Kind, for use with
// errors.Is.
func sentinel(k Kind) *Error { return &Error{Kind: k} }

var (
	IsConfigInvalid     = sentinel(ConfigInvalid)
	IsPermissionTooOpen = sentinel(PermissionTooOpen)
	IsAuthFailed        = sentinel(AuthFailed)
	IsTransport         = sentinel(Transport)
	IsThrottled         = sentinel(Throttled)
	IsNotFound          = sentinel(NotFound)
	IsIntegrity         = sentinel(Integrity)
	IsDedupSkip         = sentinel(DedupSkip)
	IsLockTimeout       = sentinel(LockTimeout)
	IsVerifyFailed      = sentinel(VerifyFailed)
	IsInternal          = sentinel(Internal)
)

// New wraps cause in an Error of the given kind.
func New(k Kind, cause error) *Error {
	return &Error{Kind: k, Cause: cause}
}

// Newf wraps a formatted message in an Error of the given kind.
func Newf(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Cause: fmt.Errorf(format, args...)}
}

// WithContext returns a copy of e annotated with folder/message/reply
// context, for the terminal-failure log line spec.md §7 requires.
func (e *Error) WithContext(folder, message, reply string) *Error {
	cp := *e
	cp.Folder = folder
	cp.Message = message
	cp.Reply = reply
	return &cp
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error, defaulting to Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Retryable reports whether the error kind policy in spec.md §7 allows a
// retry: THROTTLED and TRANSPORT are retried; everything else is not.
func Retryable(err error) bool {
	switch KindOf(err) {
	case Throttled, Transport:
		return true
	default:
		return false
	}
}

// AbortsStage reports whether the error kind policy requires aborting the
// whole stage immediately rather than recording a per-message failure.
func AbortsStage(err error) bool {
	switch KindOf(err) {
	case AuthFailed, ConfigInvalid, PermissionTooOpen:
		return true
	default:
		return false
	}
}
