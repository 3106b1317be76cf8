// Package errors defines sentinel errors for all commands. Return these
// unwrapped — wrapping changes the gRPC code on the wire.
//
// The taxonomy mirrors spec §7: Precondition errors surface to the
// caller with no state change, Transient errors are safe to retry (the
// scheduler makes progress without retry regardless), Integrity
// violations are either swallowed (pair-creation races) or logged as
// fatal bugs, and Fatal errors abort the affected job.
package errors

import "github.com/heroiclabs/nakama-common/runtime"

// gRPC status codes.
const (
	CodeInternal     = 13 // codes.Internal
	CodeInvalidArg   = 3  // codes.InvalidArgument
	CodeForbidden    = 7  // codes.PermissionDenied
	CodeUnavailable  = 14 // codes.Unavailable
	CodeFailedPrecon = 9  // codes.FailedPrecondition
	CodeNotFound     = 5  // codes.NotFound
)

var (
	// Preconditions (no state change) — code 9 unless noted.
	ErrInvalidTransition = runtime.NewError("invalid state transition", CodeFailedPrecon)
	ErrAlreadyQueued     = runtime.NewError("user already queued", CodeFailedPrecon)
	ErrAlreadyMatched    = runtime.NewError("user already matched", CodeFailedPrecon)
	ErrNotInVoteWindow   = runtime.NewError("match is not in an active vote window", CodeFailedPrecon)
	ErrNotParticipant    = runtime.NewError("user is not a participant in this match", CodeForbidden)
	ErrInCooldown        = runtime.NewError("user is in cooldown", CodeFailedPrecon)
	ErrInvalidValue      = runtime.NewError("invalid vote value", CodeInvalidArg)
	ErrInvalidMatch      = runtime.NewError("invalid or unknown match", CodeNotFound)
	ErrUserOffline       = runtime.NewError("user is offline", CodeFailedPrecon)

	// Transient (safe to retry).
	ErrBusy    = runtime.NewError("busy, try again", CodeUnavailable)
	ErrExpired = runtime.NewError("vote window expired", CodeFailedPrecon)

	// Input/context errors.
	ErrNoUserIdFound = runtime.NewError("no user ID in context", CodeInvalidArg)
	ErrUnknownUser   = runtime.NewError("unknown user", CodeNotFound)
	ErrInvalidInput  = runtime.NewError("invalid request", CodeInvalidArg)
	ErrMarshal       = runtime.NewError("cannot marshal type", CodeInternal)
	ErrUnmarshal     = runtime.NewError("cannot unmarshal type", CodeInternal)

	// Fatal / integrity (store unreachable, schema mismatch, unexplained unique-index hit).
	ErrInternalError     = runtime.NewError("internal server error", CodeInternal)
	ErrStoreUnreachable  = runtime.NewError("store unreachable", CodeInternal)
	ErrIntegrityViolation = runtime.NewError("integrity invariant violated", CodeInternal)
)
