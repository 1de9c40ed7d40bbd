package tpay

import (
	"errors"
	"fmt"
)

// Kind buckets every error the SDK can surface. Callers branch on Kind, not
// on message text.
type Kind string

const (
	KindConfig           Kind = "config"            // missing or malformed credentials
	KindNotInitialized   Kind = "not_initialized"   // Default() used before Initialize()
	KindValidation       Kind = "validation"        // bad input, nothing was sent
	KindNetwork          Kind = "network"           // connection-level failure
	KindTimeout          Kind = "timeout"           // attempt exceeded its deadline
	KindAuth             Kind = "auth"              // ledger rejected the credentials
	KindChallenged       Kind = "challenged"        // settlement needs more data first
	KindRetriesExhausted Kind = "retries_exhausted" // transient failures outlasted the budget
	KindPollTimeout      Kind = "poll_timeout"      // maxWait elapsed; polling may resume
	KindChallengeExpired Kind = "challenge_expired" // resolution window closed
	KindNotFound         Kind = "not_found"         // no such payment, agent, or asset
	KindAPI              Kind = "api"               // any other ledger-reported failure
)

// Error is the single error type returned by SDK operations.
type Error struct {
	Kind          Kind
	Message       string
	Status        int        // HTTP status when the ledger answered, else 0
	Challenge     *Challenge // set when Kind == KindChallenged
	CorrelationID string     // set when the failure happened inside a traced call
	Err           error      // underlying cause, if any
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on a bare &Error{Kind: ...} probe.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// KindOf extracts the Kind from any error, or "" for non-SDK errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the error kind is transient by classification.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// ChallengeOf returns the challenge carried by a KindChallenged error, or nil.
func ChallengeOf(err error) *Challenge {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindChallenged {
		return e.Challenge
	}
	return nil
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}
