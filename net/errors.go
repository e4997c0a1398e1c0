package net

import "github.com/pkg/errors"

// Error taxonomy for the net correlator. A decode failure or an
// unsolicited response/error never reaches a caller; they are logged
// and counted only (metrics.DecodeFailureCounter,
// metrics.UnsolicitedCounter).
var (
	// ErrTimeout is returned when an outstanding request exceeds
	// QueryTimeout. Ping rewrites this to ErrPang.
	ErrTimeout = errors.New("timeout")
	// ErrPang is the ping-specific rewriting of ErrTimeout.
	ErrPang = errors.New("pang")
	// ErrTagExhausted is returned when 16 random tag picks all
	// collided with an endpoint's outstanding requests.
	ErrTagExhausted = errors.New("tag_exhausted")
	// ErrSendFailure wraps a socket write failure, surfaced verbatim
	// to the waiter that triggered it.
	ErrSendFailure = errors.New("send_failure")
	// ErrRemote wraps an explicit error(...) message returned by the
	// remote peer.
	ErrRemote = errors.New("remote_error")
)
