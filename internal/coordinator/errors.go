// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-fserver.
//
// go-fserver is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package coordinator

import "errors"

// Error taxonomy for the orchestration core. Every error is recovered at the
// point of detection and surfaced to the offending connection as an Error
// message; it never aborts the process and never affects other sessions.
// The one exception is aggregation failure during signing round finish, which
// is broadcast to every participant of that session.
var (
	// ErrAuth indicates a bad challenge or signature at login.
	ErrAuth = errors.New("authentication failed")

	// ErrAuthorization indicates the caller is not logged in or is not a
	// member of the session's configured roster.
	ErrAuthorization = errors.New("not authorized")

	// ErrVerification indicates a bad signature on a round submission.
	ErrVerification = errors.New("verification failed")

	// ErrProtocol indicates an identifier mismatch, an unknown session, or a
	// message sent out of its expected state.
	ErrProtocol = errors.New("protocol violation")

	// ErrConsistency indicates a finalize submission conflicting with the
	// session's already agreed group key.
	ErrConsistency = errors.New("inconsistent submission")

	// ErrAggregation indicates an engine-side aggregation failure.
	ErrAggregation = errors.New("aggregation failed")
)

// errorClass maps an error to its taxonomy label for metrics.
func errorClass(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrAuthorization):
		return "authorization"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrConsistency):
		return "consistency"
	case errors.Is(err, ErrAggregation):
		return "aggregation"
	default:
		return "other"
	}
}
