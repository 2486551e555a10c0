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

package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for the standard engine.
// These errors can be checked with errors.Is().
var (
	// ErrUnsupportedKeyType indicates a roster key with an unknown curve tag.
	ErrUnsupportedKeyType = errors.New("engine: unsupported key type")

	// ErrMalformedHex indicates a field that is not valid hex.
	ErrMalformedHex = errors.New("engine: malformed hex")

	// ErrMalformedKey indicates key bytes that do not decode to a curve point.
	ErrMalformedKey = errors.New("engine: malformed public key")

	// ErrMalformedSignature indicates signature bytes that do not parse.
	ErrMalformedSignature = errors.New("engine: malformed signature")

	// ErrEmptyCommitments indicates a signing package with no commitments.
	ErrEmptyCommitments = errors.New("engine: no commitments to aggregate")

	// ErrMalformedPackage indicates an undecodable signing package.
	ErrMalformedPackage = errors.New("engine: malformed signing package")

	// ErrMissingShare indicates a commitment with no matching signature share.
	ErrMissingShare = errors.New("engine: missing signature share")

	// ErrMissingVerifyingShare indicates a share with no verifying share.
	ErrMissingVerifyingShare = errors.New("engine: missing verifying share")

	// ErrInvalidShare indicates a signature share that fails verification
	// against its verifying share.
	ErrInvalidShare = errors.New("engine: invalid signature share")

	// ErrAggregationFailed wraps any other failure during aggregation.
	ErrAggregationFailed = errors.New("engine: aggregation failed")
)

// ShareError identifies the participant whose share failed verification.
type ShareError struct {
	IDHex  string
	Reason string
}

// Error implements the error interface.
func (e *ShareError) Error() string {
	return fmt.Sprintf("engine: share from %s rejected: %s", e.IDHex, e.Reason)
}

// Unwrap returns the underlying error for errors.Is() support.
func (e *ShareError) Unwrap() error {
	return ErrInvalidShare
}
