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

import "github.com/jeremyhahn/go-fserver/pkg/wire"

// Engine is the boundary between the ceremony coordinator and the underlying
// cryptography. The coordinator never manipulates key material; it forwards
// opaque hex blobs and calls the engine to verify signatures or aggregate
// results.
//
// Auth payload derivations are deterministic, order-sensitive bindings of the
// listed fields. Clients must derive the identical payload before signing a
// round submission.
type Engine interface {
	// VerifySignature checks signatureHex against publicKey over the canonical
	// payload bytes encoded in payloadHex. A false return with a nil error
	// means the signature is well-formed but does not verify.
	VerifySignature(publicKey wire.RosterPublicKey, payloadHex, signatureHex string) (bool, error)

	// AuthPayloadRound1 binds a DKG round-1 package to its session and sender.
	AuthPayloadRound1(sessionID, idHex, pkgHex string) string

	// AuthPayloadRound2 binds one encrypted DKG round-2 package to its
	// session, sender, recipient, and the three encrypted-payload fields.
	AuthPayloadRound2(sessionID, senderIDHex, recipientIDHex, ephemeralHex, nonceHex, ciphertextHex string) string

	// AuthPayloadFinalize binds a finalize submission to its session, sender,
	// and claimed group verification key.
	AuthPayloadFinalize(sessionID, idHex, groupVKHex string) string

	// AuthPayloadSignRound1 binds a signing commitment to its session, group,
	// and sender.
	AuthPayloadSignRound1(sessionID, groupID, idHex, commitmentsHex string) string

	// AuthPayloadSignRound2 binds a signature share to its session, group,
	// sender, and the message digest being signed.
	AuthPayloadSignRound2(sessionID, groupID, idHex, shareHex, messageHex string) string

	// ComputeSigningPackage aggregates signing round-1 commitments and the
	// message digest into an opaque signing package.
	ComputeSigningPackage(commitmentsByID map[string]string, messageHex string) (string, error)

	// AggregateSignatures combines signature shares, the verifying shares
	// retained at join time, the signing package, and the group verification
	// key into the final signature.
	AggregateSignatures(signingPackageHex string, sharesByID, verifyingSharesByID map[string]string, groupVKHex string) (*AggregateResult, error)
}

// AggregateResult is the final signature together with its decomposed
// components, all hex-encoded.
type AggregateResult struct {
	SignatureHex string
	RX           string
	RY           string
	S            string
	PX           string
	PY           string
}
