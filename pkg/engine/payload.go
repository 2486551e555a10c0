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
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Domain separation tags for auth payload derivation. Changing any of these
// invalidates every client signature, so they are part of the protocol.
const (
	domainRound1     = "fserver/dkg/round1/v1"
	domainRound2     = "fserver/dkg/round2/v1"
	domainFinalize   = "fserver/dkg/finalize/v1"
	domainSignRound1 = "fserver/sign/round1/v1"
	domainSignRound2 = "fserver/sign/round2/v1"
)

// authPayload derives the canonical payload for a round submission: the
// Keccak-256 digest of the domain tag followed by each field, length-prefixed
// so that adjacent fields cannot be spliced into one another.
func authPayload(domain string, fields ...string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(domain))
	var lenBuf [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(lenBuf[:], uint64(len(f)))
		h.Write(lenBuf[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// keccak256 returns the Keccak-256 digest of data.
func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// AuthPayloadRound1 implements Engine.
func (e *StandardEngine) AuthPayloadRound1(sessionID, idHex, pkgHex string) string {
	return authPayload(domainRound1, sessionID, idHex, pkgHex)
}

// AuthPayloadRound2 implements Engine.
func (e *StandardEngine) AuthPayloadRound2(sessionID, senderIDHex, recipientIDHex, ephemeralHex, nonceHex, ciphertextHex string) string {
	return authPayload(domainRound2, sessionID, senderIDHex, recipientIDHex, ephemeralHex, nonceHex, ciphertextHex)
}

// AuthPayloadFinalize implements Engine.
func (e *StandardEngine) AuthPayloadFinalize(sessionID, idHex, groupVKHex string) string {
	return authPayload(domainFinalize, sessionID, idHex, groupVKHex)
}

// AuthPayloadSignRound1 implements Engine.
func (e *StandardEngine) AuthPayloadSignRound1(sessionID, groupID, idHex, commitmentsHex string) string {
	return authPayload(domainSignRound1, sessionID, groupID, idHex, commitmentsHex)
}

// AuthPayloadSignRound2 implements Engine.
func (e *StandardEngine) AuthPayloadSignRound2(sessionID, groupID, idHex, shareHex, messageHex string) string {
	return authPayload(domainSignRound2, sessionID, groupID, idHex, shareHex, messageHex)
}
