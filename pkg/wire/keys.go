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

package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// KeyType identifies the curve a roster public key belongs to.
type KeyType string

const (
	// KeyTypeSecp256k1 is a compressed SEC1 secp256k1 public key.
	KeyTypeSecp256k1 KeyType = "Secp256k1"

	// KeyTypeEdwardsOnBls12381 is a compressed point on the BLS12-381
	// embedded twisted Edwards curve.
	KeyTypeEdwardsOnBls12381 KeyType = "EdwardsOnBls12381"
)

// IsValid reports whether the key type is one of the supported variants.
func (t KeyType) IsValid() bool {
	return t == KeyTypeSecp256k1 || t == KeyTypeEdwardsOnBls12381
}

// RosterPublicKey is a participant identity key as configured in a session
// roster. On the wire it is a tagged object {"type": ..., "key": ...}; a bare
// JSON string is accepted for legacy clients and treated as a Secp256k1 key.
type RosterPublicKey struct {
	Type KeyType `json:"type"`
	Key  string  `json:"key"`
}

// NormalizeHex lowercases a hex string and strips an optional 0x prefix.
// Roster matching uses this form so clients may submit keys in either casing.
func NormalizeHex(s string) string {
	return strings.TrimPrefix(strings.ToLower(s), "0x")
}

// Normalized returns the key's hex material in canonical comparison form.
func (k RosterPublicKey) Normalized() string {
	return NormalizeHex(k.Key)
}

// Equal reports whether two roster keys carry the same key material,
// ignoring hex casing and 0x prefixes. The declared curve type must match
// unless one side omitted it (legacy string form).
func (k RosterPublicKey) Equal(other RosterPublicKey) bool {
	if k.Normalized() != other.Normalized() {
		return false
	}
	if k.Type == "" || other.Type == "" {
		return true
	}
	return k.Type == other.Type
}

// UnmarshalJSON accepts both the tagged object form and a bare hex string.
func (k *RosterPublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		k.Type = KeyTypeSecp256k1
		k.Key = s
		return nil
	}

	type alias RosterPublicKey
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("wire: invalid roster public key: %w", err)
	}
	if !KeyType(a.Type).IsValid() {
		return fmt.Errorf("wire: unsupported key type %q", a.Type)
	}
	*k = RosterPublicKey(a)
	return nil
}

// EncryptedPayload carries one participant-to-participant DKG round-2 secret.
// The coordinator never decrypts it; the fields are only bound into the
// signed authentication payload.
type EncryptedPayload struct {
	EphemeralPublicKey RosterPublicKey `json:"ephemeral_public_key"`
	Nonce              string          `json:"nonce"`
	Ciphertext         string          `json:"ciphertext"`
}
