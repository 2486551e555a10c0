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
)

// The protocol encodes several composite values as JSON arrays rather than
// objects. The types below give those tuples fixed field sets while keeping
// the wire encoding position-based.

// RosterEntry is one configured roster slot: [suid, public_key].
type RosterEntry struct {
	SUID int
	Key  RosterPublicKey
}

// MarshalJSON encodes the entry as [suid, key].
func (e RosterEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.SUID, e.Key})
}

// UnmarshalJSON decodes [suid, key].
func (e *RosterEntry) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: invalid roster entry: %w", err)
	}
	if len(parts) != 2 {
		return fmt.Errorf("wire: roster entry must have 2 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &e.SUID); err != nil {
		return fmt.Errorf("wire: invalid roster entry suid: %w", err)
	}
	if err := json.Unmarshal(parts[1], &e.Key); err != nil {
		return err
	}
	return nil
}

// RosterTriple is one entry of a round-ready roster broadcast:
// [suid, protocol_identifier_hex, public_key].
type RosterTriple struct {
	SUID  int
	IDHex string
	Key   RosterPublicKey
}

// MarshalJSON encodes the triple as [suid, id_hex, key].
func (t RosterTriple) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{t.SUID, t.IDHex, t.Key})
}

// UnmarshalJSON decodes [suid, id_hex, key].
func (t *RosterTriple) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: invalid roster triple: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("wire: roster triple must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &t.SUID); err != nil {
		return fmt.Errorf("wire: invalid roster triple suid: %w", err)
	}
	if err := json.Unmarshal(parts[1], &t.IDHex); err != nil {
		return fmt.Errorf("wire: invalid roster triple id: %w", err)
	}
	if err := json.Unmarshal(parts[2], &t.Key); err != nil {
		return err
	}
	return nil
}

// Round1Package is one broadcast DKG round-1 submission:
// [id_hex, pkg_bincode_hex, signature_hex].
type Round1Package struct {
	IDHex        string
	PackageHex   string
	SignatureHex string
}

// MarshalJSON encodes the package as [id_hex, pkg_hex, sig_hex].
func (p Round1Package) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.IDHex, p.PackageHex, p.SignatureHex})
}

// UnmarshalJSON decodes [id_hex, pkg_hex, sig_hex].
func (p *Round1Package) UnmarshalJSON(data []byte) error {
	var parts []string
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: invalid round1 package: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("wire: round1 package must have 3 elements, got %d", len(parts))
	}
	p.IDHex, p.PackageHex, p.SignatureHex = parts[0], parts[1], parts[2]
	return nil
}

// CipherPackage is one encrypted DKG round-2 package:
// [id_hex, encrypted_payload, signature_hex].
//
// On submission id_hex names the recipient; on delivery it names the sender.
type CipherPackage struct {
	IDHex        string
	Payload      EncryptedPayload
	SignatureHex string
}

// MarshalJSON encodes the package as [id_hex, payload, sig_hex].
func (p CipherPackage) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.IDHex, p.Payload, p.SignatureHex})
}

// UnmarshalJSON decodes [id_hex, payload, sig_hex].
func (p *CipherPackage) UnmarshalJSON(data []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("wire: invalid cipher package: %w", err)
	}
	if len(parts) != 3 {
		return fmt.Errorf("wire: cipher package must have 3 elements, got %d", len(parts))
	}
	if err := json.Unmarshal(parts[0], &p.IDHex); err != nil {
		return fmt.Errorf("wire: invalid cipher package id: %w", err)
	}
	if err := json.Unmarshal(parts[1], &p.Payload); err != nil {
		return fmt.Errorf("wire: invalid cipher package payload: %w", err)
	}
	if err := json.Unmarshal(parts[2], &p.SignatureHex); err != nil {
		return fmt.Errorf("wire: invalid cipher package signature: %w", err)
	}
	return nil
}
