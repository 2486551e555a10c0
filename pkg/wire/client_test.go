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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseClientMessage_NoPayloadTags(t *testing.T) {
	for _, tag := range []ClientMessageType{
		TypeRequestChallenge,
		TypeLogout,
		TypeListPendingDKGSessions,
		TypeListCompletedDKGSessions,
		TypeListPendingSigningSessions,
		TypeListCompletedSigningSessions,
	} {
		msg, err := ParseClientMessage([]byte(`{"type":"` + string(tag) + `"}`))
		require.NoError(t, err, string(tag))
		assert.Equal(t, tag, msg.Type)
		assert.Nil(t, msg.Payload)
	}
}

func TestParseClientMessage_Login(t *testing.T) {
	raw := `{
		"type": "Login",
		"payload": {
			"challenge": "abc-123",
			"public_key": "02DEADBEEF",
			"signature_hex": "3044aa"
		}
	}`
	msg, err := ParseClientMessage([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, TypeLogin, msg.Type)

	payload, ok := msg.Payload.(*LoginPayload)
	require.True(t, ok)
	assert.Equal(t, "abc-123", payload.Challenge)
	assert.Equal(t, KeyTypeSecp256k1, payload.PublicKey.Type)
	assert.Equal(t, "02DEADBEEF", payload.PublicKey.Key)
	assert.Equal(t, "3044aa", payload.SignatureHex)
}

func TestParseClientMessage_AnnounceDKG(t *testing.T) {
	raw := `{
		"type": "AnnounceDKGSession",
		"payload": {
			"min_signers": 2,
			"max_signers": 3,
			"group_id": "treasury",
			"participants": [1, 2, 3],
			"participants_pubs": [
				[1, "aa"],
				[2, {"type": "EdwardsOnBls12381", "key": "bb"}],
				[3, "cc"]
			]
		}
	}`
	msg, err := ParseClientMessage([]byte(raw))
	require.NoError(t, err)

	payload, ok := msg.Payload.(*AnnounceDKGSessionPayload)
	require.True(t, ok)
	assert.Equal(t, 2, payload.MinSigners)
	assert.Equal(t, 3, payload.MaxSigners)
	assert.Equal(t, "treasury", payload.GroupID)
	require.Len(t, payload.ParticipantsPubs, 3)
	assert.Equal(t, KeyTypeSecp256k1, payload.ParticipantsPubs[0].Key.Type)
	assert.Equal(t, KeyTypeEdwardsOnBls12381, payload.ParticipantsPubs[1].Key.Type)
	assert.Equal(t, 2, payload.ParticipantsPubs[1].SUID)
}

func TestParseClientMessage_Round2Submit(t *testing.T) {
	raw := `{
		"type": "Round2Submit",
		"payload": {
			"session": "s1",
			"id_hex": "01",
			"pkgs_cipher": [
				["02", {"ephemeral_public_key": "aa", "nonce": "bb", "ciphertext": "cc"}, "dd"]
			]
		}
	}`
	msg, err := ParseClientMessage([]byte(raw))
	require.NoError(t, err)

	payload, ok := msg.Payload.(*Round2SubmitPayload)
	require.True(t, ok)
	require.Len(t, payload.PkgsCipher, 1)
	pkg := payload.PkgsCipher[0]
	assert.Equal(t, "02", pkg.IDHex)
	assert.Equal(t, "aa", pkg.Payload.EphemeralPublicKey.Key)
	assert.Equal(t, "bb", pkg.Payload.Nonce)
	assert.Equal(t, "cc", pkg.Payload.Ciphertext)
	assert.Equal(t, "dd", pkg.SignatureHex)
}

func TestParseClientMessage_UnknownType(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"Bogus","payload":{}}`))
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestParseClientMessage_MissingPayload(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":"Login"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a payload")
}

func TestParseClientMessage_MalformedJSON(t *testing.T) {
	_, err := ParseClientMessage([]byte(`{"type":`))
	require.Error(t, err)
}

func TestRosterPublicKey_RejectsInvalidType(t *testing.T) {
	var key RosterPublicKey
	err := json.Unmarshal([]byte(`{"type":"P256","key":"aa"}`), &key)
	require.Error(t, err)
}

func TestRosterPublicKey_Equal(t *testing.T) {
	a := RosterPublicKey{Type: KeyTypeSecp256k1, Key: "0xDEADBEEF"}
	b := RosterPublicKey{Type: KeyTypeSecp256k1, Key: "deadbeef"}
	assert.True(t, a.Equal(b))

	// Legacy key without a declared type matches on material alone.
	legacy := RosterPublicKey{Key: "deadbeef"}
	assert.True(t, a.Equal(legacy))

	other := RosterPublicKey{Type: KeyTypeEdwardsOnBls12381, Key: "deadbeef"}
	assert.False(t, a.Equal(other))
	assert.False(t, a.Equal(RosterPublicKey{Type: KeyTypeSecp256k1, Key: "beef"}))
}

func TestRosterEntry_RoundTrip(t *testing.T) {
	entry := RosterEntry{SUID: 7, Key: RosterPublicKey{Type: KeyTypeSecp256k1, Key: "aa"}}
	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var decoded RosterEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, entry.SUID, decoded.SUID)
	assert.True(t, entry.Key.Equal(decoded.Key))

	require.Error(t, json.Unmarshal([]byte(`[1]`), &decoded))
	require.Error(t, json.Unmarshal([]byte(`{"suid":1}`), &decoded))
}

func TestRosterTriple_Encoding(t *testing.T) {
	triple := RosterTriple{SUID: 3, IDHex: "0003", Key: RosterPublicKey{Type: KeyTypeSecp256k1, Key: "aa"}}
	data, err := json.Marshal(triple)
	require.NoError(t, err)
	assert.JSONEq(t, `[3, "0003", {"type":"Secp256k1","key":"aa"}]`, string(data))
}

func TestNormalizeHex(t *testing.T) {
	assert.Equal(t, "deadbeef", NormalizeHex("0xDEADbeef"))
	assert.Equal(t, "deadbeef", NormalizeHex("deadbeef"))
	assert.Equal(t, "", NormalizeHex(""))
}
