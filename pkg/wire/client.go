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
	"errors"
	"fmt"
)

// ErrUnknownType indicates a message with an unrecognized type tag.
var ErrUnknownType = errors.New("wire: unknown message type")

// ClientMessageType tags a client-to-server message.
type ClientMessageType string

// Client-to-server message tags.
const (
	TypeRequestChallenge             ClientMessageType = "RequestChallenge"
	TypeLogin                        ClientMessageType = "Login"
	TypeLogout                       ClientMessageType = "Logout"
	TypeAnnounceDKGSession           ClientMessageType = "AnnounceDKGSession"
	TypeJoinDKGSession               ClientMessageType = "JoinDKGSession"
	TypeListPendingDKGSessions       ClientMessageType = "ListPendingDKGSessions"
	TypeListCompletedDKGSessions     ClientMessageType = "ListCompletedDKGSessions"
	TypeRound1Submit                 ClientMessageType = "Round1Submit"
	TypeRound2Submit                 ClientMessageType = "Round2Submit"
	TypeFinalizeSubmit               ClientMessageType = "FinalizeSubmit"
	TypeAnnounceSignSession          ClientMessageType = "AnnounceSignSession"
	TypeJoinSignSession              ClientMessageType = "JoinSignSession"
	TypeListPendingSigningSessions   ClientMessageType = "ListPendingSigningSessions"
	TypeListCompletedSigningSessions ClientMessageType = "ListCompletedSigningSessions"
	TypeSignRound1Submit             ClientMessageType = "SignRound1Submit"
	TypeSignRound2Submit             ClientMessageType = "SignRound2Submit"
)

// ClientMessage is a parsed client-to-server message. Payload holds the typed
// payload struct for the tag, or nil for tags that carry no payload.
type ClientMessage struct {
	Type    ClientMessageType
	Payload any
}

// LoginPayload authenticates a connection against a previously issued challenge.
type LoginPayload struct {
	Challenge    string          `json:"challenge"`
	PublicKey    RosterPublicKey `json:"public_key"`
	SignatureHex string          `json:"signature_hex"`
}

// AnnounceDKGSessionPayload creates a new DKG session.
type AnnounceDKGSessionPayload struct {
	MinSigners       int           `json:"min_signers"`
	MaxSigners       int           `json:"max_signers"`
	GroupID          string        `json:"group_id"`
	Participants     []int         `json:"participants"`
	ParticipantsPubs []RosterEntry `json:"participants_pubs"`
}

// JoinDKGSessionPayload joins the caller to a pending DKG session.
type JoinDKGSessionPayload struct {
	Session string `json:"session"`
}

// Round1SubmitPayload carries a participant's DKG round-1 package.
type Round1SubmitPayload struct {
	Session       string `json:"session"`
	IDHex         string `json:"id_hex"`
	PkgBincodeHex string `json:"pkg_bincode_hex"`
	SignatureHex  string `json:"signature_hex"`
}

// Round2SubmitPayload carries a participant's encrypted DKG round-2 packages,
// one per other participant.
type Round2SubmitPayload struct {
	Session    string          `json:"session"`
	IDHex      string          `json:"id_hex"`
	PkgsCipher []CipherPackage `json:"pkgs_cipher"`
}

// FinalizeSubmitPayload reports a participant's locally computed group key.
type FinalizeSubmitPayload struct {
	Session        string `json:"session"`
	IDHex          string `json:"id_hex"`
	GroupVKSec1Hex string `json:"group_vk_sec1_hex"`
	SignatureHex   string `json:"signature_hex"`
}

// AnnounceSignSessionPayload creates a new threshold signing session.
type AnnounceSignSessionPayload struct {
	GroupID          string        `json:"group_id"`
	Threshold        int           `json:"threshold"`
	Participants     []int         `json:"participants"`
	ParticipantsPubs []RosterEntry `json:"participants_pubs"`
	GroupVKSec1Hex   string        `json:"group_vk_sec1_hex"`
	Message          string        `json:"message"`
	MessageHex       string        `json:"message_hex"`
}

// JoinSignSessionPayload joins the caller to a pending signing session,
// supplying the signer identifier and verifying share retained for
// aggregation.
type JoinSignSessionPayload struct {
	Session                  string `json:"session"`
	SignerIDBincodeHex       string `json:"signer_id_bincode_hex"`
	VerifyingShareBincodeHex string `json:"verifying_share_bincode_hex"`
}

// SignRound1SubmitPayload carries a participant's signing commitment.
type SignRound1SubmitPayload struct {
	Session               string `json:"session"`
	IDHex                 string `json:"id_hex"`
	CommitmentsBincodeHex string `json:"commitments_bincode_hex"`
	SignatureHex          string `json:"signature_hex"`
}

// SignRound2SubmitPayload carries a participant's signature share.
type SignRound2SubmitPayload struct {
	Session                  string `json:"session"`
	IDHex                    string `json:"id_hex"`
	SignatureShareBincodeHex string `json:"signature_share_bincode_hex"`
	SignatureHex             string `json:"signature_hex"`
}

// envelope is the raw tagged form every message travels in.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ParseClientMessage decodes a raw frame into a typed client message.
// Unknown tags are rejected with ErrUnknownType; malformed payloads return a
// descriptive error so the transport can log and drop the frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}

	msg := &ClientMessage{Type: ClientMessageType(env.Type)}

	switch msg.Type {
	case TypeRequestChallenge, TypeLogout,
		TypeListPendingDKGSessions, TypeListCompletedDKGSessions,
		TypeListPendingSigningSessions, TypeListCompletedSigningSessions:
		return msg, nil
	case TypeLogin:
		return msg, decodePayload(env.Payload, msg, &LoginPayload{})
	case TypeAnnounceDKGSession:
		return msg, decodePayload(env.Payload, msg, &AnnounceDKGSessionPayload{})
	case TypeJoinDKGSession:
		return msg, decodePayload(env.Payload, msg, &JoinDKGSessionPayload{})
	case TypeRound1Submit:
		return msg, decodePayload(env.Payload, msg, &Round1SubmitPayload{})
	case TypeRound2Submit:
		return msg, decodePayload(env.Payload, msg, &Round2SubmitPayload{})
	case TypeFinalizeSubmit:
		return msg, decodePayload(env.Payload, msg, &FinalizeSubmitPayload{})
	case TypeAnnounceSignSession:
		return msg, decodePayload(env.Payload, msg, &AnnounceSignSessionPayload{})
	case TypeJoinSignSession:
		return msg, decodePayload(env.Payload, msg, &JoinSignSessionPayload{})
	case TypeSignRound1Submit:
		return msg, decodePayload(env.Payload, msg, &SignRound1SubmitPayload{})
	case TypeSignRound2Submit:
		return msg, decodePayload(env.Payload, msg, &SignRound2SubmitPayload{})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func decodePayload(raw json.RawMessage, msg *ClientMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("wire: %s requires a payload", msg.Type)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("wire: invalid %s payload: %w", msg.Type, err)
	}
	msg.Payload = dst
	return nil
}
