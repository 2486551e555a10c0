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

// ServerMessageType tags a server-to-client message.
type ServerMessageType string

// Server-to-client message tags.
const (
	TypeError                    ServerMessageType = "Error"
	TypeInfo                     ServerMessageType = "Info"
	TypeSessionAborted           ServerMessageType = "SessionAborted"
	TypeChallenge                ServerMessageType = "Challenge"
	TypeLoginOk                  ServerMessageType = "LoginOk"
	TypeDKGSessionCreated        ServerMessageType = "DKGSessionCreated"
	TypePendingDKGSessions       ServerMessageType = "PendingDKGSessions"
	TypeCompletedDKGSessions     ServerMessageType = "CompletedDKGSessions"
	TypeReadyRound1              ServerMessageType = "ReadyRound1"
	TypeRound1All                ServerMessageType = "Round1All"
	TypeReadyRound2              ServerMessageType = "ReadyRound2"
	TypeRound2All                ServerMessageType = "Round2All"
	TypeFinalized                ServerMessageType = "Finalized"
	TypeSignSessionCreated       ServerMessageType = "SignSessionCreated"
	TypePendingSigningSessions   ServerMessageType = "PendingSigningSessions"
	TypeCompletedSigningSessions ServerMessageType = "CompletedSigningSessions"
	TypeSignReadyRound1          ServerMessageType = "SignReadyRound1"
	TypeSignSigningPackage       ServerMessageType = "SignSigningPackage"
	TypeSignatureReady           ServerMessageType = "SignatureReady"
)

// ServerMessage is a tagged server-to-client message ready for JSON encoding.
type ServerMessage struct {
	Type    ServerMessageType `json:"type"`
	Payload any               `json:"payload"`
}

// ErrorPayload reports a recovered protocol error to the offending connection.
type ErrorPayload struct {
	Message string `json:"message"`
}

// InfoPayload is an informational broadcast.
type InfoPayload struct {
	Message string `json:"message"`
}

// SessionAbortedPayload notifies joined participants that a session was
// moved to Failed and will not complete.
type SessionAbortedPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason"`
}

// ChallengePayload carries a single-use login challenge.
type ChallengePayload struct {
	Challenge string `json:"challenge"`
}

// LoginOkPayload acknowledges a successful login. SUID is always zero here;
// session-scoped identifiers are assigned at join time.
type LoginOkPayload struct {
	Principal   string `json:"principal"`
	SUID        int    `json:"suid"`
	AccessToken string `json:"access_token"`
}

// SessionCreatedPayload acknowledges session creation to the announcer.
type SessionCreatedPayload struct {
	Session string `json:"session"`
}

// DKGSessionSummary is the list-view projection of a DKG session.
type DKGSessionSummary struct {
	Session          string        `json:"session"`
	GroupID          string        `json:"group_id"`
	MinSigners       int           `json:"min_signers"`
	MaxSigners       int           `json:"max_signers"`
	Participants     []int         `json:"participants"`
	ParticipantsPubs []RosterEntry `json:"participants_pubs"`
	Joined           []int         `json:"joined"`
	CreatedAt        string        `json:"created_at"`
	GroupVKSec1Hex   string        `json:"group_vk_sec1_hex,omitempty"`
}

// DKGSessionListPayload carries pending or completed DKG session summaries.
type DKGSessionListPayload struct {
	Sessions []DKGSessionSummary `json:"sessions"`
}

// ReadyRound1Payload starts DKG round 1 for one participant. Roster maps
// every suid to its protocol identifier; IDHex is the recipient's own.
type ReadyRound1Payload struct {
	Session    string         `json:"session"`
	GroupID    string         `json:"group_id"`
	MinSigners int            `json:"min_signers"`
	MaxSigners int            `json:"max_signers"`
	Roster     []RosterTriple `json:"roster"`
	IDHex      string         `json:"id_hex"`
}

// Round1AllPayload broadcasts every verified round-1 package.
type Round1AllPayload struct {
	Session  string          `json:"session"`
	Packages []Round1Package `json:"packages"`
}

// ReadyRound2Payload signals that round 2 may begin.
type ReadyRound2Payload struct {
	Session      string   `json:"session"`
	Participants []string `json:"participants"`
}

// Round2AllPayload delivers the encrypted round-2 packages addressed to the
// recipient's own identifier, and no others.
type Round2AllPayload struct {
	Session  string          `json:"session"`
	Packages []CipherPackage `json:"packages"`
}

// FinalizedPayload confirms the agreed group verification key.
type FinalizedPayload struct {
	Session        string `json:"session"`
	GroupVKSec1Hex string `json:"group_vk_sec1_hex"`
}

// JoinedSigner is the list-view projection of a joined signing participant.
type JoinedSigner struct {
	UID    int    `json:"uid"`
	PubKey string `json:"pub_key"`
}

// SignSessionSummary is the list-view projection of a signing session.
type SignSessionSummary struct {
	Session          string         `json:"session"`
	GroupID          string         `json:"group_id"`
	Threshold        int            `json:"threshold"`
	Participants     []int          `json:"participants"`
	ParticipantsPubs []RosterEntry  `json:"participants_pubs"`
	Message          string         `json:"message"`
	MessageHex       string         `json:"message_hex"`
	Status           string         `json:"status"`
	CreatedAt        string         `json:"created_at"`
	Joined           []JoinedSigner `json:"joined"`
}

// SignSessionListPayload carries pending or completed signing session summaries.
type SignSessionListPayload struct {
	Sessions []SignSessionSummary `json:"sessions"`
}

// SignReadyRound1Payload starts signing round 1 for one participant.
type SignReadyRound1Payload struct {
	Session        string         `json:"session"`
	GroupID        string         `json:"group_id"`
	Threshold      int            `json:"threshold"`
	Participants   int            `json:"participants"`
	Roster         []RosterTriple `json:"roster"`
	MsgKeccak32Hex string         `json:"msg_keccak32_hex"`
}

// SignSigningPackagePayload broadcasts the aggregated signing package.
type SignSigningPackagePayload struct {
	Session                  string `json:"session"`
	SigningPackageBincodeHex string `json:"signing_package_bincode_hex"`
}

// SignatureReadyPayload broadcasts the final aggregated signature and its
// decomposed components.
type SignatureReadyPayload struct {
	Session             string `json:"session"`
	SignatureBincodeHex string `json:"signature_bincode_hex"`
	Message             string `json:"message"`
	RX                  string `json:"rx"`
	RY                  string `json:"ry"`
	S                   string `json:"s"`
	PX                  string `json:"px"`
	PY                  string `json:"py"`
}

// NewError builds an Error message.
func NewError(message string) ServerMessage {
	return ServerMessage{Type: TypeError, Payload: ErrorPayload{Message: message}}
}

// NewInfo builds an Info message.
func NewInfo(message string) ServerMessage {
	return ServerMessage{Type: TypeInfo, Payload: InfoPayload{Message: message}}
}
