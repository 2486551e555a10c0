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

import (
	"fmt"
	"sort"
	"time"

	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// SessionState tags a session's position in its lifecycle state machine.
type SessionState string

// Session lifecycle states. DKG sessions terminate in Finalized, signing
// sessions in Complete; Failed is assigned only by the timeout sweeper.
const (
	StatePending   SessionState = "Pending"
	StateRound1    SessionState = "Round1"
	StateRound2    SessionState = "Round2"
	StateFinalized SessionState = "Finalized"
	StateComplete  SessionState = "Complete"
	StateFailed    SessionState = "Failed"
)

// terminal reports whether the state admits no further transitions.
func (s SessionState) terminal() bool {
	return s == StateFinalized || s == StateComplete || s == StateFailed
}

// DeterministicIdentifier derives the canonical 32-byte protocol identifier
// for a roster slot. Identifiers are a function of the suid alone so they are
// reproducible across reconnect and debugging scenarios.
func DeterministicIdentifier(suid int) string {
	return fmt.Sprintf("%064x", suid)
}

// Participant is the per-session projection of a connection: the configured
// roster slot it occupies, the connection currently bound to it, and the
// protocol-level identifiers learned during the ceremony.
type Participant struct {
	// SUID is the session-scoped numeric identifier fixed by the roster.
	SUID int

	// ConnID is the connection currently bound to this slot.
	ConnID string

	// PublicKey is the identity key the slot was matched against.
	PublicKey wire.RosterPublicKey

	// IDHex is the 32-byte protocol identifier: assigned at round-1 start
	// for DKG sessions, supplied by the client at join for signing sessions.
	IDHex string

	// VerifyingShareHex is retained at join time for signing sessions and
	// consumed by round-2 aggregation. Empty for DKG sessions.
	VerifyingShareHex string
}

// round1Submission is a stored DKG round-1 package with its signature.
type round1Submission struct {
	PackageHex   string
	SignatureHex string
}

// commitmentSubmission is a stored signing round-1 commitment.
type commitmentSubmission struct {
	CommitmentHex string
	SignatureHex  string
}

// shareSubmission is a stored signing round-2 signature share.
type shareSubmission struct {
	ShareHex     string
	SignatureHex string
}

// DKGSession is the full state of one distributed key generation ceremony.
// All fields are owned by the Session Store and mutated only under the
// coordinator's handler mutex.
type DKGSession struct {
	ID            string
	CreatorConnID string
	MinSigners    int
	MaxSigners    int
	GroupID       string

	// Participants and ParticipantsPubs are the configured roster: the
	// allowed suids and the identity key expected in each slot.
	Participants     []int
	ParticipantsPubs []wire.RosterEntry

	Joined map[int]*Participant
	State  SessionState

	// Round1Packages is keyed by sender protocol identifier.
	Round1Packages map[string]round1Submission

	// Round2Inbox is keyed by recipient identifier, then sender identifier,
	// so a retried (sender, recipient) pair replaces rather than duplicates.
	Round2Inbox map[string]map[string]wire.CipherPackage

	// GroupVKSec1Hex is the agreed group verification key, set by the first
	// finalizer and checked against every subsequent one.
	GroupVKSec1Hex string

	FinalizedSUIDs map[int]bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// rosterEntry finds the configured roster slot matching an identity key.
func rosterEntry(pubs []wire.RosterEntry, key wire.RosterPublicKey) (wire.RosterEntry, bool) {
	for _, entry := range pubs {
		if entry.Key.Equal(key) {
			return entry, true
		}
	}
	return wire.RosterEntry{}, false
}

// rosterContains reports whether an identity key appears in the roster.
func rosterContains(pubs []wire.RosterEntry, key wire.RosterPublicKey) bool {
	_, ok := rosterEntry(pubs, key)
	return ok
}

// RosterEntry finds the configured slot for an identity key.
func (s *DKGSession) RosterEntry(key wire.RosterPublicKey) (wire.RosterEntry, bool) {
	return rosterEntry(s.ParticipantsPubs, key)
}

// ParticipantByConn finds the joined participant bound to a connection.
func (s *DKGSession) ParticipantByConn(connID string) *Participant {
	for _, p := range s.Joined {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

// JoinedSUIDs returns the joined slot numbers in ascending order.
func (s *DKGSession) JoinedSUIDs() []int {
	suids := make([]int, 0, len(s.Joined))
	for suid := range s.Joined {
		suids = append(suids, suid)
	}
	sort.Ints(suids)
	return suids
}

// sortedJoined returns the joined participants in ascending suid order.
func (s *DKGSession) sortedJoined() []*Participant {
	out := make([]*Participant, 0, len(s.Joined))
	for _, suid := range s.JoinedSUIDs() {
		out = append(out, s.Joined[suid])
	}
	return out
}

// roster builds the suid-to-identifier mapping broadcast at round-1 start.
func (s *DKGSession) roster() []wire.RosterTriple {
	triples := make([]wire.RosterTriple, 0, len(s.Joined))
	for _, p := range s.sortedJoined() {
		triples = append(triples, wire.RosterTriple{SUID: p.SUID, IDHex: p.IDHex, Key: p.PublicKey})
	}
	return triples
}

// round2Complete reports whether every joined participant's inbox holds
// exactly one package from every other participant.
func (s *DKGSession) round2Complete() bool {
	if len(s.Joined) != s.MaxSigners {
		return false
	}
	for _, p := range s.Joined {
		if len(s.Round2Inbox[p.IDHex]) != s.MaxSigners-1 {
			return false
		}
	}
	return true
}

// Summary builds the list-view projection of the session.
func (s *DKGSession) Summary() wire.DKGSessionSummary {
	return wire.DKGSessionSummary{
		Session:          s.ID,
		GroupID:          s.GroupID,
		MinSigners:       s.MinSigners,
		MaxSigners:       s.MaxSigners,
		Participants:     s.Participants,
		ParticipantsPubs: s.ParticipantsPubs,
		Joined:           s.JoinedSUIDs(),
		CreatedAt:        s.CreatedAt.UTC().Format(time.RFC3339),
		GroupVKSec1Hex:   s.GroupVKSec1Hex,
	}
}

// SignSession is the full state of one threshold signing ceremony.
type SignSession struct {
	ID            string
	CreatorConnID string
	GroupID       string
	Threshold     int

	Participants     []int
	ParticipantsPubs []wire.RosterEntry

	// Message is the human-readable form; MessageHex is the canonical digest
	// actually signed. GroupVKSec1Hex is supplied at announce, not derived.
	Message        string
	MessageHex     string
	GroupVKSec1Hex string

	Joined map[int]*Participant
	State  SessionState

	// Commitments and Shares are keyed by signer protocol identifier.
	Commitments map[string]commitmentSubmission
	Shares      map[string]shareSubmission

	SigningPackageHex string
	FinalSignatureHex string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RosterEntry finds the configured slot for an identity key.
func (s *SignSession) RosterEntry(key wire.RosterPublicKey) (wire.RosterEntry, bool) {
	return rosterEntry(s.ParticipantsPubs, key)
}

// ParticipantByConn finds the joined participant bound to a connection.
func (s *SignSession) ParticipantByConn(connID string) *Participant {
	for _, p := range s.Joined {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

// JoinedSUIDs returns the joined slot numbers in ascending order.
func (s *SignSession) JoinedSUIDs() []int {
	suids := make([]int, 0, len(s.Joined))
	for suid := range s.Joined {
		suids = append(suids, suid)
	}
	sort.Ints(suids)
	return suids
}

// sortedJoined returns the joined participants in ascending suid order.
func (s *SignSession) sortedJoined() []*Participant {
	out := make([]*Participant, 0, len(s.Joined))
	for _, suid := range s.JoinedSUIDs() {
		out = append(out, s.Joined[suid])
	}
	return out
}

// roster builds the suid-to-signer-identifier mapping broadcast at round-1
// start. Signer identifiers were supplied by the clients at join time.
func (s *SignSession) roster() []wire.RosterTriple {
	triples := make([]wire.RosterTriple, 0, len(s.Joined))
	for _, p := range s.sortedJoined() {
		triples = append(triples, wire.RosterTriple{SUID: p.SUID, IDHex: p.IDHex, Key: p.PublicKey})
	}
	return triples
}

// Summary builds the list-view projection of the session.
func (s *SignSession) Summary() wire.SignSessionSummary {
	joined := make([]wire.JoinedSigner, 0, len(s.Joined))
	for _, p := range s.sortedJoined() {
		joined = append(joined, wire.JoinedSigner{UID: p.SUID, PubKey: p.PublicKey.Key})
	}
	return wire.SignSessionSummary{
		Session:          s.ID,
		GroupID:          s.GroupID,
		Threshold:        s.Threshold,
		Participants:     s.Participants,
		ParticipantsPubs: s.ParticipantsPubs,
		Message:          s.Message,
		MessageHex:       s.MessageHex,
		Status:           string(s.State),
		CreatedAt:        s.CreatedAt.UTC().Format(time.RFC3339),
		Joined:           joined,
	}
}
