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

	"github.com/jeremyhahn/go-fserver/pkg/metrics"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// handleAnnounceDKG creates a new DKG session in the Pending state. Any
// caller may announce, logged in or not; only roster members may join.
func (c *Coordinator) handleAnnounceDKG(conn Conn, payload *wire.AnnounceDKGSessionPayload) error {
	if err := validateDKGConfig(payload); err != nil {
		return err
	}

	now := c.now()
	session := &DKGSession{
		ID:               c.newID(),
		CreatorConnID:    conn.ID(),
		MinSigners:       payload.MinSigners,
		MaxSigners:       payload.MaxSigners,
		GroupID:          payload.GroupID,
		Participants:     payload.Participants,
		ParticipantsPubs: payload.ParticipantsPubs,
		Joined:           make(map[int]*Participant),
		State:            StatePending,
		Round1Packages:   make(map[string]round1Submission),
		Round2Inbox:      make(map[string]map[string]wire.CipherPackage),
		FinalizedSUIDs:   make(map[int]bool),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.store.PutDKG(session)
	metrics.SessionStarted(metrics.KindDKG)

	c.log.Info("dkg session announced",
		"session", session.ID,
		"group", session.GroupID,
		"min_signers", session.MinSigners,
		"max_signers", session.MaxSigners)

	conn.Send(wire.ServerMessage{
		Type:    wire.TypeDKGSessionCreated,
		Payload: wire.SessionCreatedPayload{Session: session.ID},
	})
	return nil
}

// validateDKGConfig checks the announced ceremony shape.
func validateDKGConfig(p *wire.AnnounceDKGSessionPayload) error {
	if p.MinSigners < 1 || p.MinSigners > p.MaxSigners {
		return fmt.Errorf("%w: min_signers %d out of range for max_signers %d", ErrProtocol, p.MinSigners, p.MaxSigners)
	}
	if len(p.Participants) != p.MaxSigners {
		return fmt.Errorf("%w: %d participants for max_signers %d", ErrProtocol, len(p.Participants), p.MaxSigners)
	}
	if len(p.ParticipantsPubs) != p.MaxSigners {
		return fmt.Errorf("%w: %d participant keys for max_signers %d", ErrProtocol, len(p.ParticipantsPubs), p.MaxSigners)
	}
	seen := make(map[int]bool, len(p.Participants))
	for _, suid := range p.Participants {
		if seen[suid] {
			return fmt.Errorf("%w: duplicate participant suid %d", ErrProtocol, suid)
		}
		seen[suid] = true
	}
	for _, entry := range p.ParticipantsPubs {
		if !seen[entry.SUID] {
			return fmt.Errorf("%w: roster key for unknown suid %d", ErrProtocol, entry.SUID)
		}
	}
	return nil
}

// handleJoinDKG binds the caller to its configured roster slot. A slot whose
// previous connection has vanished may be reclaimed; a slot with a live
// binding may not.
func (c *Coordinator) handleJoinDKG(conn Conn, payload *wire.JoinDKGSessionPayload) error {
	key, err := c.requireAuth(conn.ID())
	if err != nil {
		return err
	}
	session, ok := c.store.DKG(payload.Session)
	if !ok {
		return fmt.Errorf("%w: unknown session %q", ErrProtocol, payload.Session)
	}
	if session.State != StatePending {
		return fmt.Errorf("%w: session %q is not accepting joins", ErrProtocol, session.ID)
	}
	entry, ok := session.RosterEntry(key)
	if !ok {
		return fmt.Errorf("%w: key is not in the session roster", ErrAuthorization)
	}

	if existing, joined := session.Joined[entry.SUID]; joined {
		if existing.ConnID != conn.ID() && c.registry.Has(existing.ConnID) {
			return fmt.Errorf("%w: suid %d already joined", ErrProtocol, entry.SUID)
		}
		existing.ConnID = conn.ID()
	} else {
		session.Joined[entry.SUID] = &Participant{
			SUID:      entry.SUID,
			ConnID:    conn.ID(),
			PublicKey: key,
		}
	}
	c.touchDKG(session)

	c.log.Info("dkg join", "session", session.ID, "suid", entry.SUID,
		"joined", len(session.Joined), "max_signers", session.MaxSigners)
	c.broadcastDKG(session, wire.NewInfo(fmt.Sprintf("suid %d joined session %s (%d/%d)",
		entry.SUID, session.ID, len(session.Joined), session.MaxSigners)))

	if len(session.Joined) == session.MaxSigners {
		c.startDKGRound1(session)
	}
	return nil
}

// startDKGRound1 fires exactly once, when the last roster slot joins. Each
// participant is assigned its deterministic protocol identifier and told the
// full roster plus its own identifier.
func (c *Coordinator) startDKGRound1(session *DKGSession) {
	session.State = StateRound1
	for _, p := range session.Joined {
		p.IDHex = DeterministicIdentifier(p.SUID)
	}
	metrics.RecordTransition(metrics.KindDKG, "round1")
	c.log.Info("dkg round 1 started", "session", session.ID)

	roster := session.roster()
	for _, p := range session.sortedJoined() {
		c.sendTo(p.ConnID, wire.ServerMessage{
			Type: wire.TypeReadyRound1,
			Payload: wire.ReadyRound1Payload{
				Session:    session.ID,
				GroupID:    session.GroupID,
				MinSigners: session.MinSigners,
				MaxSigners: session.MaxSigners,
				Roster:     roster,
				IDHex:      p.IDHex,
			},
		})
	}
}

// handleRound1Submit verifies and stores one round-1 package. The signature
// is checked before anything mutates; a resubmission replaces the prior
// package rather than double-counting toward the barrier.
func (c *Coordinator) handleRound1Submit(conn Conn, payload *wire.Round1SubmitPayload) error {
	session, ok := c.store.DKG(payload.Session)
	if !ok {
		return fmt.Errorf("%w: unknown session %q", ErrProtocol, payload.Session)
	}
	if session.State != StateRound1 {
		return fmt.Errorf("%w: session %q is not in round 1", ErrProtocol, session.ID)
	}
	participant := session.ParticipantByConn(conn.ID())
	if participant == nil {
		return fmt.Errorf("%w: connection has not joined session %q", ErrAuthorization, session.ID)
	}

	authPayload := c.engine.AuthPayloadRound1(session.ID, payload.IDHex, payload.PkgBincodeHex)
	ok, err := c.engine.VerifySignature(participant.PublicKey, authPayload, payload.SignatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: round 1 package signature rejected", ErrVerification)
	}
	if wire.NormalizeHex(payload.IDHex) != participant.IDHex {
		return fmt.Errorf("%w: submitted identifier does not match assigned identifier", ErrProtocol)
	}

	session.Round1Packages[participant.IDHex] = round1Submission{
		PackageHex:   payload.PkgBincodeHex,
		SignatureHex: payload.SignatureHex,
	}
	c.touchDKG(session)
	c.log.Debug("dkg round 1 package stored", "session", session.ID, "id", participant.IDHex,
		"received", len(session.Round1Packages), "expected", session.MaxSigners)

	if len(session.Round1Packages) == session.MaxSigners {
		c.finishDKGRound1(session)
	}
	return nil
}

// finishDKGRound1 fires exactly once, when the last round-1 package lands:
// every verified package is broadcast to every participant, then round 2
// opens.
func (c *Coordinator) finishDKGRound1(session *DKGSession) {
	session.State = StateRound2
	metrics.RecordTransition(metrics.KindDKG, "round2")
	c.log.Info("dkg round 1 complete", "session", session.ID)

	ids := make([]string, 0, len(session.Round1Packages))
	for id := range session.Round1Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	packages := make([]wire.Round1Package, 0, len(ids))
	for _, id := range ids {
		sub := session.Round1Packages[id]
		packages = append(packages, wire.Round1Package{
			IDHex:        id,
			PackageHex:   sub.PackageHex,
			SignatureHex: sub.SignatureHex,
		})
	}

	c.broadcastDKG(session, wire.ServerMessage{
		Type:    wire.TypeRound1All,
		Payload: wire.Round1AllPayload{Session: session.ID, Packages: packages},
	})
	c.broadcastDKG(session, wire.ServerMessage{
		Type:    wire.TypeReadyRound2,
		Payload: wire.ReadyRound2Payload{Session: session.ID, Participants: ids},
	})
}

// handleRound2Submit verifies and routes one participant's encrypted round-2
// packages, one per other participant. Every package is verified before any
// is stored, so a bad batch leaves the session untouched.
func (c *Coordinator) handleRound2Submit(conn Conn, payload *wire.Round2SubmitPayload) error {
	session, ok := c.store.DKG(payload.Session)
	if !ok {
		return fmt.Errorf("%w: unknown session %q", ErrProtocol, payload.Session)
	}
	if session.State != StateRound2 {
		return fmt.Errorf("%w: session %q is not in round 2", ErrProtocol, session.ID)
	}
	participant := session.ParticipantByConn(conn.ID())
	if participant == nil {
		return fmt.Errorf("%w: connection has not joined session %q", ErrAuthorization, session.ID)
	}
	if wire.NormalizeHex(payload.IDHex) != participant.IDHex {
		return fmt.Errorf("%w: submitted identifier does not match assigned identifier", ErrProtocol)
	}
	if len(payload.PkgsCipher) != session.MaxSigners-1 {
		return fmt.Errorf("%w: expected %d round 2 packages, got %d", ErrProtocol, session.MaxSigners-1, len(payload.PkgsCipher))
	}

	joined := make(map[string]bool, len(session.Joined))
	for _, p := range session.Joined {
		joined[p.IDHex] = true
	}

	recipients := make([]string, 0, len(payload.PkgsCipher))
	for _, pkg := range payload.PkgsCipher {
		recipient := wire.NormalizeHex(pkg.IDHex)
		if recipient == participant.IDHex {
			return fmt.Errorf("%w: round 2 package addressed to self", ErrProtocol)
		}
		if !joined[recipient] {
			return fmt.Errorf("%w: round 2 package addressed to unknown identifier", ErrProtocol)
		}

		authPayload := c.engine.AuthPayloadRound2(session.ID, participant.IDHex, recipient,
			pkg.Payload.EphemeralPublicKey.Key, pkg.Payload.Nonce, pkg.Payload.Ciphertext)
		ok, err := c.engine.VerifySignature(participant.PublicKey, authPayload, pkg.SignatureHex)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}
		if !ok {
			return fmt.Errorf("%w: round 2 package signature rejected", ErrVerification)
		}
		recipients = append(recipients, recipient)
	}

	// All packages verified; store the batch. Delivery flips the id field
	// from recipient to sender.
	for i, pkg := range payload.PkgsCipher {
		recipient := recipients[i]
		inbox := session.Round2Inbox[recipient]
		if inbox == nil {
			inbox = make(map[string]wire.CipherPackage)
			session.Round2Inbox[recipient] = inbox
		}
		inbox[participant.IDHex] = wire.CipherPackage{
			IDHex:        participant.IDHex,
			Payload:      pkg.Payload,
			SignatureHex: pkg.SignatureHex,
		}
	}
	c.touchDKG(session)
	c.log.Debug("dkg round 2 packages stored", "session", session.ID, "sender", participant.IDHex)

	if session.round2Complete() {
		c.finishDKGRound2(session)
	}
	return nil
}

// finishDKGRound2 fires exactly once, when every inbox is full: each
// participant receives exactly the packages addressed to it, and no others.
// The session stays in Round2 until the finalize barrier.
func (c *Coordinator) finishDKGRound2(session *DKGSession) {
	metrics.RecordTransition(metrics.KindDKG, "round2_complete")
	c.log.Info("dkg round 2 complete", "session", session.ID)

	for _, p := range session.sortedJoined() {
		inbox := session.Round2Inbox[p.IDHex]
		senders := make([]string, 0, len(inbox))
		for sender := range inbox {
			senders = append(senders, sender)
		}
		sort.Strings(senders)

		packages := make([]wire.CipherPackage, 0, len(senders))
		for _, sender := range senders {
			packages = append(packages, inbox[sender])
		}
		c.sendTo(p.ConnID, wire.ServerMessage{
			Type:    wire.TypeRound2All,
			Payload: wire.Round2AllPayload{Session: session.ID, Packages: packages},
		})
	}
}

// handleFinalizeSubmit records one participant's locally computed group
// verification key. The first submission fixes the session's key; every
// later one must agree with it.
func (c *Coordinator) handleFinalizeSubmit(conn Conn, payload *wire.FinalizeSubmitPayload) error {
	session, ok := c.store.DKG(payload.Session)
	if !ok {
		return fmt.Errorf("%w: unknown session %q", ErrProtocol, payload.Session)
	}
	if session.State != StateRound2 {
		return fmt.Errorf("%w: session %q is not ready to finalize", ErrProtocol, session.ID)
	}
	participant := session.ParticipantByConn(conn.ID())
	if participant == nil {
		return fmt.Errorf("%w: connection has not joined session %q", ErrAuthorization, session.ID)
	}

	authPayload := c.engine.AuthPayloadFinalize(session.ID, payload.IDHex, payload.GroupVKSec1Hex)
	ok, err := c.engine.VerifySignature(participant.PublicKey, authPayload, payload.SignatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: finalize signature rejected", ErrVerification)
	}
	if wire.NormalizeHex(payload.IDHex) != participant.IDHex {
		return fmt.Errorf("%w: submitted identifier does not match assigned identifier", ErrProtocol)
	}

	groupVK := wire.NormalizeHex(payload.GroupVKSec1Hex)
	if session.GroupVKSec1Hex == "" {
		session.GroupVKSec1Hex = groupVK
	} else if session.GroupVKSec1Hex != groupVK {
		return fmt.Errorf("%w: group verification key disagrees with prior submissions", ErrConsistency)
	}

	session.FinalizedSUIDs[participant.SUID] = true
	c.touchDKG(session)
	c.log.Debug("dkg finalize recorded", "session", session.ID, "suid", participant.SUID,
		"finalized", len(session.FinalizedSUIDs), "expected", len(session.Joined))

	if len(session.FinalizedSUIDs) == len(session.Joined) {
		c.finishDKG(session)
	} else {
		// Early finalizers get a personal acknowledgment carrying the agreed
		// key; the session-wide broadcast waits for the barrier.
		conn.Send(wire.ServerMessage{
			Type: wire.TypeFinalized,
			Payload: wire.FinalizedPayload{
				Session:        session.ID,
				GroupVKSec1Hex: session.GroupVKSec1Hex,
			},
		})
	}
	return nil
}

// finishDKG fires exactly once, when every participant has finalized with
// the same group key. The session reaches its terminal state and is
// archived.
func (c *Coordinator) finishDKG(session *DKGSession) {
	session.State = StateFinalized
	metrics.RecordTransition(metrics.KindDKG, "finalized")
	metrics.SessionEnded(metrics.KindDKG, "finalized")
	c.log.Info("dkg finalized", "session", session.ID, "group_vk", session.GroupVKSec1Hex)

	c.broadcastDKG(session, wire.ServerMessage{
		Type: wire.TypeFinalized,
		Payload: wire.FinalizedPayload{
			Session:        session.ID,
			GroupVKSec1Hex: session.GroupVKSec1Hex,
		},
	})
	c.store.ArchiveDKG(session.ID)
}

// handleListPendingDKG returns every non-terminal DKG session. Open to any
// caller; only the completed list is scoped to the caller's identity.
func (c *Coordinator) handleListPendingDKG(conn Conn) error {
	sessions := c.store.ActiveDKG()
	summaries := make([]wire.DKGSessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	conn.Send(wire.ServerMessage{
		Type:    wire.TypePendingDKGSessions,
		Payload: wire.DKGSessionListPayload{Sessions: summaries},
	})
	return nil
}

// handleListCompletedDKG returns archived DKG sessions whose roster includes
// the caller.
func (c *Coordinator) handleListCompletedDKG(conn Conn) error {
	key, err := c.requireAuth(conn.ID())
	if err != nil {
		return err
	}
	sessions := c.store.CompletedDKGFor(key)
	summaries := make([]wire.DKGSessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	conn.Send(wire.ServerMessage{
		Type:    wire.TypeCompletedDKGSessions,
		Payload: wire.DKGSessionListPayload{Sessions: summaries},
	})
	return nil
}
