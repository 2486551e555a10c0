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
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/sha3"

	"github.com/jeremyhahn/go-fserver/pkg/metrics"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// handleAnnounceSign creates a new threshold signing session in the Pending
// state. The group verification key comes from a prior DKG ceremony and is
// supplied by the announcer, not derived here. Any caller may announce,
// logged in or not.
func (c *Coordinator) handleAnnounceSign(conn Conn, payload *wire.AnnounceSignSessionPayload) error {
	if err := validateSignConfig(payload); err != nil {
		return err
	}

	messageHex := wire.NormalizeHex(payload.MessageHex)
	if messageHex == "" {
		messageHex = keccakHex([]byte(payload.Message))
	}

	now := c.now()
	session := &SignSession{
		ID:               c.newID(),
		CreatorConnID:    conn.ID(),
		GroupID:          payload.GroupID,
		Threshold:        payload.Threshold,
		Participants:     payload.Participants,
		ParticipantsPubs: payload.ParticipantsPubs,
		Message:          payload.Message,
		MessageHex:       messageHex,
		GroupVKSec1Hex:   wire.NormalizeHex(payload.GroupVKSec1Hex),
		Joined:           make(map[int]*Participant),
		State:            StatePending,
		Commitments:      make(map[string]commitmentSubmission),
		Shares:           make(map[string]shareSubmission),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	c.store.PutSign(session)
	metrics.SessionStarted(metrics.KindSign)

	c.log.Info("signing session announced",
		"session", session.ID,
		"group", session.GroupID,
		"threshold", session.Threshold,
		"signers", len(session.Participants))

	conn.Send(wire.ServerMessage{
		Type:    wire.TypeSignSessionCreated,
		Payload: wire.SessionCreatedPayload{Session: session.ID},
	})
	return nil
}

// validateSignConfig checks the announced signing quorum shape. The selected
// signer set must meet the threshold; each selected signer must have a
// roster key.
func validateSignConfig(p *wire.AnnounceSignSessionPayload) error {
	if p.Threshold < 1 {
		return fmt.Errorf("%w: threshold %d out of range", ErrProtocol, p.Threshold)
	}
	if len(p.Participants) < p.Threshold {
		return fmt.Errorf("%w: %d signers selected for threshold %d", ErrProtocol, len(p.Participants), p.Threshold)
	}
	if len(p.ParticipantsPubs) != len(p.Participants) {
		return fmt.Errorf("%w: %d signer keys for %d signers", ErrProtocol, len(p.ParticipantsPubs), len(p.Participants))
	}
	if p.GroupVKSec1Hex == "" {
		return fmt.Errorf("%w: missing group verification key", ErrProtocol)
	}
	if p.Message == "" && p.MessageHex == "" {
		return fmt.Errorf("%w: missing message", ErrProtocol)
	}
	seen := make(map[int]bool, len(p.Participants))
	for _, suid := range p.Participants {
		if seen[suid] {
			return fmt.Errorf("%w: duplicate signer suid %d", ErrProtocol, suid)
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

// handleJoinSign binds the caller to its signer slot, retaining the signer
// identifier and verifying share needed later for aggregation.
func (c *Coordinator) handleJoinSign(conn Conn, payload *wire.JoinSignSessionPayload) error {
	key, err := c.requireAuth(conn.ID())
	if err != nil {
		return err
	}
	session, ok := c.store.Sign(payload.Session)
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
	if payload.SignerIDBincodeHex == "" || payload.VerifyingShareBincodeHex == "" {
		return fmt.Errorf("%w: join requires signer identifier and verifying share", ErrProtocol)
	}

	idHex := wire.NormalizeHex(payload.SignerIDBincodeHex)
	if existing, joined := session.Joined[entry.SUID]; joined {
		if existing.ConnID != conn.ID() && c.registry.Has(existing.ConnID) {
			return fmt.Errorf("%w: suid %d already joined", ErrProtocol, entry.SUID)
		}
		existing.ConnID = conn.ID()
		existing.IDHex = idHex
		existing.VerifyingShareHex = payload.VerifyingShareBincodeHex
	} else {
		session.Joined[entry.SUID] = &Participant{
			SUID:              entry.SUID,
			ConnID:            conn.ID(),
			PublicKey:         key,
			IDHex:             idHex,
			VerifyingShareHex: payload.VerifyingShareBincodeHex,
		}
	}
	c.touchSign(session)

	c.log.Info("sign join", "session", session.ID, "suid", entry.SUID,
		"joined", len(session.Joined), "signers", len(session.Participants))
	c.broadcastSign(session, wire.NewInfo(fmt.Sprintf("suid %d joined signing session %s (%d/%d)",
		entry.SUID, session.ID, len(session.Joined), len(session.Participants))))

	if len(session.Joined) == len(session.Participants) {
		c.startSignRound1(session)
	}
	return nil
}

// startSignRound1 fires exactly once, when the last selected signer joins.
func (c *Coordinator) startSignRound1(session *SignSession) {
	session.State = StateRound1
	metrics.RecordTransition(metrics.KindSign, "round1")
	c.log.Info("signing round 1 started", "session", session.ID)

	roster := session.roster()
	for _, p := range session.sortedJoined() {
		c.sendTo(p.ConnID, wire.ServerMessage{
			Type: wire.TypeSignReadyRound1,
			Payload: wire.SignReadyRound1Payload{
				Session:        session.ID,
				GroupID:        session.GroupID,
				Threshold:      session.Threshold,
				Participants:   len(session.Participants),
				Roster:         roster,
				MsgKeccak32Hex: session.MessageHex,
			},
		})
	}
}

// handleSignRound1Submit verifies and stores one signer's commitment.
func (c *Coordinator) handleSignRound1Submit(conn Conn, payload *wire.SignRound1SubmitPayload) error {
	session, ok := c.store.Sign(payload.Session)
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

	authPayload := c.engine.AuthPayloadSignRound1(session.ID, session.GroupID, payload.IDHex, payload.CommitmentsBincodeHex)
	ok, err := c.engine.VerifySignature(participant.PublicKey, authPayload, payload.SignatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: commitment signature rejected", ErrVerification)
	}
	if wire.NormalizeHex(payload.IDHex) != participant.IDHex {
		return fmt.Errorf("%w: submitted identifier does not match joined identifier", ErrProtocol)
	}

	session.Commitments[participant.IDHex] = commitmentSubmission{
		CommitmentHex: payload.CommitmentsBincodeHex,
		SignatureHex:  payload.SignatureHex,
	}
	c.touchSign(session)
	c.log.Debug("signing commitment stored", "session", session.ID, "id", participant.IDHex,
		"received", len(session.Commitments), "expected", len(session.Participants))

	if len(session.Commitments) == len(session.Participants) {
		c.finishSignRound1(session)
	}
	return nil
}

// finishSignRound1 fires exactly once, when the last commitment lands: the
// engine folds all commitments and the message digest into the signing
// package, which is broadcast to every signer.
func (c *Coordinator) finishSignRound1(session *SignSession) {
	commitments := make(map[string]string, len(session.Commitments))
	for id, sub := range session.Commitments {
		commitments[id] = sub.CommitmentHex
	}

	pkgHex, err := c.engine.ComputeSigningPackage(commitments, session.MessageHex)
	if err != nil {
		c.reportAggregationFailure(session, fmt.Errorf("%w: %v", ErrAggregation, err))
		return
	}

	session.SigningPackageHex = pkgHex
	session.State = StateRound2
	metrics.RecordTransition(metrics.KindSign, "signing_package")
	c.log.Info("signing package ready", "session", session.ID)

	c.broadcastSign(session, wire.ServerMessage{
		Type: wire.TypeSignSigningPackage,
		Payload: wire.SignSigningPackagePayload{
			Session:                  session.ID,
			SigningPackageBincodeHex: pkgHex,
		},
	})
}

// handleSignRound2Submit verifies and stores one signature share.
func (c *Coordinator) handleSignRound2Submit(conn Conn, payload *wire.SignRound2SubmitPayload) error {
	session, ok := c.store.Sign(payload.Session)
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

	authPayload := c.engine.AuthPayloadSignRound2(session.ID, session.GroupID, payload.IDHex,
		payload.SignatureShareBincodeHex, session.MessageHex)
	ok, err := c.engine.VerifySignature(participant.PublicKey, authPayload, payload.SignatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: signature share rejected", ErrVerification)
	}
	if wire.NormalizeHex(payload.IDHex) != participant.IDHex {
		return fmt.Errorf("%w: submitted identifier does not match joined identifier", ErrProtocol)
	}

	session.Shares[participant.IDHex] = shareSubmission{
		ShareHex:     payload.SignatureShareBincodeHex,
		SignatureHex: payload.SignatureHex,
	}
	c.touchSign(session)
	c.log.Debug("signature share stored", "session", session.ID, "id", participant.IDHex,
		"received", len(session.Shares), "expected", len(session.Participants))

	if len(session.Shares) == len(session.Participants) {
		c.finishSignRound2(session)
	}
	return nil
}

// finishSignRound2 fires exactly once, when the last share lands: the engine
// verifies each share against its signer's verifying share and aggregates
// the final signature. An aggregation failure is broadcast to every signer,
// not just the last submitter, since any share may be the culprit.
func (c *Coordinator) finishSignRound2(session *SignSession) {
	shares := make(map[string]string, len(session.Shares))
	for id, sub := range session.Shares {
		shares[id] = sub.ShareHex
	}
	verifyingShares := make(map[string]string, len(session.Joined))
	for _, p := range session.Joined {
		verifyingShares[p.IDHex] = p.VerifyingShareHex
	}

	result, err := c.engine.AggregateSignatures(session.SigningPackageHex, shares, verifyingShares, session.GroupVKSec1Hex)
	if err != nil {
		c.reportAggregationFailure(session, fmt.Errorf("%w: %v", ErrAggregation, err))
		return
	}

	session.FinalSignatureHex = result.SignatureHex
	session.State = StateComplete
	metrics.RecordTransition(metrics.KindSign, "signature_ready")
	metrics.SessionEnded(metrics.KindSign, "complete")
	c.log.Info("signature ready", "session", session.ID)

	c.broadcastSign(session, wire.ServerMessage{
		Type: wire.TypeSignatureReady,
		Payload: wire.SignatureReadyPayload{
			Session:             session.ID,
			SignatureBincodeHex: result.SignatureHex,
			Message:             session.MessageHex,
			RX:                  result.RX,
			RY:                  result.RY,
			S:                   result.S,
			PX:                  result.PX,
			PY:                  result.PY,
		},
	})
	c.store.ArchiveSign(session.ID)
}

// reportAggregationFailure tells every joined signer that aggregation failed
// and leaves the session in its current round. Stored submissions survive, so
// a signer may resubmit a corrected commitment or share and re-trigger the
// barrier; a session nobody repairs is eventually swept by the janitor.
func (c *Coordinator) reportAggregationFailure(session *SignSession, err error) {
	metrics.RecordError(errorClass(err))
	c.log.Warn("signing aggregation failed", "session", session.ID,
		"state", string(session.State), "error", err.Error())

	c.broadcastSign(session, wire.NewError(err.Error()))
}

// handleListPendingSign returns every non-terminal signing session. Open to
// any caller; only the completed list is scoped to the caller's identity.
func (c *Coordinator) handleListPendingSign(conn Conn) error {
	sessions := c.store.ActiveSign()
	summaries := make([]wire.SignSessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	conn.Send(wire.ServerMessage{
		Type:    wire.TypePendingSigningSessions,
		Payload: wire.SignSessionListPayload{Sessions: summaries},
	})
	return nil
}

// handleListCompletedSign returns archived signing sessions whose roster
// includes the caller.
func (c *Coordinator) handleListCompletedSign(conn Conn) error {
	key, err := c.requireAuth(conn.ID())
	if err != nil {
		return err
	}
	sessions := c.store.CompletedSignFor(key)
	summaries := make([]wire.SignSessionSummary, 0, len(sessions))
	for _, s := range sessions {
		summaries = append(summaries, s.Summary())
	}
	conn.Send(wire.ServerMessage{
		Type:    wire.TypeCompletedSigningSessions,
		Payload: wire.SignSessionListPayload{Sessions: summaries},
	})
	return nil
}

// keccakHex returns the hex-encoded Keccak-256 digest of data. Used to
// derive the canonical message digest when the announcer supplies only the
// human-readable message.
func keccakHex(data []byte) string {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
