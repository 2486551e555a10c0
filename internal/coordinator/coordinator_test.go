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
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-fserver/pkg/engine"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// badSignature is the sentinel the fake engine rejects.
const badSignature = "bad"

// fakeEngine verifies every signature except badSignature and produces
// deterministic auth payloads and aggregation results.
type fakeEngine struct {
	computeErr   error
	aggregateErr error
	result       *engine.AggregateResult
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		result: &engine.AggregateResult{
			SignatureHex: "cafe", RX: "01", RY: "02", S: "03", PX: "04", PY: "05",
		},
	}
}

func (f *fakeEngine) VerifySignature(_ wire.RosterPublicKey, _, signatureHex string) (bool, error) {
	return signatureHex != badSignature, nil
}

func (f *fakeEngine) AuthPayloadRound1(sessionID, idHex, pkgHex string) string {
	return strings.Join([]string{"r1", sessionID, idHex, pkgHex}, "|")
}

func (f *fakeEngine) AuthPayloadRound2(sessionID, senderIDHex, recipientIDHex, ephemeralHex, nonceHex, ciphertextHex string) string {
	return strings.Join([]string{"r2", sessionID, senderIDHex, recipientIDHex, ephemeralHex, nonceHex, ciphertextHex}, "|")
}

func (f *fakeEngine) AuthPayloadFinalize(sessionID, idHex, groupVKHex string) string {
	return strings.Join([]string{"fin", sessionID, idHex, groupVKHex}, "|")
}

func (f *fakeEngine) AuthPayloadSignRound1(sessionID, groupID, idHex, commitmentsHex string) string {
	return strings.Join([]string{"sr1", sessionID, groupID, idHex, commitmentsHex}, "|")
}

func (f *fakeEngine) AuthPayloadSignRound2(sessionID, groupID, idHex, shareHex, messageHex string) string {
	return strings.Join([]string{"sr2", sessionID, groupID, idHex, shareHex, messageHex}, "|")
}

func (f *fakeEngine) ComputeSigningPackage(commitmentsByID map[string]string, messageHex string) (string, error) {
	if f.computeErr != nil {
		return "", f.computeErr
	}
	return fmt.Sprintf("pkg-%d-%s", len(commitmentsByID), messageHex), nil
}

func (f *fakeEngine) AggregateSignatures(_ string, _, _ map[string]string, _ string) (*engine.AggregateResult, error) {
	if f.aggregateErr != nil {
		return nil, f.aggregateErr
	}
	return f.result, nil
}

// fakeConn records every message sent to it.
type fakeConn struct {
	id   string
	msgs []wire.ServerMessage
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg wire.ServerMessage) { c.msgs = append(c.msgs, msg) }

func (c *fakeConn) lastOfType(t *testing.T, msgType wire.ServerMessageType) wire.ServerMessage {
	t.Helper()
	for i := len(c.msgs) - 1; i >= 0; i-- {
		if c.msgs[i].Type == msgType {
			return c.msgs[i]
		}
	}
	t.Fatalf("connection %s never received %s (got %d messages)", c.id, msgType, len(c.msgs))
	return wire.ServerMessage{}
}

func (c *fakeConn) countOfType(msgType wire.ServerMessageType) int {
	n := 0
	for _, msg := range c.msgs {
		if msg.Type == msgType {
			n++
		}
	}
	return n
}

// testRig is a coordinator with deterministic clock and id generation plus
// the fake engine behind it.
type testRig struct {
	coord  *Coordinator
	engine *fakeEngine
	clock  time.Time
	nextID int
}

func newTestRig(t *testing.T, timeout time.Duration) *testRig {
	t.Helper()
	rig := &testRig{
		engine: newFakeEngine(),
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	rig.coord = New(Config{Engine: rig.engine, SessionTimeout: timeout})
	rig.coord.now = func() time.Time { return rig.clock }
	rig.coord.newID = func() string {
		rig.nextID++
		return fmt.Sprintf("uid-%04d", rig.nextID)
	}
	return rig
}

func (r *testRig) connect(id string) *fakeConn {
	conn := &fakeConn{id: id}
	r.coord.HandleConnect(conn)
	return conn
}

func (r *testRig) send(conn *fakeConn, msgType wire.ClientMessageType, payload any) {
	r.coord.HandleMessage(conn, &wire.ClientMessage{Type: msgType, Payload: payload})
}

// login runs the challenge/response flow for a connection.
func (r *testRig) login(t *testing.T, conn *fakeConn, key wire.RosterPublicKey) {
	t.Helper()
	r.send(conn, wire.TypeRequestChallenge, nil)
	challenge := conn.lastOfType(t, wire.TypeChallenge).Payload.(wire.ChallengePayload).Challenge
	r.send(conn, wire.TypeLogin, &wire.LoginPayload{
		Challenge:    challenge,
		PublicKey:    key,
		SignatureHex: "ok",
	})
	conn.lastOfType(t, wire.TypeLoginOk)
}

func secpKey(material string) wire.RosterPublicKey {
	return wire.RosterPublicKey{Type: wire.KeyTypeSecp256k1, Key: material}
}

func cipherPkg(recipientID, tag string) wire.CipherPackage {
	return wire.CipherPackage{
		IDHex: recipientID,
		Payload: wire.EncryptedPayload{
			EphemeralPublicKey: secpKey("eph-" + tag),
			Nonce:              "n-" + tag,
			Ciphertext:         "ct-" + tag,
		},
		SignatureHex: "sig-" + tag,
	}
}

func TestDeterministicIdentifier(t *testing.T) {
	assert.Equal(t, strings.Repeat("0", 63)+"1", DeterministicIdentifier(1))
	assert.Equal(t, strings.Repeat("0", 62)+"2a", DeterministicIdentifier(42))
}

func TestLogin(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")
	key := secpKey("02aa")

	rig.send(conn, wire.TypeRequestChallenge, nil)
	challenge := conn.lastOfType(t, wire.TypeChallenge).Payload.(wire.ChallengePayload).Challenge
	require.NotEmpty(t, challenge)

	rig.send(conn, wire.TypeLogin, &wire.LoginPayload{
		Challenge:    challenge,
		PublicKey:    key,
		SignatureHex: "ok",
	})
	payload := conn.lastOfType(t, wire.TypeLoginOk).Payload.(wire.LoginOkPayload)
	assert.Equal(t, "02aa", payload.Principal)
	assert.Zero(t, payload.SUID)
	assert.NotEmpty(t, payload.AccessToken)
}

func TestLogin_WrongChallenge(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")

	rig.send(conn, wire.TypeRequestChallenge, nil)
	rig.send(conn, wire.TypeLogin, &wire.LoginPayload{
		Challenge:    "not-the-challenge",
		PublicKey:    secpKey("02aa"),
		SignatureHex: "ok",
	})
	msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "authentication failed")
}

func TestLogin_BadSignatureLeavesChallengeUsable(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")
	key := secpKey("02aa")

	rig.send(conn, wire.TypeRequestChallenge, nil)
	challenge := conn.lastOfType(t, wire.TypeChallenge).Payload.(wire.ChallengePayload).Challenge

	rig.send(conn, wire.TypeLogin, &wire.LoginPayload{
		Challenge: challenge, PublicKey: key, SignatureHex: badSignature,
	})
	conn.lastOfType(t, wire.TypeError)

	// The challenge was not consumed by the failed attempt.
	rig.send(conn, wire.TypeLogin, &wire.LoginPayload{
		Challenge: challenge, PublicKey: key, SignatureHex: "ok",
	})
	conn.lastOfType(t, wire.TypeLoginOk)
}

func TestLogout(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")
	rig.login(t, conn, secpKey("02aa"))

	rig.send(conn, wire.TypeLogout, nil)
	rig.send(conn, wire.TypeListCompletedDKGSessions, nil)
	msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "not authorized")
}

func TestAnnounceDKG_NoLoginNeeded(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")

	// Announce and the pending list are open to anyone; only join and the
	// completed list require an authenticated key.
	rig.send(conn, wire.TypeAnnounceDKGSession, &wire.AnnounceDKGSessionPayload{
		MinSigners: 1, MaxSigners: 1,
		Participants:     []int{1},
		ParticipantsPubs: []wire.RosterEntry{{SUID: 1, Key: secpKey("02aa")}},
	})
	session := conn.lastOfType(t, wire.TypeDKGSessionCreated).Payload.(wire.SessionCreatedPayload).Session
	require.NotEmpty(t, session)

	rig.send(conn, wire.TypeListPendingDKGSessions, nil)
	pending := conn.lastOfType(t, wire.TypePendingDKGSessions).Payload.(wire.DKGSessionListPayload)
	require.Len(t, pending.Sessions, 1)
	assert.Equal(t, session, pending.Sessions[0].Session)

	rig.send(conn, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "not authorized")
}

func TestAnnounceDKG_InvalidConfig(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")
	rig.login(t, conn, secpKey("02aa"))

	rig.send(conn, wire.TypeAnnounceDKGSession, &wire.AnnounceDKGSessionPayload{
		MinSigners: 3, MaxSigners: 2,
		Participants:     []int{1, 2},
		ParticipantsPubs: []wire.RosterEntry{{SUID: 1, Key: secpKey("a")}, {SUID: 2, Key: secpKey("b")}},
	})
	msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "protocol violation")
}

// announceDKG announces a 2-of-2 session from conn1 and returns the session id.
func announceDKG(t *testing.T, rig *testRig, conn *fakeConn, keys ...wire.RosterPublicKey) string {
	t.Helper()
	pubs := make([]wire.RosterEntry, len(keys))
	participants := make([]int, len(keys))
	for i, key := range keys {
		participants[i] = i + 1
		pubs[i] = wire.RosterEntry{SUID: i + 1, Key: key}
	}
	rig.send(conn, wire.TypeAnnounceDKGSession, &wire.AnnounceDKGSessionPayload{
		MinSigners:       len(keys),
		MaxSigners:       len(keys),
		GroupID:          "treasury",
		Participants:     participants,
		ParticipantsPubs: pubs,
	})
	return conn.lastOfType(t, wire.TypeDKGSessionCreated).Payload.(wire.SessionCreatedPayload).Session
}

func TestDKGCeremony_EndToEnd(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)

	session := announceDKG(t, rig, conn1, key1, key2)

	// Join barrier: round 1 starts only when the last slot fills. Every join
	// is announced to all currently joined participants.
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	assert.Zero(t, conn1.countOfType(wire.TypeReadyRound1))
	assert.Equal(t, 1, conn1.countOfType(wire.TypeInfo))
	rig.send(conn2, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	assert.Equal(t, 2, conn1.countOfType(wire.TypeInfo))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeInfo))

	id1 := DeterministicIdentifier(1)
	id2 := DeterministicIdentifier(2)
	ready1 := conn1.lastOfType(t, wire.TypeReadyRound1).Payload.(wire.ReadyRound1Payload)
	ready2 := conn2.lastOfType(t, wire.TypeReadyRound1).Payload.(wire.ReadyRound1Payload)
	assert.Equal(t, id1, ready1.IDHex)
	assert.Equal(t, id2, ready2.IDHex)
	assert.Equal(t, "treasury", ready1.GroupID)
	require.Len(t, ready1.Roster, 2)
	assert.Equal(t, ready1.Roster, ready2.Roster)

	// Round 1 barrier.
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: "s1",
	})
	assert.Zero(t, conn1.countOfType(wire.TypeRound1All))
	rig.send(conn2, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: id2, PkgBincodeHex: "p2", SignatureHex: "s2",
	})

	all := conn1.lastOfType(t, wire.TypeRound1All).Payload.(wire.Round1AllPayload)
	require.Len(t, all.Packages, 2)
	assert.Equal(t, id1, all.Packages[0].IDHex)
	assert.Equal(t, "p1", all.Packages[0].PackageHex)
	assert.Equal(t, id2, all.Packages[1].IDHex)

	ready := conn2.lastOfType(t, wire.TypeReadyRound2).Payload.(wire.ReadyRound2Payload)
	assert.Equal(t, []string{id1, id2}, ready.Participants)

	// Round 2: each participant sends one encrypted package per peer;
	// delivery routes by recipient and flips the id to the sender.
	rig.send(conn1, wire.TypeRound2Submit, &wire.Round2SubmitPayload{
		Session: session, IDHex: id1, PkgsCipher: []wire.CipherPackage{cipherPkg(id2, "1to2")},
	})
	assert.Zero(t, conn2.countOfType(wire.TypeRound2All))
	rig.send(conn2, wire.TypeRound2Submit, &wire.Round2SubmitPayload{
		Session: session, IDHex: id2, PkgsCipher: []wire.CipherPackage{cipherPkg(id1, "2to1")},
	})

	inbox1 := conn1.lastOfType(t, wire.TypeRound2All).Payload.(wire.Round2AllPayload)
	require.Len(t, inbox1.Packages, 1)
	assert.Equal(t, id2, inbox1.Packages[0].IDHex)
	assert.Equal(t, "ct-2to1", inbox1.Packages[0].Payload.Ciphertext)

	inbox2 := conn2.lastOfType(t, wire.TypeRound2All).Payload.(wire.Round2AllPayload)
	require.Len(t, inbox2.Packages, 1)
	assert.Equal(t, id1, inbox2.Packages[0].IDHex)
	assert.Equal(t, "ct-1to2", inbox2.Packages[0].Payload.Ciphertext)

	// Finalize barrier with an agreed group key. An early finalizer gets a
	// personal acknowledgment; the broadcast waits for the last one.
	rig.send(conn1, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{
		Session: session, IDHex: id1, GroupVKSec1Hex: "02GROUP", SignatureHex: "f1",
	})
	assert.Equal(t, 1, conn1.countOfType(wire.TypeFinalized))
	assert.Zero(t, conn2.countOfType(wire.TypeFinalized))
	ack := conn1.lastOfType(t, wire.TypeFinalized).Payload.(wire.FinalizedPayload)
	assert.Equal(t, "02group", ack.GroupVKSec1Hex)

	rig.send(conn2, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{
		Session: session, IDHex: id2, GroupVKSec1Hex: "02group", SignatureHex: "f2",
	})

	finalized := conn1.lastOfType(t, wire.TypeFinalized).Payload.(wire.FinalizedPayload)
	assert.Equal(t, "02group", finalized.GroupVKSec1Hex)
	assert.Equal(t, 2, conn1.countOfType(wire.TypeFinalized))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeFinalized))

	// The session moved from the pending list to the completed archive.
	rig.send(conn1, wire.TypeListPendingDKGSessions, nil)
	pending := conn1.lastOfType(t, wire.TypePendingDKGSessions).Payload.(wire.DKGSessionListPayload)
	assert.Empty(t, pending.Sessions)

	rig.send(conn1, wire.TypeListCompletedDKGSessions, nil)
	completed := conn1.lastOfType(t, wire.TypeCompletedDKGSessions).Payload.(wire.DKGSessionListPayload)
	require.Len(t, completed.Sessions, 1)
	assert.Equal(t, session, completed.Sessions[0].Session)
	assert.Equal(t, "02group", completed.Sessions[0].GroupVKSec1Hex)
}

func TestJoinDKG_NonRosterKey(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1 := rig.connect("c1")
	rig.login(t, conn1, key1)
	session := announceDKG(t, rig, conn1, key1, key2)

	intruder := rig.connect("c3")
	rig.login(t, intruder, secpKey("02ee"))
	rig.send(intruder, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	msg := intruder.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "not authorized")
}

func TestJoinDKG_SlotConflictAndReclaim(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1 := rig.connect("c1")
	rig.login(t, conn1, key1)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	// A second live connection with the same key cannot steal the slot.
	rival := rig.connect("c2")
	rig.login(t, rival, key1)
	rig.send(rival, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	msg := rival.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "already joined")

	// Once the original connection drops, the slot may be reclaimed.
	rig.coord.HandleDisconnect(conn1.ID())
	rig.send(rival, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	assert.Equal(t, 1, rival.countOfType(wire.TypeError))
}

func TestRound1_InvalidSignatureDoesNotMutate(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	rig.send(conn2, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	id1, id2 := DeterministicIdentifier(1), DeterministicIdentifier(2)
	rig.send(conn2, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: id2, PkgBincodeHex: "p2", SignatureHex: "s2",
	})

	// A rejected signature stores nothing: the barrier must not fire even
	// though this would be the final package.
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: badSignature,
	})
	msg := conn1.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "verification failed")
	assert.Zero(t, conn1.countOfType(wire.TypeRound1All))

	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: "s1",
	})
	assert.Equal(t, 1, conn1.countOfType(wire.TypeRound1All))
}

func TestRound1_IdentifierMismatch(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	rig.send(conn2, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	// conn1 claims conn2's identifier.
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{
		Session: session, IDHex: DeterministicIdentifier(2), PkgBincodeHex: "p1", SignatureHex: "s1",
	})
	msg := conn1.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "protocol violation")
}

func TestFinalize_ConsistencyMismatch(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	rig.send(conn2, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	id1, id2 := DeterministicIdentifier(1), DeterministicIdentifier(2)
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: "s1"})
	rig.send(conn2, wire.TypeRound1Submit, &wire.Round1SubmitPayload{Session: session, IDHex: id2, PkgBincodeHex: "p2", SignatureHex: "s2"})
	rig.send(conn1, wire.TypeRound2Submit, &wire.Round2SubmitPayload{Session: session, IDHex: id1, PkgsCipher: []wire.CipherPackage{cipherPkg(id2, "a")}})
	rig.send(conn2, wire.TypeRound2Submit, &wire.Round2SubmitPayload{Session: session, IDHex: id2, PkgsCipher: []wire.CipherPackage{cipherPkg(id1, "b")}})

	rig.send(conn1, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{
		Session: session, IDHex: id1, GroupVKSec1Hex: "02aaaa", SignatureHex: "f1",
	})
	assert.Equal(t, 1, conn1.countOfType(wire.TypeFinalized))

	rig.send(conn2, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{
		Session: session, IDHex: id2, GroupVKSec1Hex: "02bbbb", SignatureHex: "f2",
	})
	msg := conn2.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "inconsistent submission")
	assert.Zero(t, conn2.countOfType(wire.TypeFinalized))

	// Agreeing with the recorded key completes the ceremony.
	rig.send(conn2, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{
		Session: session, IDHex: id2, GroupVKSec1Hex: "02aaaa", SignatureHex: "f2",
	})
	assert.Equal(t, 2, conn1.countOfType(wire.TypeFinalized))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeFinalized))
}

// announceSign announces a signing session over the given keys and returns
// the session id.
func announceSign(t *testing.T, rig *testRig, conn *fakeConn, keys ...wire.RosterPublicKey) string {
	t.Helper()
	pubs := make([]wire.RosterEntry, len(keys))
	participants := make([]int, len(keys))
	for i, key := range keys {
		participants[i] = i + 1
		pubs[i] = wire.RosterEntry{SUID: i + 1, Key: key}
	}
	rig.send(conn, wire.TypeAnnounceSignSession, &wire.AnnounceSignSessionPayload{
		GroupID:          "treasury",
		Threshold:        len(keys),
		Participants:     participants,
		ParticipantsPubs: pubs,
		GroupVKSec1Hex:   "02group",
		Message:          "transfer 100 units",
	})
	return conn.lastOfType(t, wire.TypeSignSessionCreated).Payload.(wire.SessionCreatedPayload).Session
}

func TestSignCeremony_EndToEnd(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)

	session := announceSign(t, rig, conn1, key1, key2)
	msgHex := keccakHex([]byte("transfer 100 units"))

	rig.send(conn1, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{
		Session: session, SignerIDBincodeHex: "01", VerifyingShareBincodeHex: "vs1",
	})
	assert.Zero(t, conn1.countOfType(wire.TypeSignReadyRound1))
	assert.Equal(t, 1, conn1.countOfType(wire.TypeInfo))
	rig.send(conn2, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{
		Session: session, SignerIDBincodeHex: "02", VerifyingShareBincodeHex: "vs2",
	})
	assert.Equal(t, 2, conn1.countOfType(wire.TypeInfo))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeInfo))

	ready := conn1.lastOfType(t, wire.TypeSignReadyRound1).Payload.(wire.SignReadyRound1Payload)
	assert.Equal(t, 2, ready.Threshold)
	assert.Equal(t, 2, ready.Participants)
	assert.Equal(t, msgHex, ready.MsgKeccak32Hex)
	require.Len(t, ready.Roster, 2)
	assert.Equal(t, "01", ready.Roster[0].IDHex)
	assert.Equal(t, "02", ready.Roster[1].IDHex)

	// Round 1: commitments.
	rig.send(conn1, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{
		Session: session, IDHex: "01", CommitmentsBincodeHex: "c1", SignatureHex: "s1",
	})
	assert.Zero(t, conn1.countOfType(wire.TypeSignSigningPackage))
	rig.send(conn2, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{
		Session: session, IDHex: "02", CommitmentsBincodeHex: "c2", SignatureHex: "s2",
	})

	pkg := conn2.lastOfType(t, wire.TypeSignSigningPackage).Payload.(wire.SignSigningPackagePayload)
	assert.Equal(t, "pkg-2-"+msgHex, pkg.SigningPackageBincodeHex)

	// Round 2: signature shares.
	rig.send(conn1, wire.TypeSignRound2Submit, &wire.SignRound2SubmitPayload{
		Session: session, IDHex: "01", SignatureShareBincodeHex: "z1", SignatureHex: "s1",
	})
	assert.Zero(t, conn1.countOfType(wire.TypeSignatureReady))
	rig.send(conn2, wire.TypeSignRound2Submit, &wire.SignRound2SubmitPayload{
		Session: session, IDHex: "02", SignatureShareBincodeHex: "z2", SignatureHex: "s2",
	})

	sig := conn1.lastOfType(t, wire.TypeSignatureReady).Payload.(wire.SignatureReadyPayload)
	assert.Equal(t, "cafe", sig.SignatureBincodeHex)
	assert.Equal(t, msgHex, sig.Message)
	assert.Equal(t, "01", sig.RX)
	assert.Equal(t, 1, conn2.countOfType(wire.TypeSignatureReady))

	rig.send(conn1, wire.TypeListPendingSigningSessions, nil)
	pending := conn1.lastOfType(t, wire.TypePendingSigningSessions).Payload.(wire.SignSessionListPayload)
	assert.Empty(t, pending.Sessions)

	rig.send(conn1, wire.TypeListCompletedSigningSessions, nil)
	completed := conn1.lastOfType(t, wire.TypeCompletedSigningSessions).Payload.(wire.SignSessionListPayload)
	require.Len(t, completed.Sessions, 1)
	assert.Equal(t, string(StateComplete), completed.Sessions[0].Status)
}

func TestSignRound2_AggregationErrorIsRecoverable(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.engine.aggregateErr = fmt.Errorf("share does not verify")

	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceSign(t, rig, conn1, key1, key2)

	rig.send(conn1, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{Session: session, SignerIDBincodeHex: "01", VerifyingShareBincodeHex: "vs1"})
	rig.send(conn2, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{Session: session, SignerIDBincodeHex: "02", VerifyingShareBincodeHex: "vs2"})
	rig.send(conn1, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{Session: session, IDHex: "01", CommitmentsBincodeHex: "c1", SignatureHex: "s1"})
	rig.send(conn2, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{Session: session, IDHex: "02", CommitmentsBincodeHex: "c2", SignatureHex: "s2"})
	rig.send(conn1, wire.TypeSignRound2Submit, &wire.SignRound2SubmitPayload{Session: session, IDHex: "01", SignatureShareBincodeHex: "z1", SignatureHex: "s1"})
	rig.send(conn2, wire.TypeSignRound2Submit, &wire.SignRound2SubmitPayload{Session: session, IDHex: "02", SignatureShareBincodeHex: "z2", SignatureHex: "s2"})

	// Every signer hears about the failure, not just the last submitter.
	for _, conn := range []*fakeConn{conn1, conn2} {
		msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
		assert.Contains(t, msg.Message, "aggregation failed")
		assert.Zero(t, conn.countOfType(wire.TypeSignatureReady))
	}

	// The session stays in Round2 rather than dying: stored shares survive
	// and the session is still listed as pending.
	rig.send(conn1, wire.TypeListPendingSigningSessions, nil)
	pending := conn1.lastOfType(t, wire.TypePendingSigningSessions).Payload.(wire.SignSessionListPayload)
	require.Len(t, pending.Sessions, 1)
	assert.Equal(t, string(StateRound2), pending.Sessions[0].Status)

	// A corrected share replaces the bad one and re-triggers aggregation.
	rig.engine.aggregateErr = nil
	rig.send(conn2, wire.TypeSignRound2Submit, &wire.SignRound2SubmitPayload{Session: session, IDHex: "02", SignatureShareBincodeHex: "z2-fixed", SignatureHex: "s2"})
	assert.Equal(t, 1, conn1.countOfType(wire.TypeSignatureReady))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeSignatureReady))
}

func TestSignRound1_PackageErrorIsRecoverable(t *testing.T) {
	rig := newTestRig(t, 0)
	rig.engine.computeErr = fmt.Errorf("malformed commitment")

	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceSign(t, rig, conn1, key1, key2)

	rig.send(conn1, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{Session: session, SignerIDBincodeHex: "01", VerifyingShareBincodeHex: "vs1"})
	rig.send(conn2, wire.TypeJoinSignSession, &wire.JoinSignSessionPayload{Session: session, SignerIDBincodeHex: "02", VerifyingShareBincodeHex: "vs2"})
	rig.send(conn1, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{Session: session, IDHex: "01", CommitmentsBincodeHex: "c1", SignatureHex: "s1"})
	rig.send(conn2, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{Session: session, IDHex: "02", CommitmentsBincodeHex: "c2", SignatureHex: "s2"})

	for _, conn := range []*fakeConn{conn1, conn2} {
		msg := conn.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
		assert.Contains(t, msg.Message, "aggregation failed")
	}
	assert.Zero(t, conn1.countOfType(wire.TypeSignSigningPackage))

	// The session did not advance: a corrected commitment re-triggers the
	// round-1 barrier and the ceremony proceeds.
	rig.engine.computeErr = nil
	rig.send(conn2, wire.TypeSignRound1Submit, &wire.SignRound1SubmitPayload{Session: session, IDHex: "02", CommitmentsBincodeHex: "c2-fixed", SignatureHex: "s2"})
	assert.Equal(t, 1, conn1.countOfType(wire.TypeSignSigningPackage))
	assert.Equal(t, 1, conn2.countOfType(wire.TypeSignSigningPackage))
}

func TestSweepExpired(t *testing.T) {
	rig := newTestRig(t, 10*time.Minute)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1 := rig.connect("c1")
	rig.login(t, conn1, key1)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	// Not yet expired.
	rig.coord.SweepExpired(rig.clock.Add(5 * time.Minute))
	assert.Zero(t, conn1.countOfType(wire.TypeSessionAborted))

	rig.coord.SweepExpired(rig.clock.Add(11 * time.Minute))
	aborted := conn1.lastOfType(t, wire.TypeSessionAborted).Payload.(wire.SessionAbortedPayload)
	assert.Equal(t, session, aborted.Session)
	assert.Equal(t, "session timed out", aborted.Reason)

	rig.send(conn1, wire.TypeListPendingDKGSessions, nil)
	pending := conn1.lastOfType(t, wire.TypePendingDKGSessions).Payload.(wire.DKGSessionListPayload)
	assert.Empty(t, pending.Sessions)
}

func TestRound2_RejectsMisaddressedPackages(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)
	session := announceDKG(t, rig, conn1, key1, key2)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	rig.send(conn2, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})

	id1, id2 := DeterministicIdentifier(1), DeterministicIdentifier(2)
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: "s1"})
	rig.send(conn2, wire.TypeRound1Submit, &wire.Round1SubmitPayload{Session: session, IDHex: id2, PkgBincodeHex: "p2", SignatureHex: "s2"})

	// Self-addressed package is rejected.
	rig.send(conn1, wire.TypeRound2Submit, &wire.Round2SubmitPayload{
		Session: session, IDHex: id1, PkgsCipher: []wire.CipherPackage{cipherPkg(id1, "self")},
	})
	msg := conn1.lastOfType(t, wire.TypeError).Payload.(wire.ErrorPayload)
	assert.Contains(t, msg.Message, "protocol violation")

	// Unknown recipient is rejected.
	rig.send(conn1, wire.TypeRound2Submit, &wire.Round2SubmitPayload{
		Session: session, IDHex: id1, PkgsCipher: []wire.CipherPackage{cipherPkg(DeterministicIdentifier(9), "ghost")},
	})
	assert.Equal(t, 2, conn1.countOfType(wire.TypeError))
}

func TestHandleRaw_MalformedFrame(t *testing.T) {
	rig := newTestRig(t, 0)
	conn := rig.connect("c1")

	rig.coord.HandleRaw(conn, []byte(`{"type":`))
	conn.lastOfType(t, wire.TypeError)

	rig.coord.HandleRaw(conn, []byte(`{"type":"Nope"}`))
	assert.Equal(t, 2, conn.countOfType(wire.TypeError))
}

func TestListSessions_ScopedToRosterMembership(t *testing.T) {
	rig := newTestRig(t, 0)
	key1, key2 := secpKey("02aa"), secpKey("02bb")
	conn1, conn2 := rig.connect("c1"), rig.connect("c2")
	rig.login(t, conn1, key1)
	rig.login(t, conn2, key2)

	// Complete a 1-of-1 ceremony that only key1 participates in.
	session := announceDKG(t, rig, conn1, key1)
	rig.send(conn1, wire.TypeJoinDKGSession, &wire.JoinDKGSessionPayload{Session: session})
	id1 := DeterministicIdentifier(1)
	rig.send(conn1, wire.TypeRound1Submit, &wire.Round1SubmitPayload{Session: session, IDHex: id1, PkgBincodeHex: "p1", SignatureHex: "s1"})
	rig.send(conn1, wire.TypeFinalizeSubmit, &wire.FinalizeSubmitPayload{Session: session, IDHex: id1, GroupVKSec1Hex: "02g", SignatureHex: "f1"})
	conn1.lastOfType(t, wire.TypeFinalized)

	rig.send(conn1, wire.TypeListCompletedDKGSessions, nil)
	mine := conn1.lastOfType(t, wire.TypeCompletedDKGSessions).Payload.(wire.DKGSessionListPayload)
	assert.Len(t, mine.Sessions, 1)

	rig.send(conn2, wire.TypeListCompletedDKGSessions, nil)
	theirs := conn2.lastOfType(t, wire.TypeCompletedDKGSessions).Payload.(wire.DKGSessionListPayload)
	assert.Empty(t, theirs.Sessions)
}
