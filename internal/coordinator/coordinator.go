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

// Package coordinator implements the ceremony orchestration core: connection
// authentication, session lifecycle state machines, round barriers, and
// broadcast fan-out. All client state lives in memory and every inbound
// message is processed atomically under a single mutex, so each handler sees
// and leaves a consistent world.
package coordinator

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jeremyhahn/go-fserver/pkg/engine"
	"github.com/jeremyhahn/go-fserver/pkg/logging"
	"github.com/jeremyhahn/go-fserver/pkg/metrics"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// tokenTTL bounds the validity of issued access tokens.
const tokenTTL = 24 * time.Hour

// Config carries the coordinator's dependencies and tunables.
type Config struct {
	// Engine performs all signature verification and aggregation.
	Engine engine.Engine

	// Logger receives structured handler logs. Defaults to the package
	// default logger when nil.
	Logger *logging.Logger

	// SessionTimeout is the idle age after which the sweeper moves a
	// non-terminal session to Failed. Zero disables sweeping.
	SessionTimeout time.Duration
}

// Coordinator is the single orchestration core shared by every connection.
// One mutex serializes all handlers; no I/O happens under the lock beyond
// queueing outbound messages on non-blocking connection send queues.
type Coordinator struct {
	mu sync.Mutex

	engine   engine.Engine
	log      *logging.Logger
	registry *Registry
	store    *Store

	sessionTimeout time.Duration
	tokenSecret    []byte

	// now and newID are swapped out by tests for determinism.
	now   func() time.Time
	newID func() string
}

// New creates a coordinator. The access-token signing secret is generated
// fresh per process; tokens do not survive a restart, matching the in-memory
// session model.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = logging.DefaultLogger()
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.FatalError(err)
	}
	return &Coordinator{
		engine:         cfg.Engine,
		log:            log,
		registry:       NewRegistry(),
		store:          NewStore(),
		sessionTimeout: cfg.SessionTimeout,
		tokenSecret:    secret,
		now:            time.Now,
		newID:          uuid.NewString,
	}
}

// HandleConnect registers a newly accepted connection.
func (c *Coordinator) HandleConnect(conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.Add(conn)
	metrics.IncrementActiveConnections()
	c.log.Debug("connection registered", "conn", conn.ID(), "total", c.registry.Len())
}

// HandleDisconnect drops a connection. Session membership is left intact so
// the slot can be reclaimed on reconnect; pending fan-out to the vanished
// connection is skipped at send time.
func (c *Coordinator) HandleDisconnect(connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registry.Remove(connID)
	metrics.DecrementActiveConnections()
	c.log.Debug("connection removed", "conn", connID, "total", c.registry.Len())
}

// HandleRaw parses a raw frame and dispatches it. Malformed frames are
// reported back to the sender and never reach a handler.
func (c *Coordinator) HandleRaw(conn Conn, data []byte) {
	msg, err := wire.ParseClientMessage(data)
	if err != nil {
		c.log.Warn("dropping malformed frame", "conn", conn.ID(), "error", err.Error())
		metrics.RecordError("protocol")
		conn.Send(wire.NewError(err.Error()))
		return
	}
	c.HandleMessage(conn, msg)
}

// HandleMessage processes one parsed client message atomically. Handler
// errors are recovered here: surfaced to the offending connection as an
// Error message and counted by taxonomy class, never propagated.
func (c *Coordinator) HandleMessage(conn Conn, msg *wire.ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	metrics.RecordMessage(string(msg.Type))

	var err error
	switch msg.Type {
	case wire.TypeRequestChallenge:
		err = c.handleRequestChallenge(conn)
	case wire.TypeLogin:
		err = c.handleLogin(conn, msg.Payload.(*wire.LoginPayload))
	case wire.TypeLogout:
		err = c.handleLogout(conn)
	case wire.TypeAnnounceDKGSession:
		err = c.handleAnnounceDKG(conn, msg.Payload.(*wire.AnnounceDKGSessionPayload))
	case wire.TypeJoinDKGSession:
		err = c.handleJoinDKG(conn, msg.Payload.(*wire.JoinDKGSessionPayload))
	case wire.TypeListPendingDKGSessions:
		err = c.handleListPendingDKG(conn)
	case wire.TypeListCompletedDKGSessions:
		err = c.handleListCompletedDKG(conn)
	case wire.TypeRound1Submit:
		err = c.handleRound1Submit(conn, msg.Payload.(*wire.Round1SubmitPayload))
	case wire.TypeRound2Submit:
		err = c.handleRound2Submit(conn, msg.Payload.(*wire.Round2SubmitPayload))
	case wire.TypeFinalizeSubmit:
		err = c.handleFinalizeSubmit(conn, msg.Payload.(*wire.FinalizeSubmitPayload))
	case wire.TypeAnnounceSignSession:
		err = c.handleAnnounceSign(conn, msg.Payload.(*wire.AnnounceSignSessionPayload))
	case wire.TypeJoinSignSession:
		err = c.handleJoinSign(conn, msg.Payload.(*wire.JoinSignSessionPayload))
	case wire.TypeListPendingSigningSessions:
		err = c.handleListPendingSign(conn)
	case wire.TypeListCompletedSigningSessions:
		err = c.handleListCompletedSign(conn)
	case wire.TypeSignRound1Submit:
		err = c.handleSignRound1Submit(conn, msg.Payload.(*wire.SignRound1SubmitPayload))
	case wire.TypeSignRound2Submit:
		err = c.handleSignRound2Submit(conn, msg.Payload.(*wire.SignRound2SubmitPayload))
	default:
		err = fmt.Errorf("%w: unhandled message type %q", ErrProtocol, msg.Type)
	}

	if err != nil {
		class := errorClass(err)
		c.log.Warn("handler error", "conn", conn.ID(), "type", string(msg.Type), "class", class, "error", err.Error())
		metrics.RecordError(class)
		conn.Send(wire.NewError(err.Error()))
	}
}

// handleRequestChallenge issues a fresh single-use login challenge,
// replacing any outstanding one.
func (c *Coordinator) handleRequestChallenge(conn Conn) error {
	challenge := c.newID()
	c.registry.setChallenge(conn.ID(), challenge)
	conn.Send(wire.ServerMessage{
		Type:    wire.TypeChallenge,
		Payload: wire.ChallengePayload{Challenge: challenge},
	})
	return nil
}

// handleLogin verifies the signature over the issued challenge and binds the
// identity key to the connection. A failed verification leaves the
// outstanding challenge untouched so the client may retry.
func (c *Coordinator) handleLogin(conn Conn, payload *wire.LoginPayload) error {
	entry := c.registry.get(conn.ID())
	if entry == nil || entry.challenge == "" || entry.challenge != payload.Challenge {
		return fmt.Errorf("%w: no matching challenge", ErrAuth)
	}

	ok, err := c.engine.VerifySignature(payload.PublicKey, challengePayloadHex(payload.Challenge), payload.SignatureHex)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if !ok {
		return fmt.Errorf("%w: challenge signature rejected", ErrAuth)
	}

	c.registry.bindKey(conn.ID(), payload.PublicKey)

	token, err := c.issueToken(payload.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}

	c.log.Info("login", "conn", conn.ID(), "key_type", string(payload.PublicKey.Type))
	conn.Send(wire.ServerMessage{
		Type: wire.TypeLoginOk,
		Payload: wire.LoginOkPayload{
			Principal:   payload.PublicKey.Key,
			SUID:        0,
			AccessToken: token,
		},
	})
	return nil
}

// handleLogout clears the connection's authentication state. Always succeeds.
func (c *Coordinator) handleLogout(conn Conn) error {
	c.registry.clearAuth(conn.ID())
	conn.Send(wire.NewInfo("logged out"))
	return nil
}

// requireAuth returns the caller's verified identity key or an authorization
// error.
func (c *Coordinator) requireAuth(connID string) (wire.RosterPublicKey, error) {
	key, ok := c.registry.authenticatedKey(connID)
	if !ok {
		return wire.RosterPublicKey{}, fmt.Errorf("%w: login required", ErrAuthorization)
	}
	return key, nil
}

// issueToken mints a signed access token for the authenticated principal.
func (c *Coordinator) issueToken(key wire.RosterPublicKey) (string, error) {
	now := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   key.Key,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.tokenSecret)
}

// challengePayloadHex canonicalizes a UUID challenge into the 16-byte hex
// payload clients sign: the UUID's hex digits with the dashes stripped.
func challengePayloadHex(challenge string) string {
	return strings.ToLower(strings.ReplaceAll(challenge, "-", ""))
}

// touch stamps session activity for the timeout sweeper.
func (c *Coordinator) touchDKG(s *DKGSession) {
	s.UpdatedAt = c.now()
}

func (c *Coordinator) touchSign(s *SignSession) {
	s.UpdatedAt = c.now()
}
