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

import "github.com/jeremyhahn/go-fserver/pkg/wire"

// Conn is the transport handle for one live connection. Send must never
// block the caller; slow or vanished clients are the transport's problem.
type Conn interface {
	// ID returns the connection identifier assigned at accept time.
	ID() string

	// Send queues a message for delivery to the client.
	Send(msg wire.ServerMessage)
}

// connection is one registry entry: the transport handle plus the transient
// authentication state tied to it.
type connection struct {
	conn      Conn
	challenge string                // single-use login challenge, cleared on use
	publicKey *wire.RosterPublicKey // verified identity key, nil until login
}

// Registry tracks every live connection's transient authentication state,
// keyed by connection identifier. It is not safe for concurrent use; the
// coordinator's handler mutex serializes all access.
type Registry struct {
	conns map[string]*connection
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*connection)}
}

// Add registers a newly accepted connection.
func (r *Registry) Add(conn Conn) {
	r.conns[conn.ID()] = &connection{conn: conn}
}

// Remove drops a connection. Removal is fire-and-forget: it never unwinds
// joined-participant state in any session.
func (r *Registry) Remove(connID string) {
	delete(r.conns, connID)
}

// Has reports whether a connection is still registered.
func (r *Registry) Has(connID string) bool {
	_, ok := r.conns[connID]
	return ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return len(r.conns)
}

func (r *Registry) get(connID string) *connection {
	return r.conns[connID]
}

// setChallenge stores a freshly issued login challenge on the connection,
// replacing any previous one.
func (r *Registry) setChallenge(connID, challenge string) {
	if entry := r.get(connID); entry != nil {
		entry.challenge = challenge
	}
}

// bindKey marks the connection as logged in with the verified key and
// consumes the challenge.
func (r *Registry) bindKey(connID string, key wire.RosterPublicKey) {
	if entry := r.get(connID); entry != nil {
		entry.publicKey = &key
		entry.challenge = ""
	}
}

// clearAuth clears the connection's authentication state. Idempotent.
func (r *Registry) clearAuth(connID string) {
	if entry := r.get(connID); entry != nil {
		entry.publicKey = nil
		entry.challenge = ""
	}
}

// authenticatedKey returns the connection's verified identity key, or false
// if the connection is unknown or not logged in.
func (r *Registry) authenticatedKey(connID string) (wire.RosterPublicKey, bool) {
	entry := r.get(connID)
	if entry == nil || entry.publicKey == nil {
		return wire.RosterPublicKey{}, false
	}
	return *entry.publicKey, true
}
