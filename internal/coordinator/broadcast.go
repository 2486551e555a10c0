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

// sendTo delivers a message to a connection if it is still registered.
// Vanished connections are skipped silently; a participant that reconnects
// catches up through the session list operations.
func (c *Coordinator) sendTo(connID string, msg wire.ServerMessage) {
	entry := c.registry.get(connID)
	if entry == nil {
		c.log.Debug("skipping send to vanished connection", "conn", connID, "type", string(msg.Type))
		return
	}
	entry.conn.Send(msg)
}

// broadcastDKG delivers a message to every joined participant of a DKG
// session, in ascending suid order.
func (c *Coordinator) broadcastDKG(session *DKGSession, msg wire.ServerMessage) {
	for _, p := range session.sortedJoined() {
		c.sendTo(p.ConnID, msg)
	}
}

// broadcastSign delivers a message to every joined participant of a signing
// session, in ascending suid order.
func (c *Coordinator) broadcastSign(session *SignSession, msg wire.ServerMessage) {
	for _, p := range session.sortedJoined() {
		c.sendTo(p.ConnID, msg)
	}
}
