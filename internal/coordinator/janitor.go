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
	"context"
	"time"

	"github.com/jeremyhahn/go-fserver/pkg/metrics"
	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// timeoutReason is the abort reason reported to participants of swept
// sessions.
const timeoutReason = "session timed out"

// RunJanitor periodically sweeps idle sessions until the context is
// cancelled. A zero session timeout disables sweeping entirely; sessions
// then live until they complete or the process exits.
func (c *Coordinator) RunJanitor(ctx context.Context) {
	if c.sessionTimeout <= 0 {
		return
	}

	interval := c.sessionTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.SweepExpired(now)
		}
	}
}

// SweepExpired moves every non-terminal session idle past the timeout to
// Failed, notifies its joined participants, and archives it. A stalled
// session never blocks its participants from new ceremonies forever.
func (c *Coordinator) SweepExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionTimeout <= 0 {
		return
	}
	deadline := now.Add(-c.sessionTimeout)

	for _, session := range c.store.ActiveDKG() {
		if session.UpdatedAt.After(deadline) {
			continue
		}
		session.State = StateFailed
		metrics.SessionEnded(metrics.KindDKG, "failed")
		c.log.Warn("dkg session timed out", "session", session.ID, "state_age", now.Sub(session.UpdatedAt).String())

		c.broadcastDKG(session, wire.ServerMessage{
			Type:    wire.TypeSessionAborted,
			Payload: wire.SessionAbortedPayload{Session: session.ID, Reason: timeoutReason},
		})
		c.store.ArchiveDKG(session.ID)
	}

	for _, session := range c.store.ActiveSign() {
		if session.UpdatedAt.After(deadline) {
			continue
		}
		session.State = StateFailed
		metrics.SessionEnded(metrics.KindSign, "failed")
		c.log.Warn("signing session timed out", "session", session.ID, "state_age", now.Sub(session.UpdatedAt).String())

		c.broadcastSign(session, wire.ServerMessage{
			Type:    wire.TypeSessionAborted,
			Payload: wire.SessionAbortedPayload{Session: session.ID, Reason: timeoutReason},
		})
		c.store.ArchiveSign(session.ID)
	}
}
