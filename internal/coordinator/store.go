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
	"sort"

	"github.com/jeremyhahn/go-fserver/pkg/wire"
)

// Store owns every session object for the lifetime of the process: the
// active DKG and signing collections plus archives of terminal sessions.
// Sessions live only in memory; there is no persistence across restarts.
//
// Like the Registry, the Store is not safe for concurrent use on its own;
// the coordinator's handler mutex serializes all access.
type Store struct {
	dkg           map[string]*DKGSession
	sign          map[string]*SignSession
	completedDKG  map[string]*DKGSession
	completedSign map[string]*SignSession
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{
		dkg:           make(map[string]*DKGSession),
		sign:          make(map[string]*SignSession),
		completedDKG:  make(map[string]*DKGSession),
		completedSign: make(map[string]*SignSession),
	}
}

// PutDKG adds a new active DKG session.
func (s *Store) PutDKG(session *DKGSession) {
	s.dkg[session.ID] = session
}

// DKG looks up an active DKG session.
func (s *Store) DKG(id string) (*DKGSession, bool) {
	session, ok := s.dkg[id]
	return session, ok
}

// ActiveDKG returns the non-terminal DKG sessions ordered by creation time.
func (s *Store) ActiveDKG() []*DKGSession {
	out := make([]*DKGSession, 0, len(s.dkg))
	for _, session := range s.dkg {
		if !session.State.terminal() {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ArchiveDKG moves a DKG session from the active collection to the archive.
// Safe to call for an already archived or unknown id.
func (s *Store) ArchiveDKG(id string) {
	if session, ok := s.dkg[id]; ok {
		delete(s.dkg, id)
		s.completedDKG[id] = session
	}
}

// CompletedDKGFor returns archived DKG sessions whose configured roster
// contains the given identity key, ordered by creation time.
func (s *Store) CompletedDKGFor(key wire.RosterPublicKey) []*DKGSession {
	out := make([]*DKGSession, 0)
	for _, session := range s.completedDKG {
		if rosterContains(session.ParticipantsPubs, key) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// PutSign adds a new active signing session.
func (s *Store) PutSign(session *SignSession) {
	s.sign[session.ID] = session
}

// Sign looks up an active signing session.
func (s *Store) Sign(id string) (*SignSession, bool) {
	session, ok := s.sign[id]
	return session, ok
}

// ActiveSign returns the non-terminal signing sessions ordered by creation
// time.
func (s *Store) ActiveSign() []*SignSession {
	out := make([]*SignSession, 0, len(s.sign))
	for _, session := range s.sign {
		if !session.State.terminal() {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ArchiveSign moves a signing session from the active collection to the
// archive. Safe to call for an already archived or unknown id.
func (s *Store) ArchiveSign(id string) {
	if session, ok := s.sign[id]; ok {
		delete(s.sign, id)
		s.completedSign[id] = session
	}
}

// CompletedSignFor returns archived signing sessions whose configured roster
// contains the given identity key, ordered by creation time.
func (s *Store) CompletedSignFor(key wire.RosterPublicKey) []*SignSession {
	out := make([]*SignSession, 0)
	for _, session := range s.completedSign {
		if rosterContains(session.ParticipantsPubs, key) {
			out = append(out, session)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
