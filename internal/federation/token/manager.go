// SPDX-License-Identifier: AGPL-3.0-or-later
// Federation - peer-to-peer ring overlay substrate
// Copyright (C) 2026 Federation Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package token

import (
	"sync"

	"github.com/overlaymesh/federation/internal/federation/ringid"
)

// Direction names one of the two edges a node's token borders.
type Direction int

const (
	Predecessor Direction = iota
	Successor
)

// echoPromise is the shortest distance over which this node has
// promised a peer that it will not unilaterally recover, along a given
// edge.
type echoPromise struct {
	distance ringid.ID
	origin   ringid.ID
}

// Manager owns the local token plus the bookkeeping — echo lists,
// pending transfers — needed to split, merge, and unilaterally recover
// range ownership without ever creating a second owner for the same
// id.
type Manager struct {
	mu sync.Mutex

	self  ringid.ID
	token *Token

	echoes map[Direction]echoPromise

	pendingTransfer map[ringid.ID]*Token // keyed by the neighbor id the transfer targets
}

// NewManager constructs a Manager initially owning the full ring; a
// freshly seeded node narrows this as soon as it learns of peers.
func NewManager(self ringid.ID) *Manager {
	return &Manager{
		self:            self,
		token:           New(ringid.Full),
		echoes:          make(map[Direction]echoPromise),
		pendingTransfer: make(map[ringid.ID]*Token),
	}
}

// Current returns a copy of the locally owned token.
func (m *Manager) Current() Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.token
}

// Owns reports whether the local token currently covers id.
func (m *Manager) Owns(id ringid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token.Range.Contains(id)
}

// TrySplitToken proposes the sub-range of the local token that
// rightfully belongs to neighbor: the portion of the local range on
// neighbor's side of the midpoint between self and neighbor. ok is
// false when neighbor is not entitled to any part of the current
// range.
func (m *Manager) TrySplitToken(neighbor ringid.ID) (out *Token, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.self.Equal(neighbor) {
		return nil, false
	}

	var candidate ringid.Range
	if neighbor.Precedes(m.self) {
		// neighbor sits before us: it is entitled to the leading portion
		// of our range up to (not including) the point it is closer to
		// than we are, i.e. the range's own Begin through the midpoint.
		mid := ringid.Range{Begin: neighbor, End: m.self}.Median()
		if !m.token.Range.Contains(mid) || mid.Equal(m.token.Range.Begin) {
			return nil, false
		}
		candidate = ringid.Range{Begin: m.token.Range.Begin, End: mid.Sub(ringid.FromUint64(1))}
	} else {
		mid := ringid.Range{Begin: m.self, End: neighbor}.Median()
		if !m.token.Range.Contains(mid) || mid.Equal(m.token.Range.Begin) {
			return nil, false
		}
		candidate = ringid.Range{Begin: mid, End: m.token.Range.End}
	}

	t, ok := m.token.Split(candidate)
	return t, ok
}

// AdoptTransferred replaces the local token outright with one handed
// over by the neighbor that granted a join lock. Unlike TransferAccept,
// this is not a merge: a newly joined node's placeholder token (Full,
// per NewManager) has no legitimate prior ownership to reconcile
// against, so the transferred range simply becomes the local token.
func (m *Manager) AdoptTransferred(incoming *Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = incoming
}

// TransferAccept applies an incoming transferred token from a peer,
// merging it into the local token. It fails (and leaves the local
// token untouched) if the transfer's source version is not ahead of
// what was previously observed from that source range, per
// IsMergeSafe.
func (m *Manager) TransferAccept(incoming *Token, caller ringid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !incoming.IsMergeSafe(m.token.Version) {
		return false
	}
	return m.token.Accept(incoming, caller)
}

// RecordEcho updates the echo promise for dir: the shortest distance
// over which this node has now promised a peer it will not
// unilaterally recover, keyed by whichever probe produced the
// shortest (i.e. most conservative) distance observed so far.
func (m *Manager) RecordEcho(dir Direction, distance, origin ringid.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.echoes[dir]
	if !ok || ringid.MinDist(m.self, distance).Less(ringid.MinDist(m.self, existing.distance)) {
		m.echoes[dir] = echoPromise{distance: distance, origin: origin}
	}
}

// CanRecover reports whether a unilateral recovery of candidateRange
// along dir, claiming up to reachID, is permitted: no unexpired echo
// promise on that edge may be closer to self than reachID (Closer
// test), per the recovery rule's echo-list guard.
func (m *Manager) CanRecover(dir Direction, reachID ringid.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	promise, ok := m.echoes[dir]
	if !ok {
		return true
	}
	return !ringid.Closer(m.self, promise.distance, reachID)
}

// Recover unilaterally extends the local token to cover r, bumping the
// recovery version so any stale transfer referencing the old epoch is
// rejected by peers still catching up. If r is neither adjacent to nor
// overlapping the local range, the range is left as it is; the
// recovery version is bumped either way.
func (m *Manager) Recover(r ringid.Range) {
	m.mu.Lock()
	defer m.mu.Unlock()
	merged := ringid.Merge([]ringid.Range{m.token.Range, r})
	if len(merged) == 1 {
		m.token.Range = merged[0]
	}
	m.token.IncrementRecoveryVersion()
}
