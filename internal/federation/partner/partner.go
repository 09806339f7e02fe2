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

// Package partner holds the locally-cached view of a remote ring member:
// its identity, phase, owned token, and the liveness and global-time
// bookkeeping the ring and token manager consult on every header.
package partner

import (
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/instance"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/token"
)

// Phase is a partner's observed lifecycle stage.
type Phase int

const (
	PhaseBooting Phase = iota
	PhaseJoining
	PhaseInserting
	PhaseRouting
	PhaseShutdown
)

func (p Phase) String() string {
	switch p {
	case PhaseBooting:
		return "Booting"
	case PhaseJoining:
		return "Joining"
	case PhaseInserting:
		return "Inserting"
	case PhaseRouting:
		return "Routing"
	case PhaseShutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// Node is the per-remote-node record the ring keeps. All mutation goes
// through its methods, which take the embedded lock; the ring's own
// lock protects map membership, not field access within an entry.
type Node struct {
	mu sync.RWMutex

	id       ringid.ID
	instance instance.Instance
	ringName string

	transportAddr   string
	leaseAgentAddr  string
	leaseAgentInst  int64

	phase Phase
	token *token.Token

	unknownStart       time.Time
	nextLivenessUpdate time.Time

	globalTimeUpperLimit time.Time
	globalTimeSetAt      time.Time
	clockDriftRatio      float64

	lastAccess    time.Time
	lastConsider  time.Time
}

// New creates a partner record in PhaseBooting for id.
func New(id ringid.ID, ringName, transportAddr string, clockDriftRatio float64) *Node {
	now := time.Now()
	return &Node{
		id:              id,
		ringName:        ringName,
		transportAddr:   transportAddr,
		phase:           PhaseBooting,
		clockDriftRatio: clockDriftRatio,
		lastAccess:      now,
		lastConsider:    now,
	}
}

func (n *Node) ID() ringid.ID { return n.id }

func (n *Node) RingName() string { return n.ringName }

func (n *Node) Instance() instance.Instance {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.instance
}

func (n *Node) Phase() Phase {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.phase
}

func (n *Node) TransportAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.transportAddr
}

func (n *Node) Token() *token.Token {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.token
}

func (n *Node) SetToken(t *token.Token) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.token = t
}

// ConsiderInstance applies inst if it is not stale relative to the
// cached instance, returning false (and leaving the partner untouched)
// when inst.Counter is less than the currently known counter for the
// same id.
func (n *Node) ConsiderInstance(inst instance.Instance) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.instance.Counter != 0 && inst.Counter < n.instance.Counter {
		return false
	}
	if inst.Counter > n.instance.Counter {
		// A strictly newer incarnation resets phase and token linkage;
		// the old copy's state cannot be trusted to describe the new one.
		n.phase = PhaseBooting
		n.token = nil
	}
	n.instance = inst
	return true
}

// SetPhase advances the cached phase. Transition into PhaseShutdown is
// terminal: it is the caller's responsibility to never call SetPhase
// again afterward, and SetPhase silently no-ops if it is attempted.
func (n *Node) SetPhase(p Phase) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.phase == PhaseShutdown {
		return
	}
	n.phase = p
	if p == PhaseShutdown {
		n.transportAddr = ""
	}
}

func (n *Node) IsShutdown() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.phase == PhaseShutdown
}

// SetUnknown records that the partner has not answered since now and
// should be treated as unreachable until it is reconfirmed.
func (n *Node) SetUnknown(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unknownStart = now
}

func (n *Node) IsUnknown() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.unknownStart.IsZero()
}

func (n *Node) ClearUnknown() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.unknownStart = time.Time{}
}

func (n *Node) NextLivenessUpdate() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nextLivenessUpdate
}

func (n *Node) SetNextLivenessUpdate(t time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextLivenessUpdate = t
}

// RefreshGlobalTime records a fresh upper limit observed directly from
// the peer (e.g. via a ping exchange), resetting clock-drift growth.
func (n *Node) RefreshGlobalTime(limit time.Time, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.globalTimeUpperLimit = limit
	n.globalTimeSetAt = now
}

// GlobalTimeUpperLimit returns the current upper bound, grown linearly
// by the configured drift ratio for every real second elapsed since it
// was last refreshed from the peer.
func (n *Node) GlobalTimeUpperLimit(now time.Time) time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.globalTimeSetAt.IsZero() {
		return n.globalTimeUpperLimit
	}
	elapsed := now.Sub(n.globalTimeSetAt)
	if elapsed <= 0 {
		return n.globalTimeUpperLimit
	}
	drift := time.Duration(float64(elapsed) * n.clockDriftRatio)
	return n.globalTimeUpperLimit.Add(drift)
}

// Touch records an access for idle-compaction bookkeeping.
func (n *Node) Touch(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastAccess = now
}

func (n *Node) TouchConsider(now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastConsider = now
	n.lastAccess = now
}

// IdleSince reports how long this partner has gone untouched.
func (n *Node) IdleSince(now time.Time) time.Duration {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return now.Sub(n.lastAccess)
}
