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

package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/arbitration"
)

// Side names one of the two implicit relations a node tracks:
// predecessor and successor are the only neighbors close enough on the
// ring that their lease health gates this node's own routing
// correctness.
type Side int

const (
	SidePredecessor Side = iota
	SideSuccessor
)

func (s Side) String() string {
	if s == SidePredecessor {
		return "Predecessor"
	}
	return "Successor"
}

// DemoteHandler is invoked when arbitration concludes a neighbor should
// be demoted to Shutdown.
type DemoteHandler func(remoteID string)

// NeighborhoodLostHandler is invoked if no replacement neighbor on a
// side emerges within ReplacementGracePeriod after a demotion.
type NeighborhoodLostHandler func(side Side)

// ImplicitContext tracks the predecessor and successor lease relations
// and escalates to the arbitrator when either nears expiry without a
// recent ping.
type ImplicitContext struct {
	mu sync.Mutex

	arbitrator     arbitration.Arbitrator
	window         time.Duration
	gracePeriod    time.Duration
	logger         *slog.Logger

	relations map[Side]Relation
	lastPing  map[Side]time.Time

	onDemote           DemoteHandler
	onNeighborhoodLost NeighborhoodLostHandler

	replacedSince map[Side]time.Time
}

// NewImplicitContext constructs a context arbitrating through
// arbitrator, escalating when a relation is within window of
// expiration, and declaring neighborhood-lost if no replacement arrives
// within gracePeriod of a demotion.
func NewImplicitContext(arbitrator arbitration.Arbitrator, window, gracePeriod time.Duration, logger *slog.Logger) *ImplicitContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImplicitContext{
		arbitrator:    arbitrator,
		window:        window,
		gracePeriod:   gracePeriod,
		logger:        logger,
		relations:     make(map[Side]Relation),
		lastPing:      make(map[Side]time.Time),
		replacedSince: make(map[Side]time.Time),
	}
}

// OnDemote registers the callback fired when arbitration concludes a
// neighbor must be demoted.
func (c *ImplicitContext) OnDemote(fn DemoteHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDemote = fn
}

// OnNeighborhoodLost registers the callback fired when a side has no
// replacement within the grace period after a demotion.
func (c *ImplicitContext) OnNeighborhoodLost(fn NeighborhoodLostHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onNeighborhoodLost = fn
}

// Update records the current relation snapshot for side.
func (c *ImplicitContext) Update(side Side, rel Relation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.relations[side] = rel
	delete(c.replacedSince, side)
}

// RecordPing notes that side's neighbor pinged recently, deferring
// arbitration escalation.
func (c *ImplicitContext) RecordPing(side Side, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPing[side] = now
}

// Clear drops the tracked relation for side, e.g. when the neighbor on
// that side changes identity.
func (c *ImplicitContext) Clear(side Side) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.relations, side)
	delete(c.lastPing, side)
}

// Tick evaluates both sides and issues arbitration requests for any
// relation that is near expiry without a recent ping. Call periodically
// from the node's liveness loop.
func (c *ImplicitContext) Tick(ctx context.Context, now time.Time, pingGrace time.Duration) {
	for _, side := range []Side{SidePredecessor, SideSuccessor} {
		c.tickSide(ctx, side, now, pingGrace)
	}
}

func (c *ImplicitContext) tickSide(ctx context.Context, side Side, now time.Time, pingGrace time.Duration) {
	c.mu.Lock()
	rel, ok := c.relations[side]
	lastPing := c.lastPing[side]
	c.mu.Unlock()
	if !ok {
		return
	}
	if !rel.NearExpiry(now, c.window) {
		return
	}
	if !lastPing.IsZero() && now.Sub(lastPing) < pingGrace {
		return
	}

	req := arbitration.Request{
		LocalID:       "local",
		RemoteID:      rel.RemoteID,
		LocalTTL:      rel.MonitorExpire.Sub(now),
		RemoteTTL:     rel.SubjectExpire.Sub(now),
		HistoryWindow: c.window,
	}
	reply, err := c.arbitrator.Arbitrate(ctx, req)
	if err != nil {
		c.logger.Warn("lease: arbitration request failed", "side", side, "remote", rel.RemoteID, "error", err)
		return
	}

	c.mu.Lock()
	c.relations[side] = Relation{
		RemoteID:      rel.RemoteID,
		Start:         rel.Start,
		MonitorExpire: now.Add(reply.MonitorTTL),
		SubjectExpire: now.Add(reply.SubjectTTL),
	}
	c.mu.Unlock()

	if reply.Decision == arbitration.Rejected {
		c.demote(side, rel.RemoteID, now)
	}
}

func (c *ImplicitContext) demote(side Side, remoteID string, now time.Time) {
	c.mu.Lock()
	onDemote := c.onDemote
	c.replacedSince[side] = now
	delete(c.relations, side)
	c.mu.Unlock()

	if onDemote != nil {
		onDemote(remoteID)
	}

	if c.gracePeriod <= 0 {
		return
	}
	go func() {
		time.Sleep(c.gracePeriod)
		c.mu.Lock()
		since, stillDemoted := c.replacedSince[side]
		_, hasReplacement := c.relations[side]
		onLost := c.onNeighborhoodLost
		c.mu.Unlock()
		if stillDemoted && !hasReplacement && !since.IsZero() && onLost != nil {
			onLost(side)
		}
	}()
}
