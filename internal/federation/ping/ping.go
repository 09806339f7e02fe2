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

// Package ping drives periodic liveness exchange with immediate
// neighbors, the global-time clock exchange piggybacked on it, and
// edge probes whose ring-adjust replies correct this node's edges.
package ping

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/instance"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/token"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// GlobalStore tracks the last lease-ticket epoch recorded per peer. The
// Engine holds one, but Tick and HandleInbound do not consult it, so
// pings carry no ticket deltas.
type GlobalStore struct {
	mu      sync.Mutex
	tickets map[ringid.ID]uint64 // last ticket epoch sent per peer
}

// NewGlobalStore returns an empty store.
func NewGlobalStore() *GlobalStore {
	return &GlobalStore{tickets: make(map[ringid.ID]uint64)}
}

// Delta returns the ticket value to send to peer and records it as the
// new baseline.
func (s *GlobalStore) Delta(peer ringid.ID, current uint64) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := s.tickets[peer]
	s.tickets[peer] = current
	if current < last {
		return current
	}
	return current - last
}

// Observe records the ticket value received from peer.
func (s *GlobalStore) Observe(peer ringid.ID, value uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[peer] = value
}

// Engine drives liveness pings and edge probes for one node.
type Engine struct {
	selfID    ringid.ID
	ring      *ring.Ring
	tokenMgr  *token.Manager
	transport transport.Transport
	store     *GlobalStore

	pingInterval       time.Duration
	livenessInterval   time.Duration
	edgeProbeInterval  time.Duration

	logger *slog.Logger

	mu            sync.Mutex
	lastEdgeReply map[token.Direction]time.Time

	ringName     string
	selfInstance instance.Instance
}

// SetSelfInstance records the instance this node joined with, so pings
// can carry the local node's own PartnerHeader (phase, token range)
// alongside the neighbors it already knows about. Call once the join
// state machine reaches Routing.
func (e *Engine) SetSelfInstance(inst instance.Instance) {
	e.mu.Lock()
	e.selfInstance = inst
	e.mu.Unlock()
}

// New constructs a ping engine.
func New(selfID ringid.ID, ringName string, r *ring.Ring, tm *token.Manager, t transport.Transport, pingInterval, livenessInterval, edgeProbeInterval time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		selfID:            selfID,
		ringName:          ringName,
		ring:              r,
		tokenMgr:          tm,
		transport:         t,
		store:             NewGlobalStore(),
		pingInterval:      pingInterval,
		livenessInterval:  livenessInterval,
		edgeProbeInterval: edgeProbeInterval,
		logger:            logger,
		lastEdgeReply:     make(map[token.Direction]time.Time),
	}
}

// Tick sends a ping to every current ping target. Call from a
// scheduled job at pingInterval.
func (e *Engine) Tick(ctx context.Context) {
	now := time.Now()
	for _, p := range e.ring.GetPingTargets() {
		if p.IsShutdown() {
			continue
		}
		msg := &wire.Message{
			Action: "federation.ping",
			Bag: wire.Bag{
				GlobalTime: &wire.GlobalTime{
					SendTime:           now,
					SenderLowerLimit:   now,
					ReceiverUpperLimit: p.GlobalTimeUpperLimit(now),
				},
			},
		}
		e.ring.AddNeighborHeaders(msg, false)
		e.attachSelfHeader(msg)
		target := transport.Target{Address: p.TransportAddr(), Instance: p.Instance().Counter}
		go func(id ringid.ID, target transport.Target) {
			reply, err := e.transport.SendRequest(ctx, msg, target, e.pingInterval)
			if err != nil {
				e.logger.Debug("ping: peer did not answer", "peer", id.String(), "error", err)
				e.ring.SetUnknown(id)
				return
			}
			e.handlePingReply(id, reply)
		}(p.ID(), target)
	}
}

func (e *Engine) handlePingReply(peer ringid.ID, reply *wire.Message) {
	if reply == nil {
		return
	}
	if reply.Bag.GlobalTime != nil {
		if p, ok := e.ring.Lookup(peer); ok {
			p.RefreshGlobalTime(reply.Bag.GlobalTime.ReceiverUpperLimit, time.Now())
			p.ClearUnknown()
		}
	}
	if reply.Bag.Neighborhood != nil {
		e.ring.ProcessNeighborHeaders(reply, peer, e.ringName, true)
	}
}

// HandleInbound answers an inbound ping with a symmetric reply carrying
// this node's own global-time contribution and, piggybacked on the same
// round trip, the neighborhood-header exchange that lets a freshly
// joined peer's phase and token range propagate without a dedicated
// message type.
func (e *Engine) HandleInbound(ctx context.Context, from transport.Target, msg *wire.Message) (*wire.Message, error) {
	now := time.Now()
	reply := &wire.Message{
		Action: "federation.ping.reply",
		Bag: wire.Bag{
			GlobalTime: &wire.GlobalTime{
				SendTime:           now,
				SenderLowerLimit:   now,
				ReceiverUpperLimit: now.Add(e.livenessInterval),
			},
		},
	}
	if msg.Bag.Neighborhood != nil {
		e.ring.ProcessNeighborHeaders(msg, ringid.Zero, e.ringName, false)
	}
	e.ring.AddNeighborHeaders(reply, false)
	e.attachSelfHeader(reply)
	return reply, nil
}

// attachSelfHeader appends this node's own PartnerHeader to msg's
// neighborhood, the only way a peer that only ever sees us as a
// neighbor-of-a-neighbor can learn our own phase and token range
// directly: AddNeighborHeaders describes already-known peers, never
// the sender itself.
func (e *Engine) attachSelfHeader(msg *wire.Message) {
	e.mu.Lock()
	inst := e.selfInstance
	e.mu.Unlock()
	self := e.ring.SelfPartnerHeader(e.transport.LocalAddress(), inst)
	if msg.Bag.Neighborhood == nil {
		msg.Bag.Neighborhood = &wire.Neighborhood{}
	}
	msg.Bag.Neighborhood.Partners = append(msg.Bag.Neighborhood.Partners, self)
}

// CheckEdges sends an EdgeProbe along any edge whose expected partner
// hasn't answered within edgeProbeInterval.
func (e *Engine) CheckEdges(ctx context.Context) {
	hood, rng := e.ring.GetHood()
	if len(hood) == 0 {
		return
	}
	now := time.Now()
	for _, dir := range []token.Direction{token.Predecessor, token.Successor} {
		e.mu.Lock()
		last, seen := e.lastEdgeReply[dir]
		e.mu.Unlock()
		if seen && now.Sub(last) < e.edgeProbeInterval {
			continue
		}
		expected := rng.Begin
		if dir == token.Successor {
			expected = rng.End
		}
		e.sendEdgeProbe(ctx, dir, expected)
	}
}

func (e *Engine) sendEdgeProbe(ctx context.Context, dir token.Direction, expected ringid.ID) {
	p, ok := e.ring.Lookup(expected)
	if !ok {
		return
	}
	target := transport.Target{Address: p.TransportAddr(), Instance: p.Instance().Counter}
	msg := &wire.Message{
		Action: "federation.edgeprobe",
		Bag: wire.Bag{
			EdgeProbe: &wire.EdgeProbe{
				Direction:  int(dir),
				ExpectedID: expected.Bytes(),
				SentAt:     time.Now(),
			},
		},
	}
	reply, err := e.transport.SendRequest(ctx, msg, target, e.edgeProbeInterval)
	if err != nil {
		e.logger.Debug("ping: edge probe unanswered", "direction", dir, "expected", expected.String(), "error", err)
		return
	}
	e.mu.Lock()
	e.lastEdgeReply[dir] = time.Now()
	e.mu.Unlock()

	if reply != nil && reply.Bag.RingAdjust != nil {
		e.applyRingAdjust(reply.Bag.RingAdjust, expected)
	}
}

// applyRingAdjust corrects this node's view of an edge after a probe
// responder reported it disagrees with what we expected to find there:
// the old entry is marked unknown so a stale route isn't trusted, and
// the responder's reported identity is considered as a fresh partner.
func (e *Engine) applyRingAdjust(adj *wire.RingAdjust, expected ringid.ID) {
	actualID, err := ringid.FromBytes(adj.ActualID)
	if err != nil {
		e.logger.Warn("ping: ring-adjust carried an unparseable id", "error", err)
		return
	}
	e.ring.SetUnknown(expected)
	e.logger.Info("ping: ring-adjust received, correcting edge", "direction", adj.Direction, "actual_id", actualID.String())
	e.ring.ConsiderAndNotify(wire.PartnerHeader{
		ID:            adj.ActualID,
		Instance:      adj.ActualInstance,
		RingName:      e.ringName,
		TransportAddr: adj.ActualAddr,
	}, false)
}

// HandleEdgeProbe answers an inbound edge probe, confirming liveness
// and, if the prober's idea of who sits at this edge doesn't match
// this node's own id, attaching a RingAdjust correction so the prober
// doesn't have to wait for the next full neighborhood exchange to
// notice its edge has shifted.
func (e *Engine) HandleEdgeProbe(ctx context.Context, from transport.Target, msg *wire.Message) (*wire.Message, error) {
	reply := &wire.Message{Action: "federation.edgeprobe.reply"}
	probe := msg.Bag.EdgeProbe
	if probe == nil {
		return reply, nil
	}

	expected, err := ringid.FromBytes(probe.ExpectedID)
	if err != nil || expected.Equal(e.selfID) {
		return reply, nil
	}

	e.mu.Lock()
	inst := e.selfInstance
	e.mu.Unlock()
	reply.Bag.RingAdjust = &wire.RingAdjust{
		Direction:      probe.Direction,
		ActualID:       e.selfID.Bytes(),
		ActualAddr:     e.transport.LocalAddress(),
		ActualInstance: inst.Counter,
	}
	return reply, nil
}
