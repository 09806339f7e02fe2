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

package join

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/overlaymesh/federation/internal/federation/ferr"
	"github.com/overlaymesh/federation/internal/federation/instance"
	"github.com/overlaymesh/federation/internal/federation/lease"
	"github.com/overlaymesh/federation/internal/federation/partner"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/routing"
	"github.com/overlaymesh/federation/internal/federation/token"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Phase is a step in the join state machine. Phases advance monotone
// forward except on restart, which drops back to Querying.
type Phase int

const (
	PhaseBooting Phase = iota
	PhaseQuerying
	PhaseLocking
	PhaseEstablishingLease
	PhaseUnlocking
	PhaseRouting
)

func (p Phase) String() string {
	switch p {
	case PhaseBooting:
		return "Booting"
	case PhaseQuerying:
		return "QueryingNeighborhood"
	case PhaseLocking:
		return "Locking"
	case PhaseEstablishingLease:
		return "EstablishingLease"
	case PhaseUnlocking:
		return "UnLocking"
	case PhaseRouting:
		return "Routing"
	default:
		return "Unknown"
	}
}

// Seed is a well-known bootstrap peer address.
type Seed struct {
	Address string
}

// Config bounds the join state machine's timing.
type Config struct {
	LockDuration           time.Duration
	LockRequestTimeout     time.Duration
	QueryRetryInterval     time.Duration
	NonSeedNodeJoinWait    time.Duration
	OpenTimeout            time.Duration
	ThrottleLow            int
	ThrottleHigh           int
	ThrottleTimeout        time.Duration
}

// Manager drives one join attempt for the local node's lifetime: on
// success it transitions the node to Routing, on failure it either
// restarts with a new instance id and re-enters Querying or surfaces
// the failure to the opener.
type Manager struct {
	selfID    ringid.ID
	ringName  string
	transport transport.Transport
	ring      *ring.Ring
	router    *routing.Engine
	tokenMgr  *token.Manager
	leaseAgent lease.Agent
	counter   instance.Counter
	cfg       Config
	seeds     []Seed
	logger    *slog.Logger

	locks    *LockManager
	throttle *ThrottleManager

	phase        Phase
	selfInstance instance.Instance

	onRouting func(inst instance.Instance)
}

// New constructs a join manager for the given seeds.
func New(selfID ringid.ID, ringName string, t transport.Transport, r *ring.Ring, router *routing.Engine, tokenMgr *token.Manager, agent lease.Agent, counter instance.Counter, cfg Config, seeds []Seed, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		selfID:     selfID,
		ringName:   ringName,
		transport:  t,
		ring:       r,
		router:     router,
		tokenMgr:   tokenMgr,
		leaseAgent: agent,
		counter:    counter,
		cfg:        cfg,
		seeds:      seeds,
		logger:     logger,
		locks:      NewLockManager(cfg.LockDuration),
		throttle:   NewThrottleManager(cfg.ThrottleLow, cfg.ThrottleHigh),
		phase:      PhaseBooting,
	}
}

// OnRouting registers the callback fired once the join completes and
// the local node transitions to Routing.
func (m *Manager) OnRouting(fn func(inst instance.Instance)) {
	m.onRouting = fn
}

// Phase reports the current join phase.
func (m *Manager) Phase() Phase { return m.phase }

// Open drives the join state machine to completion, restarting the
// instance id and retrying from Querying on any recoverable failure,
// up to cfg.OpenTimeout overall.
func (m *Manager) Open(ctx context.Context) error {
	deadline := time.Now().Add(m.cfg.OpenTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	for {
		inst, err := instance.Open(ctx, m.selfID, m.counter)
		if err != nil {
			return fmt.Errorf("join: opening instance: %w", err)
		}
		m.selfInstance = inst

		err = m.attempt(ctx, inst)
		if err == nil {
			m.phase = PhaseRouting
			if m.onRouting != nil {
				m.onRouting(inst)
			}
			return nil
		}

		if ferr.Retryable(err) {
			select {
			case <-ctx.Done():
				return ferr.ErrTimeout
			default:
				m.logger.Warn("join: attempt failed, restarting", "error", err)
				continue
			}
		}
		return err
	}
}

func (m *Manager) attempt(ctx context.Context, self instance.Instance) error {
	m.phase = PhaseQuerying
	if err := m.queryNeighborhood(ctx); err != nil {
		return err
	}

	extended := m.ring.GetExtendedHood()

	m.phase = PhaseLocking
	if err := m.acquireLocks(ctx, extended); err != nil {
		return err
	}

	m.phase = PhaseEstablishingLease
	if err := m.establishLeases(ctx, extended); err != nil {
		m.releaseLocks(extended)
		return err
	}

	m.phase = PhaseUnlocking
	if err := m.unlock(ctx, extended); err != nil {
		return err
	}

	return nil
}

func (m *Manager) queryNeighborhood(ctx context.Context) error {
	if len(m.seeds) == 0 {
		// A seed node opens with an empty ring and trivially satisfies
		// neighborhood readiness.
		return nil
	}
	msg := &wire.Message{Action: "federation.join.query"}
	target := transport.Target{Address: m.seeds[0].Address}

	reply, err := m.transport.SendRequest(ctx, msg, target, m.cfg.LockRequestTimeout)
	if err != nil {
		return fmt.Errorf("join: querying seed %s: %w", m.seeds[0].Address, err)
	}
	if reply.Bag.JoinThrottle != nil {
		if !m.throttle.Admit(reply.Bag.JoinThrottle.ExpireTime) {
			return ferr.ErrTimeout
		}
		defer m.throttle.Release()
	}
	m.ring.ProcessNeighborHeaders(reply, ringid.Zero, m.ringName, true)
	return nil
}

func (m *Manager) acquireLocks(ctx context.Context, extended []*partner.Node) error {
	for _, p := range extended {
		if p == nil {
			continue
		}
		msg := &wire.Message{Action: "federation.join.lock"}
		msg.Bag.PointToPoint = &wire.PointToPoint{
			Actor:        m.selfID.String(),
			FromInstance: strconv.FormatInt(m.selfInstance.Counter, 10),
			Action:       "federation.join.lock",
			IsRequest:    true,
		}
		target := transport.Target{Address: p.TransportAddr()}
		reply, err := m.transport.SendRequest(ctx, msg, target, m.cfg.LockRequestTimeout)
		if err != nil {
			return fmt.Errorf("join: acquiring lock from %s: %w", p.ID(), err)
		}
		m.locks.Acquire(p.ID(), m.selfID, time.Now())
		m.adoptTransferredToken(reply)
	}
	return nil
}

// adoptTransferredToken applies the token range the lock grantor split
// off for this node, if it sent one: the grantor is the current owner
// of the arc this node's id falls in, so its lock reply is the only
// place the joiner legitimately learns what it now owns.
func (m *Manager) adoptTransferredToken(reply *wire.Message) {
	if m.tokenMgr == nil || reply == nil || reply.Bag.Token == nil {
		return
	}
	begin, err := ringid.FromBytes(reply.Bag.Token.RangeBegin)
	if err != nil {
		return
	}
	end, err := ringid.FromBytes(reply.Bag.Token.RangeEnd)
	if err != nil {
		return
	}
	m.tokenMgr.AdoptTransferred(&token.Token{
		Range:   ringid.Range{Begin: begin, End: end},
		Version: token.Version(reply.Bag.Token.TargetVersion),
	})
}

func (m *Manager) releaseLocks(extended []*partner.Node) {
	for _, p := range extended {
		if p == nil {
			continue
		}
		m.locks.Release(p.ID(), m.selfID)
	}
}

func (m *Manager) establishLeases(ctx context.Context, extended []*partner.Node) error {
	for _, p := range extended {
		if p == nil {
			continue
		}
		if err := m.leaseAgent.Establish(ctx, p.ID().String(), p.TransportAddr(), 0, m.cfg.LockDuration); err != nil {
			return fmt.Errorf("join: establishing lease with %s: %w", p.ID(), err)
		}
	}
	return nil
}

func (m *Manager) unlock(ctx context.Context, extended []*partner.Node) error {
	m.releaseLocks(extended)
	return nil
}

// HandleInbound answers the two requests a joining node sends to an
// already-routing node: a neighborhood query, and a request to lock
// the local node against concurrent joins while the requester
// establishes leases with it.
func (m *Manager) HandleInbound(_ context.Context, from transport.Target, msg *wire.Message) (*wire.Message, error) {
	switch msg.Action {
	case "federation.join.query":
		return m.handleQuery()
	case "federation.join.lock":
		return m.handleLock(from, msg)
	default:
		return nil, fmt.Errorf("join: unrecognized action %q", msg.Action)
	}
}

func (m *Manager) handleQuery() (*wire.Message, error) {
	if m.phase != PhaseRouting {
		return nil, ferr.ErrNodeIsNotRouting
	}
	if !m.throttle.Admit(time.Now().Add(m.cfg.ThrottleTimeout)) {
		return &wire.Message{
			Action: "federation.join.query.reply",
			Bag: wire.Bag{JoinThrottle: &wire.JoinThrottle{
				QueryNeeded: true,
				ExpireTime:  time.Now().Add(m.cfg.ThrottleTimeout),
			}},
		}, nil
	}
	defer m.throttle.Release()

	reply := &wire.Message{Action: "federation.join.query.reply"}
	m.ring.AddNeighborHeaders(reply, false)
	self := m.ring.SelfPartnerHeader(m.transport.LocalAddress(), m.selfInstance)
	reply.Bag.Neighborhood.Partners = append(reply.Bag.Neighborhood.Partners, self)
	return reply, nil
}

func (m *Manager) handleLock(from transport.Target, msg *wire.Message) (*wire.Message, error) {
	if m.phase != PhaseRouting {
		return nil, ferr.ErrNodeIsNotRouting
	}
	if msg.Bag.PointToPoint == nil {
		return nil, fmt.Errorf("join: lock request missing requester identity")
	}
	holder, err := ringid.ParseID(msg.Bag.PointToPoint.Actor)
	if err != nil {
		return nil, fmt.Errorf("join: lock request: %w", err)
	}
	if !m.locks.Acquire(m.selfID, holder, time.Now()) {
		return nil, ferr.ErrP2PNodeDoesNotMatch
	}

	requesterInstance, _ := strconv.ParseInt(msg.Bag.PointToPoint.FromInstance, 10, 64)
	m.ring.ConsiderAndNotify(wire.PartnerHeader{
		ID:            holder.Bytes(),
		Instance:      requesterInstance,
		RingName:      m.ringName,
		TransportAddr: from.Address,
		Phase:         int(partner.PhaseInserting),
	}, true)

	reply := &wire.Message{Action: "federation.join.lock.reply"}
	if m.tokenMgr != nil {
		if split, ok := m.tokenMgr.TrySplitToken(holder); ok {
			reply.Bag.Token = &wire.Token{
				RangeBegin:    split.Range.Begin.Bytes(),
				RangeEnd:      split.Range.End.Bytes(),
				SourceVersion: uint64(m.tokenMgr.Current().Version),
				TargetVersion: uint64(split.Version),
			}
		}
	}
	return reply, nil
}
