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

// Package broadcast delivers a message once to every node in a
// contiguous range of the ring, partitioning the range at each hop
// around the forwarding node's own neighborhood.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Dispatcher delivers a broadcast payload to the local application
// layer exactly once per broadcast id.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *wire.Message) error
}

// forwardContext is the per-broadcast bookkeeping: the range originally
// assigned to this hop, the sub-ranges still pending an ack, and the
// means of completing the upstream caller once they all do.
type forwardContext struct {
	mu sync.Mutex

	originID string
	assigned ringid.Range
	pending  *ringid.RangeTable
	msg      *wire.Message

	dispatchedLocally bool

	upstreamAck func(err error)
	err         error

	createdAt   time.Time
	lastRetryAt time.Time
}

// Engine is the broadcast engine: one per node.
type Engine struct {
	ring       *ring.Ring
	transport  transport.Transport
	dispatcher Dispatcher
	localRing  string

	mu       sync.Mutex
	contexts map[string]*forwardContext

	keepAlive     time.Duration
	retryInterval time.Duration
	logger        *slog.Logger
}

// New constructs a broadcast engine bound to r and t, dispatching
// locally-owned deliveries to d. retryInterval configures how often
// RetryPending re-routes sub-ranges that have not yet acked; zero
// disables retries.
func New(r *ring.Ring, t transport.Transport, d Dispatcher, localRing string, keepAlive, retryInterval time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ring:          r,
		transport:     t,
		dispatcher:    d,
		localRing:     localRing,
		contexts:      make(map[string]*forwardContext),
		keepAlive:     keepAlive,
		retryInterval: retryInterval,
		logger:        logger,
	}
}

// Broadcast delivers msg to every node in rng, fire-and-forget: the
// call returns once this hop's own forwarding and local dispatch are
// underway, without waiting for downstream acks.
func (e *Engine) Broadcast(ctx context.Context, msg *wire.Message, rng ringid.Range) error {
	id := uuid.NewString()
	return e.forward(ctx, msg, id, rng, nil)
}

// BroadcastWithReply delivers msg to every node in rng and blocks until
// every sub-range has acked at least once, or ctx is done.
func (e *Engine) BroadcastWithReply(ctx context.Context, msg *wire.Message, rng ringid.Range) error {
	id := uuid.NewString()
	done := make(chan error, 1)
	if err := e.forward(ctx, msg, id, rng, func(err error) {
		select {
		case done <- err:
		default:
		}
	}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleInbound processes a broadcast hop arriving from a peer.
func (e *Engine) HandleInbound(ctx context.Context, from transport.Target, msg *wire.Message) error {
	h := msg.Bag.Broadcast
	if h == nil {
		return fmt.Errorf("broadcast: message missing broadcast header")
	}
	begin, err := ringid.FromBytes(h.RangeBegin)
	if err != nil {
		return fmt.Errorf("broadcast: decoding range begin: %w", err)
	}
	end, err := ringid.FromBytes(h.RangeEnd)
	if err != nil {
		return fmt.Errorf("broadcast: decoding range end: %w", err)
	}
	// A replay of a range this node already took on for the same
	// broadcast id is acknowledged without being delivered again.
	e.mu.Lock()
	prev, seen := e.contexts[h.BroadcastID]
	e.mu.Unlock()
	if seen && prev.assigned == (ringid.Range{Begin: begin, End: end}) {
		return nil
	}
	h.Step++
	return e.forward(ctx, msg, h.BroadcastID, ringid.Range{Begin: begin, End: end}, nil)
}

func (e *Engine) forward(ctx context.Context, msg *wire.Message, id string, rng ringid.Range, upstreamAck func(error)) error {
	_, localRange := e.ring.GetHood()

	local := intersectWithSelf(rng, localRange)
	remaining := rng.Subtract([]ringid.Range{localRange})

	fc := &forwardContext{
		originID:    id,
		assigned:    rng,
		pending:     ringid.NewRangeTable(remaining...),
		msg:         msg,
		upstreamAck: upstreamAck,
		createdAt:   time.Now(),
	}
	e.mu.Lock()
	e.contexts[id] = fc
	e.mu.Unlock()

	if !local.IsEmpty() && e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, msg); err != nil {
			e.logger.Warn("broadcast: local dispatch failed", "broadcast_id", id, "error", err)
		}
		fc.mu.Lock()
		fc.dispatchedLocally = true
		fc.mu.Unlock()
	}

	for _, sub := range remaining {
		e.forwardSubRange(ctx, msg, id, sub, fc)
	}

	e.maybeComplete(id, fc)
	return nil
}

// intersectWithSelf returns the portion of rng that falls within
// localRange: rng minus the part of rng lying outside localRange (the
// pieces rng.Subtract(localRange) leaves).
func intersectWithSelf(rng, localRange ringid.Range) ringid.Range {
	if localRange.IsEmpty() {
		return ringid.Empty
	}
	outside := rng.Subtract([]ringid.Range{localRange})
	residual := rng.Subtract(outside)
	if len(residual) == 0 {
		return ringid.Empty
	}
	return residual[0]
}

func (e *Engine) forwardSubRange(ctx context.Context, msg *wire.Message, id string, sub ringid.Range, fc *forwardContext) {
	median := sub.Median()
	target, _, isSelf := e.ring.GetRoutingHop(median, e.localRing, false)
	if isSelf || target == nil {
		// Nobody known to carry this sub-range forward yet; leave it
		// pending so a later neighborhood-change driven retry can try
		// again.
		return
	}

	fwd := msg.Clone()
	fwd.Bag.Broadcast = &wire.Broadcast{
		FromInstance: msg.Bag.Broadcast.FromInstance,
		BroadcastID:  id,
		FromRing:     e.localRing,
		RangeBegin:   sub.Begin.Bytes(),
		RangeEnd:     sub.End.Bytes(),
		Step:         msg.Bag.Broadcast.Step,
	}

	go func() {
		t := transport.Target{Address: target.TransportAddr(), Instance: target.Instance().Counter}
		if err := e.transport.Send(ctx, fwd, t); err != nil {
			e.logger.Warn("broadcast: forwarding sub-range failed", "broadcast_id", id, "target", t.Address, "error", err)
			return
		}
		e.Ack(id, sub)
	}()
}

// Ack marks sub as complete within the named broadcast context,
// completing the upstream caller once every pending sub-range and the
// local dispatch have both finished.
func (e *Engine) Ack(id string, sub ringid.Range) {
	e.mu.Lock()
	fc, ok := e.contexts[id]
	e.mu.Unlock()
	if !ok {
		return
	}
	fc.mu.Lock()
	fc.pending.Remove(sub)
	fc.mu.Unlock()
	e.maybeComplete(id, fc)
}

func (e *Engine) maybeComplete(id string, fc *forwardContext) {
	fc.mu.Lock()
	done := fc.pending.IsEmpty() && (fc.dispatchedLocally || fc.assigned.IsEmpty())
	ack := fc.upstreamAck
	err := fc.err
	fc.mu.Unlock()
	if !done {
		return
	}
	if ack != nil {
		ack(err)
	}
}

// RetryPending re-routes every sub-range still waiting on an ack, for
// every broadcast context whose last retry (or, on the first tick,
// whose creation) was at least retryInterval ago. The broadcast id is
// reused unchanged on replay, so a peer that already acked a range it
// receives again treats it as idempotent rather than double-delivering
// to its own subordinates. Called periodically from the node's
// maintenance loop, alongside Reap. A retryInterval of zero disables
// this entirely.
func (e *Engine) RetryPending() {
	if e.retryInterval <= 0 {
		return
	}
	now := time.Now()

	e.mu.Lock()
	due := make(map[string]*forwardContext, len(e.contexts))
	for id, fc := range e.contexts {
		due[id] = fc
	}
	e.mu.Unlock()

	for id, fc := range due {
		fc.mu.Lock()
		last := fc.lastRetryAt
		if last.IsZero() {
			last = fc.createdAt
		}
		ready := now.Sub(last) >= e.retryInterval
		pending := fc.pending.Ranges()
		msg := fc.msg
		if ready {
			fc.lastRetryAt = now
		}
		fc.mu.Unlock()

		if !ready || len(pending) == 0 || msg == nil {
			continue
		}
		e.logger.Info("broadcast: retrying unacked sub-ranges", "broadcast_id", id, "sub_ranges", len(pending))
		for _, sub := range pending {
			e.forwardSubRange(context.Background(), msg, id, sub, fc)
		}
	}
}

// Reap drops broadcast contexts older than keepAlive, called
// periodically from the node's maintenance loop.
func (e *Engine) Reap() {
	cutoff := time.Now().Add(-e.keepAlive)
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, fc := range e.contexts {
		fc.mu.Lock()
		old := fc.createdAt.Before(cutoff)
		fc.mu.Unlock()
		if old {
			delete(e.contexts, id)
		}
	}
}
