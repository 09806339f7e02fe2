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

// Package multicast delivers a message to an explicit set of target
// node instances by recursively partitioning the target set into
// subtrees, each forwarded through the routing engine to its median
// target.
package multicast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/routing"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Target names one member of a multicast's target set.
type Target struct {
	ID       ringid.ID
	Instance int64
}

// Result is the partition of a multicast's target set on completion.
// Acked and Failed between them account for every target that was
// still part of some subtree when that subtree closed, since a failed
// root is retried against a re-elected root before being given up on.
// Failed also holds targets already known to be Shutdown when the
// multicast began; those are not sent to. Unknown is never filled by
// this engine: if the caller's context ends before every subtree
// closes, Multicast returns an empty Result and ctx.Err().
type Result struct {
	Acked   []Target
	Failed  []Target
	Unknown []Target
}

// Dispatcher delivers a multicast payload to the local application
// layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *wire.Message) error
}

// forwardContext is the per-multicast bookkeeping at a single
// forwarding hop: the serialized payload and the upstream parents to
// notify once every subtree resolves (there may be more than one
// parent if the same multicast id arrived from multiple directions).
type forwardContext struct {
	mu sync.Mutex

	payload *wire.Message

	pending  int
	upstream []func(Result)
	result   Result
	done     bool
}

// Engine is the multicast engine: one per node.
type Engine struct {
	ring       *ring.Ring
	transport  transport.Transport
	routingEng *routing.Engine
	dispatcher Dispatcher
	localRing  string

	propagationFactor int
	hopTimeout        time.Duration

	mu       sync.Mutex
	contexts map[string]*forwardContext

	logger *slog.Logger
}

// New constructs a multicast engine. propagationFactor bounds how many
// subtrees a node splits its subordinates into at each level.
func New(r *ring.Ring, t transport.Transport, re *routing.Engine, d Dispatcher, localRing string, propagationFactor int, hopTimeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if propagationFactor < 1 {
		propagationFactor = 1
	}
	return &Engine{
		ring:              r,
		transport:         t,
		routingEng:        re,
		dispatcher:        d,
		localRing:         localRing,
		propagationFactor: propagationFactor,
		hopTimeout:        hopTimeout,
		contexts:          make(map[string]*forwardContext),
		logger:            logger,
	}
}

// Multicast delivers payload to targets, blocking until every target
// is partitioned into acked or failed, or ctx is done.
func (e *Engine) Multicast(ctx context.Context, payload *wire.Message, targets []Target, includeSelf bool) (Result, error) {
	id := uuid.NewString()
	normalized, down, selfDispatch := e.normalize(targets, includeSelf)

	done := make(chan Result, 1)
	e.beginRoot(ctx, id, payload, normalized, func(r Result) {
		r.Failed = append(r.Failed, down...)
		select {
		case done <- r:
		default:
		}
	})

	if selfDispatch && e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, payload); err != nil {
			e.logger.Warn("multicast: local dispatch failed", "multicast_id", id, "error", err)
		}
	}

	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (e *Engine) normalize(targets []Target, includeSelf bool) ([]Target, []Target, bool) {
	seen := make(map[ringid.ID]bool)
	var out, down []Target
	selfDispatch := false
	for _, t := range targets {
		if seen[t.ID] {
			continue
		}
		seen[t.ID] = true
		if p, ok := e.ring.Lookup(t.ID); ok && p.IsShutdown() {
			down = append(down, t)
			continue
		}
		out = append(out, t)
	}
	if includeSelf {
		selfDispatch = true
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out, down, selfDispatch
}

func (e *Engine) beginRoot(ctx context.Context, id string, payload *wire.Message, targets []Target, onDone func(Result)) {
	fc := &forwardContext{payload: payload}
	e.mu.Lock()
	e.contexts[id] = fc
	e.mu.Unlock()

	fc.mu.Lock()
	fc.upstream = append(fc.upstream, onDone)
	fc.mu.Unlock()

	e.sendSubtrees(ctx, id, payload, targets)
}

// HandleInbound processes a multicast hop arriving from a peer, adding
// any not-yet-seen targets to the existing context if the same
// multicast id has already arrived from another parent.
func (e *Engine) HandleInbound(ctx context.Context, from transport.Target, msg *wire.Message) error {
	h := msg.Bag.Multicast
	if h == nil {
		return fmt.Errorf("multicast: message missing multicast header")
	}
	var targets []Target
	for _, raw := range h.Targets {
		id, err := ringid.FromBytes(raw)
		if err != nil {
			continue
		}
		targets = append(targets, Target{ID: id})
	}

	e.mu.Lock()
	fc, exists := e.contexts[h.MulticastID]
	e.mu.Unlock()
	if !exists {
		fc = &forwardContext{payload: msg}
		e.mu.Lock()
		e.contexts[h.MulticastID] = fc
		e.mu.Unlock()
	}

	if e.dispatcher != nil {
		if err := e.dispatcher.Dispatch(ctx, msg); err != nil {
			e.logger.Warn("multicast: local dispatch failed", "multicast_id", h.MulticastID, "error", err)
		}
	}

	e.sendSubtrees(ctx, h.MulticastID, msg, targets)
	return nil
}

func (e *Engine) sendSubtrees(ctx context.Context, id string, payload *wire.Message, targets []Target) {
	if len(targets) == 0 {
		e.resolve(id)
		return
	}

	groups := partition(targets, e.propagationFactor)

	e.mu.Lock()
	fc := e.contexts[id]
	e.mu.Unlock()
	if fc != nil {
		fc.mu.Lock()
		fc.pending += len(groups)
		fc.mu.Unlock()
	}

	for _, group := range groups {
		e.sendSubtree(ctx, id, payload, group)
	}
}

func partition(targets []Target, factor int) [][]Target {
	if len(targets) <= factor {
		out := make([][]Target, len(targets))
		for i, t := range targets {
			out[i] = []Target{t}
		}
		return out
	}
	groups := make([][]Target, factor)
	per := (len(targets) + factor - 1) / factor
	for i := 0; i < factor; i++ {
		start := i * per
		if start >= len(targets) {
			break
		}
		end := start + per
		if end > len(targets) {
			end = len(targets)
		}
		groups[i] = targets[start:end]
	}
	var nonEmpty [][]Target
	for _, g := range groups {
		if len(g) > 0 {
			nonEmpty = append(nonEmpty, g)
		}
	}
	return nonEmpty
}

func (e *Engine) sendSubtree(ctx context.Context, id string, payload *wire.Message, group []Target) {
	go e.forwardSubtree(ctx, id, payload, group, nil)
}

// forwardSubtree forwards group to its median root. If the root fails to
// ack, per spec.md §4.6 point 5 it is marked failed rather than folded
// into the whole group's outcome, and a new root is elected from the
// middle of the remaining subordinates and re-forwarded; the subtree
// closes once a root finally acks (acking everything still in the
// group at that point) or the subordinates are exhausted. failedSoFar
// accumulates roots that failed earlier in this same subtree's
// re-election chain so one terminal call can report all of them.
func (e *Engine) forwardSubtree(ctx context.Context, id string, payload *wire.Message, group []Target, failedSoFar []Target) {
	root := group[len(group)/2]
	subordinates := make([]Target, 0, len(group)-1)
	for _, t := range group {
		if !t.ID.Equal(root.ID) {
			subordinates = append(subordinates, t)
		}
	}

	fwd := payload.Clone()
	mh := &wire.Multicast{MulticastID: id}
	for _, s := range subordinates {
		mh.Targets = append(mh.Targets, s.ID.Bytes())
	}
	fwd.Bag.Multicast = mh

	reply, err := e.routingEng.RouteRequest(ctx, fwd, root.ID, root.Instance, false, 0, e.hopTimeout)
	_ = reply
	if err == nil {
		e.finishSubtree(id, group, failedSoFar)
		return
	}

	e.logger.Warn("multicast: subtree root failed to ack, electing new root", "multicast_id", id, "root", root.ID, "remaining_subordinates", len(subordinates))
	failedSoFar = append(failedSoFar, root)
	if len(subordinates) == 0 {
		e.finishSubtree(id, nil, failedSoFar)
		return
	}
	e.forwardSubtree(ctx, id, payload, subordinates, failedSoFar)
}

// finishSubtree records the terminal outcome of one top-level subtree
// (everything still in acked resolved through its final, successfully
// acked root; everything in failed exhausted its chain of elected
// roots without one ever acking) and resolves the multicast once every
// subtree has reported in.
func (e *Engine) finishSubtree(id string, acked, failed []Target) {
	e.mu.Lock()
	fc, exists := e.contexts[id]
	e.mu.Unlock()
	if !exists {
		return
	}
	fc.mu.Lock()
	fc.result.Acked = append(fc.result.Acked, acked...)
	fc.result.Failed = append(fc.result.Failed, failed...)
	fc.pending--
	remaining := fc.pending
	fc.mu.Unlock()
	if remaining <= 0 {
		e.resolve(id)
	}
}

func (e *Engine) resolve(id string) {
	e.mu.Lock()
	fc, exists := e.contexts[id]
	e.mu.Unlock()
	if !exists {
		return
	}
	fc.mu.Lock()
	if fc.done || fc.pending > 0 {
		fc.mu.Unlock()
		return
	}
	result := fc.result
	upstream := fc.upstream
	fc.done = true
	fc.mu.Unlock()

	for _, fn := range upstream {
		fn(result)
	}
}
