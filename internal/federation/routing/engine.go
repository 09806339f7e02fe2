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

// Package routing delivers a message to the node currently owning the
// destination identifier, hop by hop, retrying retryable failures up
// to the caller's overall deadline.
package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/overlaymesh/federation/internal/federation/ferr"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Dispatcher delivers a message that has reached its owning node to the
// local application layer.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg *wire.Message) (*wire.Message, error)
}

// Engine is the routing engine: one per node.
type Engine struct {
	ring       *ring.Ring
	transport  transport.Transport
	dispatcher Dispatcher
	localRing  string

	idem    *idempotencySet
	holding *holdingList

	maxRetries   int
	retryTimeout time.Duration
	msgTimeout   time.Duration

	logger *slog.Logger
}

// New constructs a routing engine bound to r and t, dispatching local
// terminal deliveries to d.
func New(r *ring.Ring, t transport.Transport, d Dispatcher, localRing string, maxRetries int, retryTimeout, msgTimeout time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		ring:         r,
		transport:    t,
		dispatcher:   d,
		localRing:    localRing,
		idem:         newIdempotencySet(),
		holding:      newHoldingList(),
		maxRetries:   maxRetries,
		retryTimeout: retryTimeout,
		msgTimeout:   msgTimeout,
		logger:       logger,
	}
	r.OnChange(e.holding.ReevaluateAll)
	return e
}

// Route delivers msg to the node owning destID, firing and forgetting:
// completion signals only that the next hop acknowledged receipt.
func (e *Engine) Route(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout, overallTimeout time.Duration) error {
	_, err := e.route(ctx, msg, destID, destInstance, exactMatch, retryTimeout, overallTimeout, false)
	return err
}

// RouteRequest delivers msg to the node owning destID and waits for an
// end-to-end reply traveling back along the chosen path.
func (e *Engine) RouteRequest(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout, overallTimeout time.Duration) (*wire.Message, error) {
	return e.route(ctx, msg, destID, destInstance, exactMatch, retryTimeout, overallTimeout, true)
}

func (e *Engine) route(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout, overallTimeout time.Duration, wantReply bool) (*wire.Message, error) {
	if retryTimeout <= 0 {
		retryTimeout = e.retryTimeout
	}
	if overallTimeout <= 0 {
		overallTimeout = e.msgTimeout
	}

	routingID := uuid.NewString()
	if !e.idem.TryBegin(routingID) {
		return nil, ferr.ErrAlreadyExists
	}
	defer e.idem.End(routingID)

	deadline := time.Now().Add(overallTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	msg.Bag.Routing = &wire.Routing{
		ToInstance:      formatDestination(destID, destInstance),
		UseExactRouting: exactMatch,
		ExpectsReply:    wantReply,
		MessageID:       routingID,
		Expiration:      deadline,
		RetryTimeout:    retryTimeout,
	}

	return e.hop(ctx, msg, destID, destInstance, exactMatch, retryTimeout, deadline, wantReply, 0, true)
}

// HandleInbound continues routing an inbound message that reached this
// node as an intermediate hop: if this node now owns
// the destination it dispatches locally, otherwise it forwards the
// message on exactly as a fresh hop would, picking up from the
// deadline and retry timeout already established by the originator.
func (e *Engine) HandleInbound(ctx context.Context, _ transport.Target, msg *wire.Message) (*wire.Message, error) {
	rt := msg.Bag.Routing
	if rt == nil {
		return nil, fmt.Errorf("routing: inbound route message missing routing header")
	}
	destID, destInstance, err := ParseDestination(rt.ToInstance)
	if err != nil {
		return nil, fmt.Errorf("routing: %w", err)
	}

	deadline := rt.Expiration
	if deadline.IsZero() {
		deadline = time.Now().Add(e.msgTimeout)
	}
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	retryTimeout := rt.RetryTimeout
	if retryTimeout <= 0 {
		retryTimeout = e.retryTimeout
	}

	return e.hop(ctx, msg, destID, destInstance, rt.UseExactRouting, retryTimeout, deadline, rt.ExpectsReply, 0, false)
}

// formatDestination encodes a routing destination into Routing.ToInstance.
func formatDestination(destID ringid.ID, destInstance int64) string {
	return fmt.Sprintf("%x#%d", destID.Bytes(), destInstance)
}

// ParseDestination decodes a Routing.ToInstance value produced by Route
// or RouteRequest, for callers (e.g. the local dispatcher) that need to
// recover the requested destination instance for exact-match checks.
func ParseDestination(s string) (ringid.ID, int64, error) {
	hexPart, instPart, ok := strings.Cut(s, "#")
	if !ok {
		return ringid.ID{}, 0, fmt.Errorf("malformed destination %q", s)
	}
	id, err := ringid.ParseID(hexPart)
	if err != nil {
		return ringid.ID{}, 0, err
	}
	inst, err := strconv.ParseInt(instPart, 10, 64)
	if err != nil {
		return ringid.ID{}, 0, fmt.Errorf("malformed instance in %q: %w", s, err)
	}
	return id, inst, nil
}

func (e *Engine) hop(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout time.Duration, deadline time.Time, wantReply bool, retryCount int, idempotent bool) (*wire.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ferr.ErrTimeout
	default:
	}

	safeMode := retryCount >= 3
	closest, ownsToken, isSelf := e.ring.GetRoutingHop(destID, e.localRing, safeMode)

	if isSelf {
		return e.dispatchLocal(ctx, msg, destID, destInstance, exactMatch, wantReply)
	}

	if closest == nil {
		if ownsToken {
			// we own the token for destID but are not routing yet, and
			// no routing partner is known: park until a token- or
			// neighborhood-change event.
			return e.wait(ctx, msg, destID, destInstance, exactMatch, retryTimeout, deadline, wantReply, retryCount, idempotent)
		}
		if e.ring.Count() == 0 {
			return nil, ferr.ErrOperationFailed
		}
		return e.wait(ctx, msg, destID, destInstance, exactMatch, retryTimeout, deadline, wantReply, retryCount, idempotent)
	}

	remaining := time.Until(deadline)
	if remaining <= 0 {
		return nil, ferr.ErrTimeout
	}
	hopTimeout := retryTimeout
	if remaining < hopTimeout {
		hopTimeout = remaining
	}

	hopMsg := msg.Clone()
	hopMsg.Bag.Routing.MessageID = uuid.NewString()

	target := transport.Target{Address: closest.TransportAddr(), Instance: closest.Instance().Counter}

	var (
		reply *wire.Message
		err   error
	)
	if wantReply {
		reply, err = e.transport.SendRequest(ctx, hopMsg, target, hopTimeout)
	} else {
		err = e.transport.Send(ctx, hopMsg, target)
	}

	if err == nil {
		return reply, nil
	}

	mapped := e.classify(err)
	retryable := ferr.Retryable(mapped) || (idempotent && ferr.RetryableIfIdempotent(mapped))
	if !retryable {
		return nil, mapped
	}

	if errors.Is(mapped, ferr.ErrP2PNodeDoesNotMatch) || errors.Is(mapped, ferr.ErrNodeIsNotRouting) {
		e.ring.SetUnknown(closest.ID())
	}

	return e.hop(ctx, msg, destID, destInstance, exactMatch, retryTimeout, deadline, wantReply, retryCount+1, idempotent)
}

// classify maps a transport-level error onto the routing error
// taxonomy. A transport that already returns a ferr sentinel passes
// through unchanged; anything else is treated as a retryable timeout,
// since the transport layer owns connection-level retries and having
// exhausted them is itself evidence the hop may simply be slow.
func (e *Engine) classify(err error) error {
	switch {
	case errors.Is(err, ferr.ErrNodeIsNotRouting),
		errors.Is(err, ferr.ErrP2PNodeDoesNotMatch),
		errors.Is(err, ferr.ErrRoutingNodeDoesNotMatch),
		errors.Is(err, ferr.ErrOperationFailed),
		errors.Is(err, ferr.ErrTimeout),
		errors.Is(err, ferr.ErrIncompatibleVersion),
		errors.Is(err, ferr.ErrOperationCanceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return ferr.ErrTimeout
	default:
		return ferr.ErrTimeout
	}
}

// dispatchLocal delivers msg to the local application dispatcher. Exact
// -match instance verification against the local node's own instance
// happens in the dispatcher, since the ring only caches remote
// partners' instances, not this node's own.
func (e *Engine) dispatchLocal(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, wantReply bool) (*wire.Message, error) {
	if e.dispatcher == nil {
		return nil, ferr.ErrOperationFailed
	}
	reply, err := e.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !wantReply {
		return nil, nil
	}
	return reply, nil
}

func (e *Engine) wait(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout time.Duration, deadline time.Time, wantReply bool, retryCount int, idempotent bool) (*wire.Message, error) {
	id := msg.Bag.Routing.MessageID + fmt.Sprintf("-hold-%d", retryCount)
	result := make(chan struct {
		reply *wire.Message
		err   error
	}, 1)

	resume := func() {
		e.holding.Release(id)
		r, err := e.hop(ctx, msg, destID, destInstance, exactMatch, retryTimeout, deadline, wantReply, retryCount+1, idempotent)
		select {
		case result <- struct {
			reply *wire.Message
			err   error
		}{r, err}:
		default:
		}
	}
	e.holding.Hold(id, resume)

	select {
	case res := <-result:
		return res.reply, res.err
	case <-ctx.Done():
		e.holding.Release(id)
		return nil, ferr.ErrTimeout
	}
}

// HoldingCount reports how many route operations are currently parked,
// for diagnostics.
func (e *Engine) HoldingCount() int { return e.holding.Len() }
