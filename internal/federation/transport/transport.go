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

// Package transport is the message-transport contract the federation
// core consumes: asynchronous, message-oriented, with a resolved
// per-target handle. Connection management, retries below the message
// level, and reconnection on a restarted peer are the transport's
// problem, not the core's.
package transport

import (
	"context"
	"time"

	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Target pins a remote address to the instance the core last observed
// there, so a restarted peer listening on the same address is never
// confused with its prior incarnation.
type Target struct {
	Address  string
	Instance int64
}

// FaultHandler is invoked by the transport when it determines a target
// is unreachable, outside of any specific Send/SendRequest call (e.g.
// a connection drop detected by a keepalive).
type FaultHandler func(target Target)

// Transport is the contract the routing, ring, join, and ping
// components send messages through.
type Transport interface {
	// Send delivers msg to target without waiting for a reply.
	Send(ctx context.Context, msg *wire.Message, target Target) error
	// SendRequest delivers msg to target and waits up to timeout for a
	// reply.
	SendRequest(ctx context.Context, msg *wire.Message, target Target, timeout time.Duration) (*wire.Message, error)
	// OnFault registers the callback invoked when the transport detects
	// a target has become unreachable outside of a specific call.
	OnFault(fn FaultHandler)
	// LocalAddress is the address other nodes should use to reach this
	// transport.
	LocalAddress() string
	// Close releases transport resources.
	Close() error
}

// Handler processes an inbound message and, for a request, returns the
// reply to send back.
type Handler func(ctx context.Context, from Target, msg *wire.Message) (*wire.Message, error)
