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

// Package wire defines the header bag attached to every message that
// crosses the transport boundary, and its msgp-based encoding. Each
// core component reads only the headers it owns; headers it doesn't
// recognize round-trip untouched because the bag is keyed by name
// rather than by a fixed struct layout.
package wire

import "time"

//go:generate msgp

// PointToPoint is attached to any direct, non-routed message.
type PointToPoint struct {
	FromInstance string    `msg:"from_instance"`
	Actor        string    `msg:"actor"`
	Action       string    `msg:"action"`
	IsRequest    bool      `msg:"is_request"`
	Expiration   time.Time `msg:"expiration"`
}

// Routing is attached to any message traveling through the routing
// engine.
type Routing struct {
	FromInstance    string        `msg:"from_instance"`
	FromRing        string        `msg:"from_ring"`
	ToInstance      string        `msg:"to_instance"`
	ToRing          string        `msg:"to_ring"`
	MessageID       string        `msg:"message_id"`
	Expiration      time.Time     `msg:"expiration"`
	RetryTimeout    time.Duration `msg:"retry_timeout"`
	UseExactRouting bool          `msg:"use_exact_routing"`
	ExpectsReply    bool          `msg:"expects_reply"`
}

// Token is attached to token handshake and probe/echo messages.
type Token struct {
	RangeBegin     []byte `msg:"range_begin"`
	RangeEnd       []byte `msg:"range_end"`
	SourceVersion  uint64 `msg:"source_version"`
	TargetVersion  uint64 `msg:"target_version"`
	Origin         []byte `msg:"origin,omitempty"` // set for echo replies only
}

// PartnerHeader is one entry in a Neighborhood header's versioned peer
// list.
type PartnerHeader struct {
	ID            []byte `msg:"id"`
	Instance      int64  `msg:"instance"`
	RingName      string `msg:"ring_name"`
	TransportAddr string `msg:"transport_addr"`
	Phase         int    `msg:"phase"`
	TokenBegin    []byte `msg:"token_begin"`
	TokenEnd      []byte `msg:"token_end"`
}

// Neighborhood is attached to join-query replies and periodic
// neighborhood exchanges.
type Neighborhood struct {
	RangeBegin  []byte          `msg:"range_begin"`
	RangeEnd    []byte          `msg:"range_end"`
	Partners    []PartnerHeader `msg:"partners"`
	ShutdownIDs [][]byte        `msg:"shutdown_ids,omitempty"`
}

// Broadcast is attached to every broadcast hop.
type Broadcast struct {
	FromInstance string `msg:"from_instance"`
	BroadcastID  string `msg:"broadcast_id"`
	ExpectsReply bool   `msg:"expects_reply"`
	ExpectsAck   bool   `msg:"expects_ack"`
	FromRing     string `msg:"from_ring"`
	RangeBegin   []byte `msg:"range_begin"`
	RangeEnd     []byte `msg:"range_end"`
	Step         int    `msg:"step"`
}

// Multicast is attached to every multicast hop.
type Multicast struct {
	FromInstance string   `msg:"from_instance"`
	MulticastID  string   `msg:"multicast_id"`
	Targets      [][]byte `msg:"targets"`
}

// GlobalTime carries the lease-tick clock exchange piggybacked on pings.
type GlobalTime struct {
	Epoch             uint64    `msg:"epoch"`
	SendTime          time.Time `msg:"send_time"`
	SenderLowerLimit  time.Time `msg:"sender_lower_limit"`
	ReceiverUpperLimit time.Time `msg:"receiver_upper_limit"`
}

// JoinThrottle is attached to a query reply when the join-lock manager
// has decided to throttle the joiner.
type JoinThrottle struct {
	Sequence     uint64    `msg:"sequence"`
	QueryNeeded  bool      `msg:"query_needed"`
	ExpireTime   time.Time `msg:"expire_time"`
}

// EdgeProbe is attached to a federation.edgeprobe request, sent when
// the local edge's expected partner hasn't answered a liveness ping
// within an adaptive interval. Direction is 0 for predecessor, 1 for
// successor, mirroring token.Direction without wire depending on the
// token package.
type EdgeProbe struct {
	Direction  int    `msg:"direction"`
	ExpectedID []byte `msg:"expected_id"`
	SentAt     time.Time `msg:"sent_at"`
}

// RingAdjust is attached to a federation.ringadjust message, sent in
// reply to an edge probe whose responder disagrees with the prober's
// idea of who sits across that edge: it carries the responder's own
// view of the edge so the prober can correct a stale neighbor entry
// without waiting for the next full neighborhood exchange.
type RingAdjust struct {
	Direction      int    `msg:"direction"`
	ActualID       []byte `msg:"actual_id"`
	ActualAddr     string `msg:"actual_addr"`
	ActualInstance int64  `msg:"actual_instance"`
}
