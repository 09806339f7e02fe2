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

package wire

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"
)

// Bag is the strongly typed header collection attached to a Message.
// Every component reads only the field it owns; fields left nil simply
// don't encode.
type Bag struct {
	PointToPoint *PointToPoint `msg:"p2p,omitempty"`
	Routing      *Routing      `msg:"routing,omitempty"`
	Token        *Token        `msg:"token,omitempty"`
	Neighborhood *Neighborhood `msg:"neighborhood,omitempty"`
	Broadcast    *Broadcast    `msg:"broadcast,omitempty"`
	Multicast    *Multicast    `msg:"multicast,omitempty"`
	GlobalTime   *GlobalTime   `msg:"global_time,omitempty"`
	JoinThrottle *JoinThrottle `msg:"join_throttle,omitempty"`
	EdgeProbe    *EdgeProbe    `msg:"edge_probe,omitempty"`
	RingAdjust   *RingAdjust   `msg:"ring_adjust,omitempty"`

	// extra holds headers this build doesn't know about, preserved
	// verbatim so an intermediate hop built from an older or newer
	// binary still forwards them untouched.
	extra map[string][]byte
}

// Message is an opaque application payload plus its header bag. Wire
// encoding is msgpack via tinylib/msgp: the body is carried as a raw
// byte slice so core components never need to understand application
// payload formats, only headers.
type Message struct {
	Action string
	Body   []byte
	Bag    Bag
}

// Clone returns a deep-enough copy of m suitable for re-addressing at
// the next routing hop: the body slice is shared (read-only to every
// hop) but the bag is copied so one hop's header mutations never leak
// into another's view of the same logical message.
func (m *Message) Clone() *Message {
	clone := &Message{Action: m.Action, Body: m.Body, Bag: m.Bag}
	if m.Bag.extra != nil {
		clone.Bag.extra = make(map[string][]byte, len(m.Bag.extra))
		for k, v := range m.Bag.extra {
			clone.Bag.extra[k] = v
		}
	}
	return clone
}

// MarshalMsg appends the msgpack encoding of m to b.
func (m *Message) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "action")
	o = msgp.AppendString(o, m.Action)
	o = msgp.AppendString(o, "body")
	o = msgp.AppendBytes(o, m.Body)
	o = msgp.AppendString(o, "bag")
	var err error
	if o, err = m.Bag.MarshalMsg(o); err != nil {
		return o, fmt.Errorf("wire: encoding message bag: %w", err)
	}
	return o, nil
}

// UnmarshalMsg decodes a Message previously produced by MarshalMsg from
// the front of bts, returning the unconsumed remainder.
func (m *Message) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, fmt.Errorf("wire: reading message header: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var field string
		field, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, fmt.Errorf("wire: reading message field name: %w", err)
		}
		switch field {
		case "action":
			m.Action, bts, err = msgp.ReadStringBytes(bts)
		case "body":
			m.Body, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "bag":
			bts, err = m.Bag.UnmarshalMsg(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		if err != nil {
			return bts, fmt.Errorf("wire: reading message field %q: %w", field, err)
		}
	}
	return bts, nil
}
