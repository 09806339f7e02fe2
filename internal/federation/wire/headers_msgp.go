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
	"time"

	"github.com/tinylib/msgp/msgp"
)

// This file hand-rolls the encoders `go:generate msgp` would otherwise
// produce for Bag and its members. Kept by hand, in the style of
// message.go, rather than checking in generated code: the header set
// changes rarely and each struct is small enough that a generator adds
// more ceremony than it saves.

// MarshalMsg appends the msgpack encoding of the bag to b. Nil members
// are omitted entirely rather than encoded as msgpack nil, so an old
// binary reading a bag with a header it doesn't recognize only has to
// skip the unknown map entries it does see.
func (bag Bag) MarshalMsg(b []byte) ([]byte, error) {
	present := 0
	for _, v := range []bool{
		bag.PointToPoint != nil, bag.Routing != nil, bag.Token != nil,
		bag.Neighborhood != nil, bag.Broadcast != nil, bag.Multicast != nil,
		bag.GlobalTime != nil, bag.JoinThrottle != nil,
		bag.EdgeProbe != nil, bag.RingAdjust != nil,
	} {
		if v {
			present++
		}
	}
	present += len(bag.extra)

	o := msgp.AppendMapHeader(b, uint32(present))
	var err error
	if bag.PointToPoint != nil {
		o = msgp.AppendString(o, "p2p")
		if o, err = bag.PointToPoint.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding p2p header: %w", err)
		}
	}
	if bag.Routing != nil {
		o = msgp.AppendString(o, "routing")
		if o, err = bag.Routing.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding routing header: %w", err)
		}
	}
	if bag.Token != nil {
		o = msgp.AppendString(o, "token")
		if o, err = bag.Token.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding token header: %w", err)
		}
	}
	if bag.Neighborhood != nil {
		o = msgp.AppendString(o, "neighborhood")
		if o, err = bag.Neighborhood.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding neighborhood header: %w", err)
		}
	}
	if bag.Broadcast != nil {
		o = msgp.AppendString(o, "broadcast")
		if o, err = bag.Broadcast.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding broadcast header: %w", err)
		}
	}
	if bag.Multicast != nil {
		o = msgp.AppendString(o, "multicast")
		if o, err = bag.Multicast.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding multicast header: %w", err)
		}
	}
	if bag.GlobalTime != nil {
		o = msgp.AppendString(o, "global_time")
		if o, err = bag.GlobalTime.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding global_time header: %w", err)
		}
	}
	if bag.JoinThrottle != nil {
		o = msgp.AppendString(o, "join_throttle")
		if o, err = bag.JoinThrottle.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding join_throttle header: %w", err)
		}
	}
	if bag.EdgeProbe != nil {
		o = msgp.AppendString(o, "edge_probe")
		if o, err = bag.EdgeProbe.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding edge_probe header: %w", err)
		}
	}
	if bag.RingAdjust != nil {
		o = msgp.AppendString(o, "ring_adjust")
		if o, err = bag.RingAdjust.MarshalMsg(o); err != nil {
			return o, fmt.Errorf("wire: encoding ring_adjust header: %w", err)
		}
	}
	for k, v := range bag.extra {
		o = msgp.AppendString(o, k)
		o = msgp.AppendBytes(o, v)
	}
	return o, nil
}

// UnmarshalMsg decodes a Bag from the front of bts, returning the
// unconsumed remainder. A header name this build doesn't recognize is
// preserved verbatim in extra so an intermediate hop forwards it
// untouched instead of dropping it.
func (bag *Bag) UnmarshalMsg(bts []byte) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, fmt.Errorf("wire: reading bag header: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var field string
		field, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, fmt.Errorf("wire: reading bag field name: %w", err)
		}
		start := bts
		switch field {
		case "p2p":
			bag.PointToPoint = &PointToPoint{}
			bts, err = bag.PointToPoint.UnmarshalMsg(bts)
		case "routing":
			bag.Routing = &Routing{}
			bts, err = bag.Routing.UnmarshalMsg(bts)
		case "token":
			bag.Token = &Token{}
			bts, err = bag.Token.UnmarshalMsg(bts)
		case "neighborhood":
			bag.Neighborhood = &Neighborhood{}
			bts, err = bag.Neighborhood.UnmarshalMsg(bts)
		case "broadcast":
			bag.Broadcast = &Broadcast{}
			bts, err = bag.Broadcast.UnmarshalMsg(bts)
		case "multicast":
			bag.Multicast = &Multicast{}
			bts, err = bag.Multicast.UnmarshalMsg(bts)
		case "global_time":
			bag.GlobalTime = &GlobalTime{}
			bts, err = bag.GlobalTime.UnmarshalMsg(bts)
		case "join_throttle":
			bag.JoinThrottle = &JoinThrottle{}
			bts, err = bag.JoinThrottle.UnmarshalMsg(bts)
		case "edge_probe":
			bag.EdgeProbe = &EdgeProbe{}
			bts, err = bag.EdgeProbe.UnmarshalMsg(bts)
		case "ring_adjust":
			bag.RingAdjust = &RingAdjust{}
			bts, err = bag.RingAdjust.UnmarshalMsg(bts)
		default:
			var raw []byte
			end := start
			if end, err = msgp.Skip(end); err == nil {
				raw = append([]byte(nil), start[:len(start)-len(end)]...)
				if bag.extra == nil {
					bag.extra = make(map[string][]byte)
				}
				bag.extra[field] = raw
			}
			bts = end
		}
		if err != nil {
			return bts, fmt.Errorf("wire: reading bag field %q: %w", field, err)
		}
	}
	return bts, nil
}

func (h PointToPoint) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "from_instance")
	o = msgp.AppendString(o, h.FromInstance)
	o = msgp.AppendString(o, "actor")
	o = msgp.AppendString(o, h.Actor)
	o = msgp.AppendString(o, "action")
	o = msgp.AppendString(o, h.Action)
	o = msgp.AppendString(o, "is_request")
	o = msgp.AppendBool(o, h.IsRequest)
	o = msgp.AppendString(o, "expiration")
	o = msgp.AppendTime(o, h.Expiration)
	return o, nil
}

func (h *PointToPoint) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "from_instance":
			h.FromInstance, bts, err = msgp.ReadStringBytes(bts)
		case "actor":
			h.Actor, bts, err = msgp.ReadStringBytes(bts)
		case "action":
			h.Action, bts, err = msgp.ReadStringBytes(bts)
		case "is_request":
			h.IsRequest, bts, err = msgp.ReadBoolBytes(bts)
		case "expiration":
			h.Expiration, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h Routing) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 9)
	o = msgp.AppendString(o, "from_instance")
	o = msgp.AppendString(o, h.FromInstance)
	o = msgp.AppendString(o, "from_ring")
	o = msgp.AppendString(o, h.FromRing)
	o = msgp.AppendString(o, "to_instance")
	o = msgp.AppendString(o, h.ToInstance)
	o = msgp.AppendString(o, "to_ring")
	o = msgp.AppendString(o, h.ToRing)
	o = msgp.AppendString(o, "message_id")
	o = msgp.AppendString(o, h.MessageID)
	o = msgp.AppendString(o, "expiration")
	o = msgp.AppendTime(o, h.Expiration)
	o = msgp.AppendString(o, "retry_timeout")
	o = msgp.AppendInt64(o, int64(h.RetryTimeout))
	o = msgp.AppendString(o, "use_exact_routing")
	o = msgp.AppendBool(o, h.UseExactRouting)
	o = msgp.AppendString(o, "expects_reply")
	o = msgp.AppendBool(o, h.ExpectsReply)
	return o, nil
}

func (h *Routing) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		var dur int64
		switch field {
		case "from_instance":
			h.FromInstance, bts, err = msgp.ReadStringBytes(bts)
		case "from_ring":
			h.FromRing, bts, err = msgp.ReadStringBytes(bts)
		case "to_instance":
			h.ToInstance, bts, err = msgp.ReadStringBytes(bts)
		case "to_ring":
			h.ToRing, bts, err = msgp.ReadStringBytes(bts)
		case "message_id":
			h.MessageID, bts, err = msgp.ReadStringBytes(bts)
		case "expiration":
			h.Expiration, bts, err = msgp.ReadTimeBytes(bts)
		case "retry_timeout":
			dur, bts, err = msgp.ReadInt64Bytes(bts)
			h.RetryTimeout = time.Duration(dur)
		case "use_exact_routing":
			h.UseExactRouting, bts, err = msgp.ReadBoolBytes(bts)
		case "expects_reply":
			h.ExpectsReply, bts, err = msgp.ReadBoolBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h Token) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 5)
	o = msgp.AppendString(o, "range_begin")
	o = msgp.AppendBytes(o, h.RangeBegin)
	o = msgp.AppendString(o, "range_end")
	o = msgp.AppendBytes(o, h.RangeEnd)
	o = msgp.AppendString(o, "source_version")
	o = msgp.AppendUint64(o, h.SourceVersion)
	o = msgp.AppendString(o, "target_version")
	o = msgp.AppendUint64(o, h.TargetVersion)
	o = msgp.AppendString(o, "origin")
	o = msgp.AppendBytes(o, h.Origin)
	return o, nil
}

func (h *Token) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "range_begin":
			h.RangeBegin, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "range_end":
			h.RangeEnd, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "source_version":
			h.SourceVersion, bts, err = msgp.ReadUint64Bytes(bts)
		case "target_version":
			h.TargetVersion, bts, err = msgp.ReadUint64Bytes(bts)
		case "origin":
			h.Origin, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h PartnerHeader) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 7)
	o = msgp.AppendString(o, "id")
	o = msgp.AppendBytes(o, h.ID)
	o = msgp.AppendString(o, "instance")
	o = msgp.AppendInt64(o, h.Instance)
	o = msgp.AppendString(o, "ring_name")
	o = msgp.AppendString(o, h.RingName)
	o = msgp.AppendString(o, "transport_addr")
	o = msgp.AppendString(o, h.TransportAddr)
	o = msgp.AppendString(o, "phase")
	o = msgp.AppendInt(o, h.Phase)
	o = msgp.AppendString(o, "token_begin")
	o = msgp.AppendBytes(o, h.TokenBegin)
	o = msgp.AppendString(o, "token_end")
	o = msgp.AppendBytes(o, h.TokenEnd)
	return o, nil
}

func (h *PartnerHeader) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "id":
			h.ID, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "instance":
			h.Instance, bts, err = msgp.ReadInt64Bytes(bts)
		case "ring_name":
			h.RingName, bts, err = msgp.ReadStringBytes(bts)
		case "transport_addr":
			h.TransportAddr, bts, err = msgp.ReadStringBytes(bts)
		case "phase":
			h.Phase, bts, err = msgp.ReadIntBytes(bts)
		case "token_begin":
			h.TokenBegin, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "token_end":
			h.TokenEnd, bts, err = msgp.ReadBytesBytes(bts, nil)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h Neighborhood) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 4)
	o = msgp.AppendString(o, "range_begin")
	o = msgp.AppendBytes(o, h.RangeBegin)
	o = msgp.AppendString(o, "range_end")
	o = msgp.AppendBytes(o, h.RangeEnd)
	o = msgp.AppendString(o, "partners")
	o = msgp.AppendArrayHeader(o, uint32(len(h.Partners)))
	var err error
	for _, p := range h.Partners {
		if o, err = p.MarshalMsg(o); err != nil {
			return o, err
		}
	}
	o = msgp.AppendString(o, "shutdown_ids")
	o = msgp.AppendArrayHeader(o, uint32(len(h.ShutdownIDs)))
	for _, id := range h.ShutdownIDs {
		o = msgp.AppendBytes(o, id)
	}
	return o, nil
}

func (h *Neighborhood) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "range_begin":
			h.RangeBegin, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "range_end":
			h.RangeEnd, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "partners":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, err
			}
			h.Partners = make([]PartnerHeader, n)
			for i := uint32(0); i < n; i++ {
				bts, err = h.Partners[i].UnmarshalMsg(bts)
				if err != nil {
					return bts, err
				}
			}
		case "shutdown_ids":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, err
			}
			h.ShutdownIDs = make([][]byte, n)
			for i := uint32(0); i < n; i++ {
				h.ShutdownIDs[i], bts, err = msgp.ReadBytesBytes(bts, nil)
				if err != nil {
					return bts, err
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h Broadcast) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 8)
	o = msgp.AppendString(o, "from_instance")
	o = msgp.AppendString(o, h.FromInstance)
	o = msgp.AppendString(o, "broadcast_id")
	o = msgp.AppendString(o, h.BroadcastID)
	o = msgp.AppendString(o, "expects_reply")
	o = msgp.AppendBool(o, h.ExpectsReply)
	o = msgp.AppendString(o, "expects_ack")
	o = msgp.AppendBool(o, h.ExpectsAck)
	o = msgp.AppendString(o, "from_ring")
	o = msgp.AppendString(o, h.FromRing)
	o = msgp.AppendString(o, "range_begin")
	o = msgp.AppendBytes(o, h.RangeBegin)
	o = msgp.AppendString(o, "range_end")
	o = msgp.AppendBytes(o, h.RangeEnd)
	o = msgp.AppendString(o, "step")
	o = msgp.AppendInt(o, h.Step)
	return o, nil
}

func (h *Broadcast) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "from_instance":
			h.FromInstance, bts, err = msgp.ReadStringBytes(bts)
		case "broadcast_id":
			h.BroadcastID, bts, err = msgp.ReadStringBytes(bts)
		case "expects_reply":
			h.ExpectsReply, bts, err = msgp.ReadBoolBytes(bts)
		case "expects_ack":
			h.ExpectsAck, bts, err = msgp.ReadBoolBytes(bts)
		case "from_ring":
			h.FromRing, bts, err = msgp.ReadStringBytes(bts)
		case "range_begin":
			h.RangeBegin, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "range_end":
			h.RangeEnd, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "step":
			h.Step, bts, err = msgp.ReadIntBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h Multicast) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "from_instance")
	o = msgp.AppendString(o, h.FromInstance)
	o = msgp.AppendString(o, "multicast_id")
	o = msgp.AppendString(o, h.MulticastID)
	o = msgp.AppendString(o, "targets")
	o = msgp.AppendArrayHeader(o, uint32(len(h.Targets)))
	for _, t := range h.Targets {
		o = msgp.AppendBytes(o, t)
	}
	return o, nil
}

func (h *Multicast) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "from_instance":
			h.FromInstance, bts, err = msgp.ReadStringBytes(bts)
		case "multicast_id":
			h.MulticastID, bts, err = msgp.ReadStringBytes(bts)
		case "targets":
			var n uint32
			n, bts, err = msgp.ReadArrayHeaderBytes(bts)
			if err != nil {
				return bts, err
			}
			h.Targets = make([][]byte, n)
			for i := uint32(0); i < n; i++ {
				h.Targets[i], bts, err = msgp.ReadBytesBytes(bts, nil)
				if err != nil {
					return bts, err
				}
			}
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h GlobalTime) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 4)
	o = msgp.AppendString(o, "epoch")
	o = msgp.AppendUint64(o, h.Epoch)
	o = msgp.AppendString(o, "send_time")
	o = msgp.AppendTime(o, h.SendTime)
	o = msgp.AppendString(o, "sender_lower_limit")
	o = msgp.AppendTime(o, h.SenderLowerLimit)
	o = msgp.AppendString(o, "receiver_upper_limit")
	o = msgp.AppendTime(o, h.ReceiverUpperLimit)
	return o, nil
}

func (h *GlobalTime) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "epoch":
			h.Epoch, bts, err = msgp.ReadUint64Bytes(bts)
		case "send_time":
			h.SendTime, bts, err = msgp.ReadTimeBytes(bts)
		case "sender_lower_limit":
			h.SenderLowerLimit, bts, err = msgp.ReadTimeBytes(bts)
		case "receiver_upper_limit":
			h.ReceiverUpperLimit, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h JoinThrottle) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "sequence")
	o = msgp.AppendUint64(o, h.Sequence)
	o = msgp.AppendString(o, "query_needed")
	o = msgp.AppendBool(o, h.QueryNeeded)
	o = msgp.AppendString(o, "expire_time")
	o = msgp.AppendTime(o, h.ExpireTime)
	return o, nil
}

func (h *JoinThrottle) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "sequence":
			h.Sequence, bts, err = msgp.ReadUint64Bytes(bts)
		case "query_needed":
			h.QueryNeeded, bts, err = msgp.ReadBoolBytes(bts)
		case "expire_time":
			h.ExpireTime, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h EdgeProbe) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 3)
	o = msgp.AppendString(o, "direction")
	o = msgp.AppendInt(o, h.Direction)
	o = msgp.AppendString(o, "expected_id")
	o = msgp.AppendBytes(o, h.ExpectedID)
	o = msgp.AppendString(o, "sent_at")
	o = msgp.AppendTime(o, h.SentAt)
	return o, nil
}

func (h *EdgeProbe) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "direction":
			h.Direction, bts, err = msgp.ReadIntBytes(bts)
		case "expected_id":
			h.ExpectedID, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "sent_at":
			h.SentAt, bts, err = msgp.ReadTimeBytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

func (h RingAdjust) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, 4)
	o = msgp.AppendString(o, "direction")
	o = msgp.AppendInt(o, h.Direction)
	o = msgp.AppendString(o, "actual_id")
	o = msgp.AppendBytes(o, h.ActualID)
	o = msgp.AppendString(o, "actual_addr")
	o = msgp.AppendString(o, h.ActualAddr)
	o = msgp.AppendString(o, "actual_instance")
	o = msgp.AppendInt64(o, h.ActualInstance)
	return o, nil
}

func (h *RingAdjust) UnmarshalMsg(bts []byte) ([]byte, error) {
	return readFields(bts, func(field string, bts []byte) ([]byte, error) {
		var err error
		switch field {
		case "direction":
			h.Direction, bts, err = msgp.ReadIntBytes(bts)
		case "actual_id":
			h.ActualID, bts, err = msgp.ReadBytesBytes(bts, nil)
		case "actual_addr":
			h.ActualAddr, bts, err = msgp.ReadStringBytes(bts)
		case "actual_instance":
			h.ActualInstance, bts, err = msgp.ReadInt64Bytes(bts)
		default:
			bts, err = msgp.Skip(bts)
		}
		return bts, err
	})
}

// readFields walks a msgpack map, handing each field name and the
// remaining bytes to fn, which reads that one field and returns the
// new remainder. Shared by every header's UnmarshalMsg so the
// map-walking boilerplate is written once.
func readFields(bts []byte, fn func(field string, bts []byte) ([]byte, error)) ([]byte, error) {
	n, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, fmt.Errorf("wire: reading header map: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var field string
		field, bts, err = msgp.ReadStringBytes(bts)
		if err != nil {
			return bts, fmt.Errorf("wire: reading header field name: %w", err)
		}
		bts, err = fn(field, bts)
		if err != nil {
			return bts, fmt.Errorf("wire: reading header field %q: %w", field, err)
		}
	}
	return bts, nil
}
