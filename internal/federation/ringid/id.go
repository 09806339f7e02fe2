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

// Package ringid implements the 128-bit circular identifier space the
// ring is laid on: identifiers, modular distance, and ranges.
package ringid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/bits"
)

// ID is a 128-bit unsigned integer on the identifier circle, stored as
// big-endian halves (Hi is the most significant 64 bits).
type ID struct {
	Hi uint64
	Lo uint64
}

// Zero is the additive identity of the circle.
var Zero = ID{}

// Max is the largest representable identifier.
var Max = ID{Hi: ^uint64(0), Lo: ^uint64(0)}

// FromBytes decodes a big-endian 16-byte identifier.
func FromBytes(b []byte) (ID, error) {
	if len(b) != 16 {
		return ID{}, fmt.Errorf("ringid: want 16 bytes, got %d", len(b))
	}
	return ID{
		Hi: binary.BigEndian.Uint64(b[0:8]),
		Lo: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}

// Bytes encodes the identifier as big-endian 16 bytes.
func (a ID) Bytes() []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], a.Hi)
	binary.BigEndian.PutUint64(b[8:16], a.Lo)
	return b
}

func (a ID) String() string {
	return fmt.Sprintf("%016x%016x", a.Hi, a.Lo)
}

// ParseID decodes the hex string produced by ID.String.
func ParseID(s string) (ID, error) {
	if len(s) != 32 {
		return ID{}, fmt.Errorf("ringid: want 32 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("ringid: %w", err)
	}
	return FromBytes(b)
}

// Equal reports whether a and b are the same identifier.
func (a ID) Equal(b ID) bool { return a.Hi == b.Hi && a.Lo == b.Lo }

// Less is an arbitrary but total and stable ordering over identifiers,
// used for sorted containers (the ring view) and as the deterministic
// tie-break referenced by Precedes.
func (a ID) Less(b ID) bool {
	if a.Hi != b.Hi {
		return a.Hi < b.Hi
	}
	return a.Lo < b.Lo
}

// Add returns a+delta modulo 2^128.
func (a ID) Add(delta ID) ID {
	lo, carry := bits.Add64(a.Lo, delta.Lo, 0)
	hi, _ := bits.Add64(a.Hi, delta.Hi, carry)
	return ID{Hi: hi, Lo: lo}
}

// Sub returns a-delta modulo 2^128.
func (a ID) Sub(delta ID) ID {
	lo, borrow := bits.Sub64(a.Lo, delta.Lo, 0)
	hi, _ := bits.Sub64(a.Hi, delta.Hi, borrow)
	return ID{Hi: hi, Lo: lo}
}

// FromUint64 lifts a 64-bit value onto the low half of the circle.
func FromUint64(v uint64) ID { return ID{Lo: v} }

// SuccDist is the forward (clockwise) distance from a to b, i.e. the
// value x such that a+x == b (mod 2^128).
func SuccDist(a, b ID) ID {
	return b.Sub(a)
}

// MinDist is the shorter of the two arcs between a and b.
func MinDist(a, b ID) ID {
	fwd := SuccDist(a, b)
	bwd := SuccDist(b, a)
	if fwd.Less(bwd) {
		return fwd
	}
	return bwd
}

// Precedes reports whether a is closer to b going forward than b is to
// a going forward, with a deterministic tie-break (the numerically
// smaller id precedes) when both arcs are exactly half the circle.
func (a ID) Precedes(b ID) bool {
	fwd := SuccDist(a, b)
	bwd := SuccDist(b, a)
	if fwd.Equal(bwd) {
		return a.Less(b)
	}
	return fwd.Less(bwd)
}

// Closer reports whether candidate is a strictly better (or equal and
// numerically larger, per the ring's tie-break) owner of target than
// the current incumbent.
func Closer(target, candidate, incumbent ID) bool {
	cd := MinDist(candidate, target)
	id := MinDist(incumbent, target)
	if !cd.Equal(id) {
		return cd.Less(id)
	}
	// Tie-break: prefer the larger id, matching FindClosest's contract.
	return incumbent.Less(candidate)
}
