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

package ringid

import "sort"

// Range is a closed interval [Begin, End] on the circle. Begin > End
// means the interval wraps: [Begin, Max] ∪ [Min, End].
type Range struct {
	Begin ID
	End   ID
}

// Empty is the range containing no identifiers.
var Empty = Range{Begin: ID{Hi: 0, Lo: 1}, End: ID{Hi: 0, Lo: 0}}

// Full is the range containing every identifier.
var Full = Range{Begin: Zero, End: Max}

// IsEmpty reports whether r is the canonical empty range. Note: this
// only recognizes the canonical Empty value; Subtract/Merge report no
// coverage as an empty slice, not as Empty.
func (r Range) IsEmpty() bool {
	return r == Empty
}

func (r Range) wraps() bool {
	return r.End.Less(r.Begin)
}

// Contains reports whether id falls within r.
func (r Range) Contains(id ID) bool {
	if r.IsEmpty() {
		return false
	}
	if r == Full {
		return true
	}
	if !r.wraps() {
		return !id.Less(r.Begin) && !r.End.Less(id)
	}
	return !id.Less(r.Begin) || !r.End.Less(id)
}

// Size returns the number of identifiers in r, saturating at Max for
// Full (2^128 does not fit in the return type, so callers comparing
// sizes should treat a Max-equal Size as "the whole ring").
func (r Range) Size() ID {
	if r.IsEmpty() {
		return Zero
	}
	if r == Full {
		return Max
	}
	return SuccDist(r.Begin, r.End).Add(FromUint64(1))
}

// Disjoint reports whether r and other share no identifiers.
func (r Range) Disjoint(other Range) bool {
	if r.IsEmpty() || other.IsEmpty() {
		return true
	}
	return len(intersect(r, other)) == 0
}

// median returns the identifier at the midpoint of r, rounding toward
// Begin; used by multicast/broadcast subtree selection.
func (r Range) median() ID {
	half := SuccDist(r.Begin, r.End)
	half.Lo, half.Hi = half.Lo>>1|half.Hi<<63, half.Hi>>1
	return r.Begin.Add(half)
}

// Median exposes median() for the broadcast engine's sub-range forward
// target selection.
func (r Range) Median() ID { return r.median() }

// intersect returns 0, 1, or 2 sub-ranges describing a ∩ b, handling
// wrap-around on either side by the standard decompose-into-linear-arcs
// trick: split each wrapping range at Max/Min and intersect piecewise.
func intersect(a, b Range) []Range {
	as := linearize(a)
	bs := linearize(b)
	var out []Range
	for _, la := range as {
		for _, lb := range bs {
			if lo, hi, ok := linearIntersect(la, lb); ok {
				out = append(out, Range{Begin: lo, End: hi})
			}
		}
	}
	return normalize(out)
}

type linear struct {
	lo, hi ID
}

func linearize(r Range) []linear {
	if r.IsEmpty() {
		return nil
	}
	if !r.wraps() {
		return []linear{{lo: r.Begin, hi: r.End}}
	}
	return []linear{
		{lo: r.Begin, hi: Max},
		{lo: Zero, hi: r.End},
	}
}

func linearIntersect(a, b linear) (ID, ID, bool) {
	lo := a.lo
	if a.lo.Less(b.lo) {
		lo = b.lo
	}
	hi := a.hi
	if b.hi.Less(hi) {
		hi = b.hi
	}
	if hi.Less(lo) {
		return ID{}, ID{}, false
	}
	return lo, hi, true
}

// Subtract removes every range in others from r, returning the
// residual ranges in ascending order. This is the partition primitive
// the broadcast engine uses to find the sub-ranges it must forward.
func (r Range) Subtract(others []Range) []Range {
	if r.IsEmpty() {
		return nil
	}
	remaining := linearize(r)
	for _, o := range others {
		if o.IsEmpty() {
			continue
		}
		var next []linear
		for _, seg := range remaining {
			next = append(next, subtractLinear(seg, linearize(o))...)
		}
		remaining = next
		if len(remaining) == 0 {
			break
		}
	}
	out := make([]Range, 0, len(remaining))
	for _, seg := range remaining {
		out = append(out, Range{Begin: seg.lo, End: seg.hi})
	}
	return normalize(out)
}

func subtractLinear(seg linear, cuts []linear) []linear {
	segs := []linear{seg}
	for _, c := range cuts {
		var next []linear
		for _, s := range segs {
			next = append(next, cutLinear(s, c)...)
		}
		segs = next
	}
	return segs
}

func cutLinear(s, c linear) []linear {
	// No overlap.
	if c.hi.Less(s.lo) || s.hi.Less(c.lo) {
		return []linear{s}
	}
	var out []linear
	if s.lo.Less(c.lo) {
		out = append(out, linear{lo: s.lo, hi: c.lo.Sub(FromUint64(1))})
	}
	if c.hi.Less(s.hi) {
		out = append(out, linear{lo: c.hi.Add(FromUint64(1)), hi: s.hi})
	}
	return out
}

// Merge coalesces ranges in rs that are adjacent or overlapping,
// returning the minimal equivalent set in ascending order.
func Merge(rs []Range) []Range {
	return normalize(rs)
}

// normalize merges a set of (possibly wrapping, possibly overlapping)
// ranges into the minimal set of disjoint ranges covering the same
// identifiers, in ascending order of Begin. A result that covers the
// entire circle collapses to []Range{Full}; no coverage collapses to nil.
func normalize(rs []Range) []Range {
	var segs []linear
	for _, r := range rs {
		if r == Full {
			return []Range{Full}
		}
		segs = append(segs, linearize(r)...)
	}
	if len(segs) == 0 {
		return nil
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].lo.Less(segs[j].lo) })
	merged := []linear{segs[0]}
	for _, s := range segs[1:] {
		last := &merged[len(merged)-1]
		if s.lo.Less(last.hi.Add(FromUint64(2))) {
			if last.hi.Less(s.hi) {
				last.hi = s.hi
			}
			continue
		}
		merged = append(merged, s)
	}
	// A piece touching Zero and a piece touching Max represent one
	// wrapping range once stitched back together.
	if len(merged) > 1 && merged[0].lo.Equal(Zero) && merged[len(merged)-1].hi.Equal(Max) {
		first := merged[0]
		last := merged[len(merged)-1]
		merged = merged[1 : len(merged)-1]
		merged = append(merged, linear{lo: last.lo, hi: first.hi})
	}
	if len(merged) == 1 && merged[0].lo.Equal(Zero) && merged[0].hi.Equal(Max) {
		return []Range{Full}
	}
	out := make([]Range, 0, len(merged))
	for _, s := range merged {
		out = append(out, Range{Begin: s.lo, End: s.hi})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Begin.Less(out[j].Begin) })
	return out
}
