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

package ringid_test

import (
	"testing"

	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMinDistSymmetric(t *testing.T) {
	a := ringid.FromUint64(0x40)
	b := ringid.FromUint64(0x90)
	assert.True(t, ringid.MinDist(a, b).Equal(ringid.MinDist(b, a)))
}

func TestSuccDistComplementary(t *testing.T) {
	a := ringid.FromUint64(0x10)
	b := ringid.FromUint64(0x20)
	fwd := ringid.SuccDist(a, b)
	bwd := ringid.SuccDist(b, a)
	// fwd + bwd == 2^128 == 0 modulo the type's range, so the two
	// complementary arcs must sum to the additive identity.
	assert.True(t, fwd.Add(bwd).Equal(ringid.Zero))
}

func TestPrecedesTieBreak(t *testing.T) {
	a := ringid.FromUint64(0x10)
	// Construct two points exactly opposite each other on the circle,
	// so SuccDist(a,b) == SuccDist(b,a) and Precedes must fall back to
	// the deterministic numeric tie-break.
	half := ringid.ID{Hi: 0x8000000000000000, Lo: 0}
	opp := a.Add(half)
	assert.Equal(t, a.Less(opp), a.Precedes(opp))
}

func TestRangeContainsWrap(t *testing.T) {
	r := ringid.Range{Begin: ringid.FromUint64(0xF0), End: ringid.FromUint64(0x10)}
	assert.True(t, r.Contains(ringid.FromUint64(0xFF)))
	assert.True(t, r.Contains(ringid.FromUint64(0x05)))
	assert.False(t, r.Contains(ringid.FromUint64(0x50)))
}

func TestRangeSubtractExact(t *testing.T) {
	full := ringid.Range{Begin: ringid.FromUint64(0), End: ringid.FromUint64(99)}
	cut := ringid.Range{Begin: ringid.FromUint64(40), End: ringid.FromUint64(59)}
	residual := full.Subtract([]ringid.Range{cut})
	require.Len(t, residual, 2)
	assert.True(t, residual[0].Begin.Equal(ringid.FromUint64(0)))
	assert.True(t, residual[0].End.Equal(ringid.FromUint64(39)))
	assert.True(t, residual[1].Begin.Equal(ringid.FromUint64(60)))
	assert.True(t, residual[1].End.Equal(ringid.FromUint64(99)))

	// Merging the residual with the cut range must reconstruct the
	// single full range: the partition never drops or double-covers ids.
	reconstructed := ringid.Merge(append(residual, cut))
	require.Len(t, reconstructed, 1)
	assert.True(t, reconstructed[0].Begin.Equal(full.Begin))
	assert.True(t, reconstructed[0].End.Equal(full.End))
}

func TestRangeTablePartition(t *testing.T) {
	tbl := ringid.NewRangeTable(ringid.Range{Begin: ringid.FromUint64(0), End: ringid.FromUint64(199)})
	tbl.Remove(ringid.Range{Begin: ringid.FromUint64(50), End: ringid.FromUint64(99)})
	assert.False(t, tbl.IsEmpty())
	assert.False(t, tbl.Contains(ringid.FromUint64(75)))
	assert.True(t, tbl.Contains(ringid.FromUint64(10)))
	tbl.Remove(ringid.Range{Begin: ringid.FromUint64(0), End: ringid.FromUint64(49)})
	tbl.Remove(ringid.Range{Begin: ringid.FromUint64(100), End: ringid.FromUint64(199)})
	assert.True(t, tbl.IsEmpty())
}
