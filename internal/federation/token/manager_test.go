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

package token

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/federation/internal/federation/ringid"
)

func id(hi uint64) ringid.ID { return ringid.ID{Hi: hi} }

// TestTrySplitTokenGrantsLeadingRangeToPredecessor checks the case the
// join handshake relies on: a neighbor that precedes self is entitled
// to the leading half of self's range, split at the midpoint between
// the two ids, and self's own token shrinks to the residual.
func TestTrySplitTokenGrantsLeadingRangeToPredecessor(t *testing.T) {
	self := id(0x8000000000000000)
	mgr := NewManager(self)

	neighbor := id(0)
	out, ok := mgr.TrySplitToken(neighbor)
	require.True(t, ok)
	require.Equal(t, ringid.Zero, out.Range.Begin)

	current := mgr.Current()
	require.Equal(t, out.Range.End.Add(ringid.FromUint64(1)), current.Range.Begin)
	require.Equal(t, ringid.Max, current.Range.End)
}

// TestTrySplitTokenRejectsSelf ensures a node never tries to hand a
// slice of its own range to itself.
func TestTrySplitTokenRejectsSelf(t *testing.T) {
	mgr := NewManager(id(1))
	_, ok := mgr.TrySplitToken(id(1))
	require.False(t, ok)
}

// TestAdoptTransferredReplacesRatherThanMerges verifies a freshly
// constructed manager (still holding the Full placeholder token) adopts
// a transferred token outright instead of attempting to merge it,
// since there is nothing legitimate yet to merge against.
func TestAdoptTransferredReplacesRatherThanMerges(t *testing.T) {
	mgr := NewManager(id(5))
	require.True(t, mgr.Owns(id(0)))
	require.True(t, mgr.Owns(ringid.Max))

	granted := &Token{
		Range:   ringid.Range{Begin: id(0), End: id(100)},
		Version: newVersion(0, 1),
	}
	mgr.AdoptTransferred(granted)

	require.True(t, mgr.Owns(id(50)))
	require.False(t, mgr.Owns(id(200)))
	require.Equal(t, granted.Version, mgr.Current().Version)
}

// TestTransferAcceptRejectsStaleVersion confirms a merge is refused
// when the incoming token's version hasn't advanced past what was
// already observed, leaving the local token untouched.
func TestTransferAcceptRejectsStaleVersion(t *testing.T) {
	mgr := NewManager(id(0))
	mgr.token = &Token{Range: ringid.Range{Begin: id(0), End: id(100)}, Version: newVersion(0, 5)}

	stale := &Token{Range: ringid.Range{Begin: id(100).Add(ringid.FromUint64(1)), End: id(200)}, Version: newVersion(0, 2)}
	ok := mgr.TransferAccept(stale, id(150))
	require.False(t, ok)
	require.Equal(t, id(100), mgr.Current().Range.End)
}

// TestTransferAcceptMergesAdjacentRange exercises the success path:
// a newer-versioned, range-adjacent token that contains the caller id
// is merged in and the local range grows to cover it.
func TestTransferAcceptMergesAdjacentRange(t *testing.T) {
	mgr := NewManager(id(0))
	mgr.token = &Token{Range: ringid.Range{Begin: id(0), End: id(100)}, Version: newVersion(0, 1)}

	incoming := &Token{Range: ringid.Range{Begin: id(100).Add(ringid.FromUint64(1)), End: id(200)}, Version: newVersion(0, 2)}
	ok := mgr.TransferAccept(incoming, id(150))
	require.True(t, ok)
	require.Equal(t, id(200), mgr.Current().Range.End)
}

// TestRecoverExtendsRangeAndBumpsRecoveryEpoch checks that a unilateral
// recovery both widens the local range to cover the reclaimed span and
// moves into a new recovery epoch, so stale transfers from the old
// epoch are later rejected by IsMergeSafe/IsRecoverySafe.
func TestRecoverExtendsRangeAndBumpsRecoveryEpoch(t *testing.T) {
	mgr := NewManager(id(0))
	mgr.token = &Token{Range: ringid.Range{Begin: id(0), End: id(100)}, Version: newVersion(0, 3)}

	before := mgr.Current().Version
	mgr.Recover(ringid.Range{Begin: id(100).Add(ringid.FromUint64(1)), End: id(200)})

	current := mgr.Current()
	require.Equal(t, id(200), current.Range.End)
	require.Greater(t, current.Version.recovery(), before.recovery())
	require.Equal(t, uint32(0), current.Version.merge())
}

// TestCanRecoverHonorsEchoPromise verifies the echo-list guard: once a
// node has promised (via RecordEcho) not to recover past a given
// distance of itself, a recovery claim that reaches farther than that
// promise is refused, while one that stays within it is still
// permitted.
func TestCanRecoverHonorsEchoPromise(t *testing.T) {
	self := id(0x8000000000000000)
	mgr := NewManager(self)

	mgr.RecordEcho(Successor, id(0x8000000000001000), self)

	require.True(t, mgr.CanRecover(Successor, id(0x8000000000000500)))
	require.False(t, mgr.CanRecover(Successor, id(0x8000000000002000)))
}

// TestCanRecoverWithNoPromiseAlwaysAllowed confirms a direction with no
// recorded echo promise imposes no restriction.
func TestCanRecoverWithNoPromiseAlwaysAllowed(t *testing.T) {
	mgr := NewManager(id(0))
	require.True(t, mgr.CanRecover(Predecessor, id(12345)))
}
