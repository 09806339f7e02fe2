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

// Package token implements the routing token: the arc of the
// identifier space a node owns, and the split/merge/recovery version
// arithmetic that keeps ownership unique across a transient partition.
package token

import (
	"fmt"

	"github.com/overlaymesh/federation/internal/federation/ringid"
)

// Version packs a token's version into a merge half (low 32 bits) and
// a recovery half (high 32 bits). Recovery bumps only ever come from
// IncrementRecoveryVersion, which also zeros the merge half, so that a
// token born from a recovery can never be confused with one that
// reached the same range purely through splits and merges.
type Version uint64

const versionMergeMask = 0x00000000ffffffff

func newVersion(recovery, merge uint32) Version {
	return Version(uint64(recovery)<<32 | uint64(merge))
}

func (v Version) recovery() uint32 { return uint32(v >> 32) }
func (v Version) merge() uint32    { return uint32(v & versionMergeMask) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.recovery(), v.merge())
}

// Token is the arc of identifier space owned by exactly one live node
// at a time.
type Token struct {
	Range   ringid.Range
	Version Version
}

// New returns a token for r at the initial version.
func New(r ringid.Range) *Token {
	return &Token{Range: r, Version: newVersion(0, 0)}
}

// IncrementRecoveryVersion bumps the recovery half and zeros the merge
// half, recording that this token's range changed through a unilateral
// recovery rather than a negotiated split or merge.
func (t *Token) IncrementRecoveryVersion() {
	t.Version = newVersion(t.Version.recovery()+1, 0)
}

// incrementMergeVersion bumps the merge half, leaving the recovery half
// untouched, recording a negotiated split/merge/transfer.
func (t *Token) incrementMergeVersion() {
	t.Version = newVersion(t.Version.recovery(), t.Version.merge()+1)
}

// IsMergeSafe reports whether a transfer or merge observed at prior may
// be applied: the caller must have already observed strictly less than
// our current version, in the same recovery epoch, or an older epoch
// entirely (which is always safe to accept, since recovery dominates).
func (t *Token) IsMergeSafe(prior Version) bool {
	if prior.recovery() != t.Version.recovery() {
		return prior.recovery() < t.Version.recovery()
	}
	return prior.merge() < t.Version.merge()
}

// IsRecoverySafe reports whether a recovery claim at prior is still
// applicable: recovery always wins over a stale epoch, but within the
// same epoch a recovery only proceeds if prior hasn't already moved
// past what the caller believes.
func (t *Token) IsRecoverySafe(prior Version) bool {
	return prior.recovery() <= t.Version.recovery()
}

// Split carves off the sub-range belonging to neighbor out of t,
// returning a new token for that sub-range and shrinking t in place.
// ok is false if r does not lie entirely within t.Range.
func (t *Token) Split(r ringid.Range) (out *Token, ok bool) {
	if len(r.Subtract([]ringid.Range{t.Range})) != 0 {
		return nil, false
	}
	residual := t.Range.Subtract([]ringid.Range{r})
	// A valid split leaves exactly one residual piece: r must abut one
	// end of t.Range, never sit in its interior (that would require two
	// residual pieces, which the token model has no room to hold).
	if len(residual) != 1 {
		return nil, false
	}
	t.Range = residual[0]
	t.incrementMergeVersion()
	return &Token{Range: r, Version: newVersion(t.Version.recovery(), 0)}, true
}

// Accept merges other into t if other is adjacent to t.Range (t.Range
// is extended to cover both) and the caller id sits within the merged
// range. Accept compares no versions; Manager.TransferAccept applies
// the version check before calling it. Accept is commutative on
// adjacency: merging A into B or B into A yields the same resulting
// range, but the surviving Version always derives from the receiver's
// own bookkeeping, not the argument's.
func (t *Token) Accept(other *Token, caller ringid.ID) bool {
	merged := ringid.Range{}
	switch {
	case t.Range.End.Add(ringid.FromUint64(1)).Equal(other.Range.Begin):
		merged = ringid.Range{Begin: t.Range.Begin, End: other.Range.End}
	case other.Range.End.Add(ringid.FromUint64(1)).Equal(t.Range.Begin):
		merged = ringid.Range{Begin: other.Range.Begin, End: t.Range.End}
	default:
		return false
	}
	if !merged.Contains(caller) {
		return false
	}
	t.Range = merged
	t.incrementMergeVersion()
	return true
}
