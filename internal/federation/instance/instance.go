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

// Package instance implements NodeInstance identity and the persisted
// counter that guarantees a restarted node draws a strictly larger
// instance id than any it has used before.
package instance

import (
	"context"
	"fmt"
	"time"

	"github.com/overlaymesh/federation/internal/federation/ringid"
)

// Instance pairs a node's identifier with a monotonically non-decreasing
// counter drawn at open, so a restarted peer can be told apart from its
// prior incarnation.
type Instance struct {
	ID      ringid.ID
	Counter int64
}

// Less reports whether a is a strictly older incarnation of the same id
// than b. Federation identity is linearized solely on this comparison:
// evidence with a lower counter is always stale.
func (a Instance) Less(b Instance) bool {
	return a.ID.Equal(b.ID) && a.Counter < b.Counter
}

func (a Instance) String() string {
	return fmt.Sprintf("%s#%d", a.ID, a.Counter)
}

// Counter persists the last-used instance counter for a single local
// node id. Implementations must make Next's result durable (or at
// least as durable as best-effort allows) before it is handed to the
// caller, and must never hand out a value they have already handed out.
type Counter interface {
	// Next advances the persisted counter past both its stored value
	// and the wall-clock-derived floor, and returns the new value.
	Next(ctx context.Context, wallClockFloor int64) (int64, error)
}

// NowFloor derives a wall-clock floor for a counter in the same units as
// Instance.Counter (Unix nanoseconds): even if the counter's persisted
// state is absent, the wall-clock-derived value must exceed any
// previously used value for this id.
func NowFloor() int64 {
	return time.Now().UnixNano()
}

// Open draws a new Instance for id from counter, guaranteeing it is
// strictly larger than any previously issued value.
func Open(ctx context.Context, id ringid.ID, counter Counter) (Instance, error) {
	v, err := counter.Next(ctx, NowFloor())
	if err != nil {
		return Instance{}, fmt.Errorf("instance: opening counter for %s: %w", id, err)
	}
	return Instance{ID: id, Counter: v}, nil
}
