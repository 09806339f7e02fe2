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

// Package lease is the contract with the external lease agent, and the
// local cache of a lease relation's state: the only state whose source
// of truth lives outside the core.
package lease

import (
	"context"
	"time"
)

// FailureHandler is invoked by the Agent when a lease it manages fails
// in a way the core must react to (demote the neighbor, abort the
// node).
type FailureHandler func(remoteID string)

// Agent is the consumed contract with the external lease-management
// service.
type Agent interface {
	// Establish starts (or renews) a lease relation with a remote node.
	Establish(ctx context.Context, remoteID, remoteAddress string, remoteInstance int64, durationHint time.Duration) error
	// Restart rebinds the agent to a new local instance string after
	// this node's InstanceId changes.
	Restart(newLocalInstance string) error
	// IsLeaseExpired reports whether the named relation's lease has
	// already lapsed.
	IsLeaseExpired(remoteID string) bool
	// OnFailure registers the upcall invoked when a lease fails.
	OnFailure(fn FailureHandler)
}

// Relation is the locally cached snapshot of one neighbor's lease
// relation: start time, expected expirations in each role, and whether
// arbitration is currently pending.
type Relation struct {
	RemoteID            string
	Start               time.Time
	MonitorExpire       time.Time
	SubjectExpire       time.Time
	PendingArbitration  bool
}

// Expired reports whether either role's expiration has passed as of
// now.
func (r Relation) Expired(now time.Time) bool {
	return now.After(r.MonitorExpire) || now.After(r.SubjectExpire)
}

// NearExpiry reports whether either role's expiration falls within
// window of now, the trigger for issuing an arbitration request.
func (r Relation) NearExpiry(now time.Time, window time.Duration) bool {
	return r.MonitorExpire.Sub(now) <= window || r.SubjectExpire.Sub(now) <= window
}
