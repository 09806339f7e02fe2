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

// Package arbitration is the contract with the external arbitrator
// that resolves expiring lease relations between two neighbors.
package arbitration

import (
	"context"
	"time"
)

// Decision is the arbitrator's verdict for one side of a lease relation.
type Decision int

const (
	Granted Decision = iota
	Rejected
	Neutral
	Delayed
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "Granted"
	case Rejected:
		return "Rejected"
	case Neutral:
		return "Neutral"
	case Delayed:
		return "Delayed"
	default:
		return "Unknown"
	}
}

// Flags are additional qualifiers layered on top of a Decision.
type Flags struct {
	Extended   bool
	Strong     bool
	Continuous bool
	Delayed    bool
}

// Request carries both sides of a lease relation under dispute.
type Request struct {
	LocalID        string
	LocalInstance  int64
	RemoteID       string
	RemoteInstance int64
	LocalTTL       time.Duration
	RemoteTTL      time.Duration
	// HistoryWindow bounds how far back the arbitrator may consult prior
	// decisions between this pair when resolving the current one.
	HistoryWindow time.Duration
}

// Reply is the arbitrator's verdict, including the TTLs each side
// should now use for the relation.
type Reply struct {
	Decision   Decision
	Flags      Flags
	MonitorTTL time.Duration
	SubjectTTL time.Duration
}

// Arbitrator is the consumed contract: a pluggable decision point for
// resolving simultaneous lease expirations between neighbors.
type Arbitrator interface {
	Arbitrate(ctx context.Context, req Request) (Reply, error)
}

// LocalArbitrator is a conservative Arbitrator usable without an
// external dependency: it always grants the side with the
// longer-lived declared TTL and is neutral on exact ties. It exists so
// a single-process or test deployment can run without wiring a real
// arbitration service.
type LocalArbitrator struct{}

// Arbitrate implements Arbitrator.
func (LocalArbitrator) Arbitrate(_ context.Context, req Request) (Reply, error) {
	switch {
	case req.LocalTTL > req.RemoteTTL:
		return Reply{Decision: Granted, MonitorTTL: req.LocalTTL, SubjectTTL: req.RemoteTTL}, nil
	case req.RemoteTTL > req.LocalTTL:
		return Reply{Decision: Rejected, MonitorTTL: req.LocalTTL, SubjectTTL: req.RemoteTTL}, nil
	default:
		return Reply{Decision: Neutral, MonitorTTL: req.LocalTTL, SubjectTTL: req.RemoteTTL}, nil
	}
}
