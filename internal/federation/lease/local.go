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

package lease

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// LocalAgent is a dependency-free Agent implementation: lease health is
// inferred entirely from whether periodic heartbeat requests over
// transport keep succeeding, with no external lease-layer process.
// Suitable for a single-deployment federation core or for tests; a
// production deployment that needs leases to survive a transport
// partition the two sides can each independently observe would swap
// this for an agent backed by a real external lease service instead.
type LocalAgent struct {
	transport transport.Transport
	duration  time.Duration
	localInst string

	mu        sync.Mutex
	relations map[string]*localRelation
	onFailure FailureHandler

	logger *slog.Logger
}

type localRelation struct {
	address    string
	lastOK     time.Time
	cancel     context.CancelFunc
}

// NewLocalAgent constructs a LocalAgent sending a heartbeat at roughly
// duration/3 and declaring failure after duration of silence.
func NewLocalAgent(t transport.Transport, duration time.Duration, localInst string, logger *slog.Logger) *LocalAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalAgent{
		transport: t,
		duration:  duration,
		localInst: localInst,
		relations: make(map[string]*localRelation),
		logger:    logger,
	}
}

// Establish implements Agent.
func (a *LocalAgent) Establish(ctx context.Context, remoteID, remoteAddress string, remoteInstance int64, durationHint time.Duration) error {
	d := a.duration
	if durationHint > 0 {
		d = durationHint
	}

	a.mu.Lock()
	if existing, ok := a.relations[remoteID]; ok {
		existing.cancel()
	}
	hbCtx, cancel := context.WithCancel(context.Background())
	rel := &localRelation{address: remoteAddress, lastOK: time.Now(), cancel: cancel}
	a.relations[remoteID] = rel
	a.mu.Unlock()

	go a.heartbeatLoop(hbCtx, remoteID, remoteAddress, remoteInstance, d)
	return nil
}

func (a *LocalAgent) heartbeatLoop(ctx context.Context, remoteID, remoteAddress string, remoteInstance int64, d time.Duration) {
	interval := d / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := &wire.Message{Action: "federation.lease.heartbeat"}
			target := transport.Target{Address: remoteAddress, Instance: remoteInstance}
			reqCtx, cancel := context.WithTimeout(ctx, interval)
			_, err := a.transport.SendRequest(reqCtx, msg, target, interval)
			cancel()

			a.mu.Lock()
			rel, ok := a.relations[remoteID]
			if !ok {
				a.mu.Unlock()
				return
			}
			if err == nil {
				rel.lastOK = time.Now()
				a.mu.Unlock()
				continue
			}
			expired := time.Since(rel.lastOK) > d
			handler := a.onFailure
			a.mu.Unlock()
			if expired {
				a.logger.Warn("lease: heartbeat silence exceeded duration, declaring failure", "remote", remoteID)
				if handler != nil {
					handler(remoteID)
				}
				return
			}
		}
	}
}

// Restart implements Agent: a new local instance id invalidates no
// existing relation by itself, since LocalAgent tracks health purely by
// heartbeat recency rather than by instance identity.
func (a *LocalAgent) Restart(newLocalInstance string) error {
	a.mu.Lock()
	a.localInst = newLocalInstance
	a.mu.Unlock()
	return nil
}

// IsLeaseExpired implements Agent.
func (a *LocalAgent) IsLeaseExpired(remoteID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	rel, ok := a.relations[remoteID]
	if !ok {
		return true
	}
	return time.Since(rel.lastOK) > a.duration
}

// OnFailure implements Agent.
func (a *LocalAgent) OnFailure(fn FailureHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onFailure = fn
}

// HandleInbound answers an inbound heartbeat with an empty reply; the
// round trip itself is the only signal LocalAgent consumes.
func (a *LocalAgent) HandleInbound(ctx context.Context, from transport.Target, msg *wire.Message) (*wire.Message, error) {
	return &wire.Message{Action: "federation.lease.heartbeat.reply"}, nil
}

// Forget drops a relation, e.g. when the neighbor is demoted and no
// longer needs a monitored lease.
func (a *LocalAgent) Forget(remoteID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if rel, ok := a.relations[remoteID]; ok {
		rel.cancel()
		delete(a.relations, remoteID)
	}
}
