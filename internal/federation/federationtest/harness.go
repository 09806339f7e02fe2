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

// Package federationtest assembles a small ring of federation.Node
// instances over an in-process transport.Loopback network, for tests
// that exercise join, routing, broadcast, and multicast end to end
// without opening real sockets.
package federationtest

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/overlaymesh/federation/internal/config"
	"github.com/overlaymesh/federation/internal/federation/node"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// RecordingApp is a federation Application that records every message
// dispatched to it and replies with a fixed action suffix, so tests
// can assert both on delivery and on round-trip replies.
type RecordingApp struct {
	mu   sync.Mutex
	msgs []*wire.Message
}

// Dispatch implements node.Application.
func (a *RecordingApp) Dispatch(_ context.Context, msg *wire.Message) (*wire.Message, error) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
	return &wire.Message{Action: msg.Action + ".ack", Body: msg.Body}, nil
}

// Received returns a snapshot of every message seen so far.
func (a *RecordingApp) Received() []*wire.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*wire.Message, len(a.msgs))
	copy(out, a.msgs)
	return out
}

// Member is one node in a test Cluster: the live node plus the handle
// used to address it and inspect what it received.
type Member struct {
	Node      *node.Node
	Transport *transport.Loopback
	App       *RecordingApp
	ID        ringid.ID
	Address   string
}

// Cluster is a set of federation nodes wired to a shared loopback
// network, ready to Open in id order (the first member acts as the
// seed every later member joins through).
type Cluster struct {
	t       *testing.T
	net     *transport.Network
	Members []*Member
}

// quietLogger discards output so a passing test run stays quiet; Go's
// testing.T already captures t.Log for failures, and these nodes log
// routine retries at Warn level that would otherwise drown out -v runs.
func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// evenlySpacedIDs returns n identifiers spread around the circle at
// equal arc length, so a cluster's token ranges split close to evenly
// as nodes join in order.
func evenlySpacedIDs(n int) []ringid.ID {
	ids := make([]ringid.ID, n)
	step := (^uint64(0)) / uint64(n)
	for i := 0; i < n; i++ {
		ids[i] = ringid.ID{Hi: step * uint64(i)}
	}
	return ids
}

// NewCluster builds n nodes on a shared in-process network, without
// opening any of them. Configuration favors fast convergence over
// production defaults: sub-100ms ping and throttle intervals so a
// join or a token split settles within a test's normal timeout.
func NewCluster(t *testing.T, n int) *Cluster {
	t.Helper()
	net := transport.NewNetwork()
	ids := evenlySpacedIDs(n)
	dir := t.TempDir()

	c := &Cluster{t: t, net: net}
	for i, id := range ids {
		addr := fmt.Sprintf("node%d", i)
		port := 27100 + i

		cfg := &config.Config{
			NodeID:   hex.EncodeToString(id.Bytes()),
			RingName: "test",
			Listen:   config.Listen{Address: addr, Port: port},
			Ring: config.Ring{
				NeighborhoodSize:          1,
				LivenessUpdateInterval:    50 * time.Millisecond,
				PingInterval:              20 * time.Millisecond,
				IdleCompactionWindow:      10 * time.Second,
				GlobalTimeClockDriftRatio: 0.0001,
			},
			Join: config.Join{
				LockDuration:                 5 * time.Second,
				LockRequestTimeout:           2 * time.Second,
				ThrottleLowThreshold:         2,
				ThrottleHighThreshold:        8,
				ThrottleActiveInterval:       50 * time.Millisecond,
				ThrottleTimeout:              5 * time.Second,
				ThrottleCheckInterval:        50 * time.Millisecond,
				NeighborhoodQueryRetryPeriod: 50 * time.Millisecond,
				NonSeedNodeJoinWait:          10 * time.Millisecond,
				OpenTimeout:                  10 * time.Second,
			},
			Routing: config.Routing{
				TokenAcquireTimeout: 2 * time.Second,
				RetryTimeout:        200 * time.Millisecond,
				MessageTimeout:      5 * time.Second,
				MaxRetries:          8,
			},
			Broadcast: config.Broadcast{
				PropagationFactor: 4,
				ContextKeepAlive:  5 * time.Second,
				RetryInterval:     200 * time.Millisecond,
				ReapSweepInterval: 500 * time.Millisecond,
			},
			Lease: config.Lease{
				Duration:                  5 * time.Second,
				DurationAcrossFaultDomain: 8 * time.Second,
				ArbitrationWindow:         time.Second,
				ReplacementGracePeriod:    2 * time.Second,
			},
			Instance: config.Instance{
				Backend:  config.InstanceCounterFile,
				FilePath: filepath.Join(dir, fmt.Sprintf("node%d.counter", i)),
			},
			Redis: config.Redis{Enabled: false},
			Admin: config.Admin{Enabled: false},
		}
		if i > 0 {
			cfg.Seeds = []config.Seed{{Address: "node0", Port: 27100}}
		}

		loopAddr := fmt.Sprintf("%s:%d", addr, port)
		lt := transport.NewLoopback(net, loopAddr)
		app := &RecordingApp{}

		n, err := node.New(cfg, nil, lt, app, nil, quietLogger())
		if err != nil {
			t.Fatalf("federationtest: constructing node %d: %v", i, err)
		}
		lt.Handle(n.HandleInbound)

		c.Members = append(c.Members, &Member{
			Node:      n,
			Transport: lt,
			App:       app,
			ID:        id,
			Address:   loopAddr,
		})
	}
	return c
}

// OpenAll opens every member in order, each joining through the
// cluster's first member, and registers cleanup to close them all.
// Fails the test immediately if any member's join doesn't complete
// within its configured open timeout.
func (c *Cluster) OpenAll(ctx context.Context) {
	c.t.Helper()
	for i, m := range c.Members {
		if err := m.Node.Open(ctx); err != nil {
			c.t.Fatalf("federationtest: opening node %d (%s): %v", i, m.ID, err)
		}
	}
	c.t.Cleanup(func() {
		for _, m := range c.Members {
			_ = m.Node.Close()
		}
	})
}

// SetDown simulates a one-directional link failure from "from" to
// "to", for failure-injection scenarios (lost neighbor, unreachable
// multicast target).
func (c *Cluster) SetDown(from, to *Member, down bool) {
	from.Transport.SetDown(to.Address, down)
}

// EventuallyTrue polls cond every tick until it returns true or the
// overall timeout elapses, failing the test in the latter case. This
// is the cluster's convergence-waiting primitive: ring and token state
// settle asynchronously over several ping/maintenance cycles, not
// within a single call.
func EventuallyTrue(t *testing.T, timeout, tick time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("federationtest: condition did not become true within %s", timeout)
		}
		time.Sleep(tick)
	}
}
