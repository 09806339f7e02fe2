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

package federationtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overlaymesh/federation/internal/federation/ferr"
	"github.com/overlaymesh/federation/internal/federation/multicast"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

const (
	convergeTimeout = 10 * time.Second
	convergeTick    = 20 * time.Millisecond
)

// TestThreeNodeJoinConvergence brings up three nodes against a shared
// seed and waits for every member to learn about both of its peers.
// This is the prerequisite every other scenario here builds on: routing
// and multicast are meaningless until the ring has actually converged.
func TestThreeNodeJoinConvergence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := NewCluster(t, 3)
	c.OpenAll(ctx)

	for i, m := range c.Members {
		m := m
		EventuallyTrue(t, convergeTimeout, convergeTick, func() bool {
			return m.Node.Ring().Count() == len(c.Members)-1
		})
		require.True(t, m.Node.Ring().IsComplete(), "member %d never reached a complete neighborhood", i)
	}
}

// awaitConverged is the shared setup every scenario past join needs: an
// n-node cluster where all members have already discovered each other.
func awaitConverged(t *testing.T, ctx context.Context, n int) *Cluster {
	t.Helper()
	c := NewCluster(t, n)
	c.OpenAll(ctx)
	for _, m := range c.Members {
		m := m
		EventuallyTrue(t, convergeTimeout, convergeTick, func() bool {
			return m.Node.Ring().Count() == n-1
		})
	}
	return c
}

// TestRouteExactDeliversToCurrentOwner sends a request keyed by a
// target member's own id and current instance, with exact-match
// routing, and checks it lands on that member's application and not
// some other member's.
func TestRouteExactDeliversToCurrentOwner(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := awaitConverged(t, ctx, 3)

	sender := c.Members[0]
	target := c.Members[2]

	req := &wire.Message{Action: "federationtest.ping", Body: []byte("hello")}
	reply, err := sender.Node.RouteRequest(ctx, req, target.ID, target.Node.Instance().Counter, true, 200*time.Millisecond, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "federationtest.ping.ack", reply.Action)

	received := target.App.Received()
	require.Len(t, received, 1)
	require.Equal(t, "federationtest.ping", received[0].Action)

	for _, other := range c.Members {
		if other == target {
			continue
		}
		require.Empty(t, other.App.Received(), "message delivered to a node other than the addressed owner")
	}
}

// TestRouteExactRejectsStaleInstance asserts that an exact-match
// request addressed with a stale (wrong) instance number is rejected
// rather than silently delivered to whatever node now owns the id.
func TestRouteExactRejectsStaleInstance(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := awaitConverged(t, ctx, 3)

	sender := c.Members[0]
	target := c.Members[1]
	staleInstance := target.Node.Instance().Counter - 1

	req := &wire.Message{Action: "federationtest.ping", Body: []byte("stale")}
	_, err := sender.Node.RouteRequest(ctx, req, target.ID, staleInstance, true, 200*time.Millisecond, 2*time.Second)
	require.Error(t, err)
	require.ErrorIs(t, err, ferr.ErrRoutingNodeDoesNotMatch)
}

// TestBroadcastReachesEveryMember verifies a broadcast over the full
// ring range is observed at every member, including the sender, once
// every sub-range has acked.
func TestBroadcastReachesEveryMember(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := awaitConverged(t, ctx, 3)

	sender := c.Members[0]
	msg := &wire.Message{Action: "federationtest.broadcast", Body: []byte("all")}
	err := sender.Node.BroadcastWithReply(ctx, msg, ringid.Full)
	require.NoError(t, err)

	for i, m := range c.Members {
		EventuallyTrue(t, convergeTimeout, convergeTick, func() bool {
			return len(m.App.Received()) > 0
		})
		found := false
		for _, got := range m.App.Received() {
			if got.Action == "federationtest.broadcast" {
				found = true
				break
			}
		}
		require.True(t, found, "member %d never observed the broadcast", i)
	}
}

// TestMulticastReportsUnreachableTargetAsFailed simulates a dead link
// to one multicast target and checks that target is partitioned into
// Result.Failed while the reachable target is still Acked. The two
// targets land in separate single-member subtrees (well under the
// cluster's propagation factor), so the unreachable target's root has
// no subordinates to re-elect a new root from and its subtree closes
// with the failure accumulated rather than retried further.
func TestMulticastReportsUnreachableTargetAsFailed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	c := awaitConverged(t, ctx, 3)

	sender := c.Members[0]
	reachable := c.Members[1]
	unreachable := c.Members[2]

	c.SetDown(sender, unreachable, true)

	targets := []multicast.Target{
		{ID: reachable.ID, Instance: reachable.Node.Instance().Counter},
		{ID: unreachable.ID, Instance: unreachable.Node.Instance().Counter},
	}
	msg := &wire.Message{Action: "federationtest.multicast", Body: []byte("payload")}
	// The down hop keeps retrying, as an idempotent send, until the
	// cluster's routing message timeout elapses, so this resolves on its
	// own; a shorter context here would race the internal retry deadline
	// against Multicast's own ctx.Done() path instead of letting
	// finishSubtree settle the result first.
	result, err := sender.Node.Multicast(ctx, msg, targets, false)
	require.NoError(t, err)

	require.Contains(t, result.Acked, targets[0])
	require.Contains(t, result.Failed, targets[1])
	require.Empty(t, result.Unknown)
}
