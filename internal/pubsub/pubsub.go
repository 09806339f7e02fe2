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

// Package pubsub is a cross-process fan-out for ring-change
// notifications: when several federation nodes share a Redis instance,
// a node that observes its own neighborhood change publishes a
// lightweight nudge so operator tooling watching other nodes doesn't
// have to poll. Within a single node this has no purpose, so the
// in-memory backend is a genuine no-op.
package pubsub

import (
	"context"

	"github.com/overlaymesh/federation/internal/config"
)

// RingChangedTopic is the topic a node publishes to after its
// neighborhood range or completeness changes.
const RingChangedTopic = "federation.ring.changed"

type PubSub interface {
	Publish(topic string, message []byte) error
	Subscribe(topic string) Subscription
	Close() error
}

type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub returns the Redis-backed implementation when cfg.Redis is
// enabled, otherwise an in-memory no-op (a single node has nobody else
// to notify).
func MakePubSub(ctx context.Context, cfg *config.Config) (PubSub, error) {
	if cfg.Redis.Enabled {
		return makePubSubFromRedis(ctx, cfg)
	}
	return makeInMemoryPubSub(cfg)
}
