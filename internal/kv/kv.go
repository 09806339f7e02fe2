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

// Package kv is a pluggable key-value store: in-memory for a single
// federation node, Redis when the instance-id counter must be visible
// across a process group. Grounded on the
// teacher's internal/kv interface, completed and made context-aware.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/overlaymesh/federation/internal/config"
)

// ErrNotFound is returned by Get when key has no value (or has expired).
var ErrNotFound = errors.New("kv: key not found")

// KV is the store the federation core persists small bits of durable
// state through: the instance-id counter (internal/federation/instance).
// The join lock table is an in-memory map inside internal/federation/join
// and does not use this store.
type KV interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// SetNX sets key only if it does not already exist, returning
	// whether the set happened.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// New creates a key-value store client per cfg.
func New(ctx context.Context, cfg *config.Config) (KV, error) {
	if cfg.Redis.Enabled {
		return newRedisKV(ctx, cfg)
	}
	return newMemoryKV(), nil
}
