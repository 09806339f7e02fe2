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

package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/overlaymesh/federation/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryKVGetSet(t *testing.T) {
	ctx := context.Background()
	cfg := &testConfig
	store, err := kv.New(ctx, cfg)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v")))
	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestMemoryKVSetNXAdmitsOnlyOne(t *testing.T) {
	ctx := context.Background()
	store, err := kv.New(ctx, &testConfig)
	require.NoError(t, err)
	defer store.Close()

	first, err := store.SetNX(ctx, "lock", []byte("a"), time.Minute)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := store.SetNX(ctx, "lock", []byte("b"), time.Minute)
	require.NoError(t, err)
	assert.False(t, second)
}

func TestMemoryKVExpire(t *testing.T) {
	ctx := context.Background()
	store, err := kv.New(ctx, &testConfig)
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Set(ctx, "k", []byte("v")))
	require.NoError(t, store.Expire(ctx, "k", time.Millisecond))
	time.Sleep(10 * time.Millisecond)

	ok, err := store.Has(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}
