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

package kv

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type memValue struct {
	value   []byte
	expires time.Time // zero means no expiry
}

func (v memValue) expired(now time.Time) bool {
	return !v.expires.IsZero() && v.expires.Before(now)
}

type memoryKV struct {
	m *xsync.Map[string, memValue]
}

func newMemoryKV() *memoryKV {
	return &memoryKV{m: xsync.NewMap[string, memValue]()}
}

func (kv *memoryKV) Has(_ context.Context, key string) (bool, error) {
	v, ok := kv.m.Load(key)
	if !ok {
		return false, nil
	}
	if v.expired(time.Now()) {
		kv.m.Delete(key)
		return false, nil
	}
	return true, nil
}

func (kv *memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := kv.m.Load(key)
	if !ok || v.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return v.value, nil
}

func (kv *memoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.m.Store(key, memValue{value: value})
	return nil
}

func (kv *memoryKV) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var expires time.Time
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	_, loaded := kv.m.LoadOrStore(key, memValue{value: value, expires: expires})
	if !loaded {
		return true, nil
	}
	// Lost the race, or a live value already exists, unless it expired.
	existing, _ := kv.m.Load(key)
	if existing.expired(time.Now()) {
		kv.m.Store(key, memValue{value: value, expires: expires})
		return true, nil
	}
	return false, nil
}

func (kv *memoryKV) Delete(_ context.Context, key string) error {
	kv.m.Delete(key)
	return nil
}

func (kv *memoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	v, ok := kv.m.Load(key)
	if !ok {
		return ErrNotFound
	}
	if ttl <= 0 {
		kv.m.Delete(key)
		return nil
	}
	v.expires = time.Now().Add(ttl)
	kv.m.Store(key, v)
	return nil
}

func (kv *memoryKV) Close() error { return nil }
