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

package instance

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/overlaymesh/federation/internal/kv"
)

// KVCounter is a Counter backed by internal/kv's pluggable key-value
// abstraction (in-memory for a single process, Redis when the
// deployment wants the counter centralized across restarts on
// different hosts).
type KVCounter struct {
	store kv.KV
	key   string
}

// NewKVCounter returns a Counter that persists through store under key.
func NewKVCounter(store kv.KV, nodeID string) *KVCounter {
	return &KVCounter{store: store, key: fmt.Sprintf("federation:instance-counter:%s", nodeID)}
}

// Next implements Counter.
func (c *KVCounter) Next(ctx context.Context, wallClockFloor int64) (int64, error) {
	var stored int64
	raw, err := c.store.Get(ctx, c.key)
	switch {
	case err != nil && !errors.Is(err, kv.ErrNotFound):
		return 0, fmt.Errorf("instance: reading counter: %w", err)
	case err == nil && len(raw) == 8:
		stored = int64(binary.BigEndian.Uint64(raw))
	}

	next := stored + 1
	if wallClockFloor > next {
		next = wallClockFloor
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := c.store.Set(ctx, c.key, buf); err != nil {
		return 0, fmt.Errorf("instance: persisting counter: %w", err)
	}
	return next, nil
}

// FileCounter is a Counter backed by a small per-node file on disk
// holding the last-issued counter value. It is best-effort: if the file
// cannot be read or written, Next still returns a value derived from
// wallClockFloor rather than failing the open.
type FileCounter struct {
	path string
}

// NewFileCounter returns a Counter persisting to path.
func NewFileCounter(path string) *FileCounter {
	return &FileCounter{path: path}
}

// Next implements Counter.
func (c *FileCounter) Next(_ context.Context, wallClockFloor int64) (int64, error) {
	var stored int64
	if raw, err := os.ReadFile(c.path); err == nil && len(raw) == 8 {
		stored = int64(binary.BigEndian.Uint64(raw))
	} else if err != nil && !os.IsNotExist(err) {
		slog.Warn("instance: counter file unreadable, falling back to wall clock", "path", c.path, "error", err)
	}

	next := stored + 1
	if wallClockFloor > next {
		next = wallClockFloor
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err == nil {
		tmp := c.path + ".tmp"
		if werr := os.WriteFile(tmp, buf, 0o644); werr == nil {
			if rerr := os.Rename(tmp, c.path); rerr != nil {
				slog.Warn("instance: failed to atomically replace counter file", "path", c.path, "error", rerr)
			}
		} else {
			slog.Warn("instance: failed to write counter file", "path", c.path, "error", werr)
		}
	}
	// Best-effort: persistence failures never fail Next.
	return next, nil
}
