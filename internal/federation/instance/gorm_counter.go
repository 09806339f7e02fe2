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
	"fmt"
	"sync"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// counterRow is the single-row table GormCounter persists the
// last-issued counter value in. A deployment that wants the counter
// centralized alongside other cluster state in a real database reaches
// for this backend instead of KVCounter's kv.KV abstraction.
type counterRow struct {
	NodeID string `gorm:"primaryKey"`
	Value  int64
}

// GormCounter is a Counter backed by a SQL row via gorm, for
// deployments that already run postgres (or want a durable sqlite
// file distinct from FileCounter's raw binary format) and would rather
// manage the instance counter the same way as the rest of their
// cluster state.
type GormCounter struct {
	mu     sync.Mutex
	db     *gorm.DB
	nodeID string
}

// NewGormCounter opens driver at dsn and returns a Counter that persists
// through it. driver is either "sqlite" or "postgres".
func NewGormCounter(driver, dsn, nodeID string) (*GormCounter, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("instance: unsupported gorm driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("instance: opening %s database: %w", driver, err)
	}
	if err := db.AutoMigrate(&counterRow{}); err != nil {
		return nil, fmt.Errorf("instance: migrating counter table: %w", err)
	}
	return &GormCounter{db: db, nodeID: nodeID}, nil
}

// Next implements Counter.
func (c *GormCounter) Next(ctx context.Context, wallClockFloor int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next int64
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row counterRow
		result := tx.Where("node_id = ?", c.nodeID).Limit(1).Find(&row)
		if result.Error != nil {
			return result.Error
		}

		next = row.Value + 1
		if wallClockFloor > next {
			next = wallClockFloor
		}

		if result.RowsAffected == 0 {
			return tx.Create(&counterRow{NodeID: c.nodeID, Value: next}).Error
		}
		return tx.Model(&counterRow{}).Where("node_id = ?", c.nodeID).Update("value", next).Error
	})
	if err != nil {
		return 0, fmt.Errorf("instance: persisting counter: %w", err)
	}
	return next, nil
}
