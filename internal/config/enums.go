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

package config

// LogLevel represents the logging level for the application.
type LogLevel string

const (
	// LogLevelDebug is the debug logging level, providing detailed information.
	LogLevelDebug LogLevel = "debug"
	// LogLevelInfo is the informational logging level, providing general information.
	LogLevelInfo LogLevel = "info"
	// LogLevelWarn is the warning logging level, indicating potential issues.
	LogLevelWarn LogLevel = "warn"
	// LogLevelError is the error logging level, indicating serious issues.
	LogLevelError LogLevel = "error"
)

// InstanceCounterBackend selects where the persisted InstanceId counter
// lives.
type InstanceCounterBackend string

const (
	// InstanceCounterFile persists the counter to a local file.
	InstanceCounterFile InstanceCounterBackend = "file"
	// InstanceCounterKV persists the counter through internal/kv.
	InstanceCounterKV InstanceCounterBackend = "kv"
	// InstanceCounterGorm persists the counter to a SQL row via gorm.
	InstanceCounterGorm InstanceCounterBackend = "gorm"
)

// DatabaseDriver names the gorm driver used by the gorm-backed instance
// counter, when InstanceCounterBackend is InstanceCounterGorm.
type DatabaseDriver string

const (
	// DatabaseDriverSQLite is the pure-Go, CGO-free sqlite driver.
	DatabaseDriverSQLite DatabaseDriver = "sqlite"
	// DatabaseDriverPostgres is the postgres driver, for a deployment
	// that centralizes the counter row alongside other cluster state.
	DatabaseDriverPostgres DatabaseDriver = "postgres"
)
