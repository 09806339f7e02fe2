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

// Package config is the typed, validated configuration for a federation
// node, loaded through configulator (env vars + optional file) rather
// than the ad-hoc os.Getenv style of older single-file configs.
package config

import "time"

// Config is the root configuration object for a federation node.
type Config struct {
	LogLevel LogLevel `yaml:"log_level" env:"LOG_LEVEL" default:"info"`

	// NodeID is the local node's identifier, hex-encoded 128 bits. If
	// empty, one is derived deterministically from Listen at startup.
	NodeID string `yaml:"node_id" env:"NODE_ID"`
	// RingName identifies which ring this process joins; federation
	// cores supporting more than one ring key neighborhoods by it.
	RingName string `yaml:"ring_name" env:"RING_NAME" default:"default"`

	Listen Listen `yaml:"listen"`
	Seeds  []Seed `yaml:"seeds" env:"SEEDS"`

	Ring      Ring      `yaml:"ring"`
	Join      Join      `yaml:"join"`
	Routing   Routing   `yaml:"routing"`
	Broadcast Broadcast `yaml:"broadcast"`
	Lease     Lease     `yaml:"lease"`
	Instance  Instance  `yaml:"instance"`

	Redis   Redis   `yaml:"redis"`
	Admin   Admin   `yaml:"admin"`
	Metrics Metrics `yaml:"metrics"`
}

// Listen is the transport's bind address.
type Listen struct {
	Address string `yaml:"address" env:"LISTEN_ADDRESS" default:"0.0.0.0"`
	Port    int    `yaml:"port" env:"LISTEN_PORT" default:"27100"`
}

// Seed is a well-known peer used to bootstrap the neighborhood query
// phase of joining when the local node has no prior neighborhood.
type Seed struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Ring configures the neighborhood view.
type Ring struct {
	// NeighborhoodSize is the hoodSize bound: the minimum number of
	// live routing nodes on each side required for completeness.
	NeighborhoodSize int `yaml:"neighborhood_size" env:"RING_NEIGHBORHOOD_SIZE" default:"3"`
	// LivenessUpdateInterval is the cadence at which a partner not
	// recently observed is proactively pinged.
	LivenessUpdateInterval time.Duration `yaml:"liveness_update_interval" default:"10s"`
	// PingInterval is the periodic per-neighbor ping cadence.
	PingInterval time.Duration `yaml:"ping_interval" default:"5s"`
	// IdleCompactionWindow is how long a partner may sit outside the
	// neighborhood, unaccessed, before it is compacted.
	IdleCompactionWindow time.Duration `yaml:"idle_compaction_window" default:"10m"`
	// GlobalTimeClockDriftRatio widens GlobalTimeUpperLimit as real
	// time passes without a refresh.
	GlobalTimeClockDriftRatio float64 `yaml:"global_time_clock_drift_ratio" default:"0.0001"`
}

// Join configures the join state machine and its lock/throttle managers.
type Join struct {
	LockDuration                 time.Duration `yaml:"lock_duration" default:"30s"`
	LockRequestTimeout           time.Duration `yaml:"lock_request_timeout" default:"5s"`
	ThrottleLowThreshold         int           `yaml:"throttle_low_threshold" default:"2"`
	ThrottleHighThreshold        int           `yaml:"throttle_high_threshold" default:"8"`
	ThrottleActiveInterval       time.Duration `yaml:"throttle_active_interval" default:"2s"`
	ThrottleTimeout              time.Duration `yaml:"throttle_timeout" default:"60s"`
	ThrottleCheckInterval        time.Duration `yaml:"throttle_check_interval" default:"1s"`
	NeighborhoodQueryRetryPeriod time.Duration `yaml:"neighborhood_query_retry_interval" default:"3s"`
	NonSeedNodeJoinWait          time.Duration `yaml:"non_seed_node_join_wait_interval" default:"500ms"`
	OpenTimeout                  time.Duration `yaml:"open_timeout" default:"2m"`
}

// Routing configures the routing engine.
type Routing struct {
	TokenAcquireTimeout time.Duration `yaml:"token_acquire_timeout" default:"5s"`
	RetryTimeout        time.Duration `yaml:"retry_timeout" default:"2s"`
	MessageTimeout      time.Duration `yaml:"message_timeout" default:"15s"`
	MaxRetries          int           `yaml:"max_retries" default:"8"`
}

// Broadcast configures the broadcast and multicast engines.
type Broadcast struct {
	PropagationFactor  int           `yaml:"propagation_factor" default:"4"`
	ContextKeepAlive   time.Duration `yaml:"context_keep_duration" default:"30s"`
	RetryInterval      time.Duration `yaml:"retry_interval" default:"3s"`
	ReapSweepInterval  time.Duration `yaml:"reap_sweep_interval" default:"5s"`
}

// Lease configures the hints passed to the external lease agent.
type Lease struct {
	Duration                 time.Duration `yaml:"duration" default:"30s"`
	DurationAcrossFaultDomain time.Duration `yaml:"duration_across_fault_domain" default:"45s"`
	ArbitrationWindow        time.Duration `yaml:"arbitration_window" default:"5s"`
	ReplacementGracePeriod   time.Duration `yaml:"replacement_grace_period" default:"20s"`
}

// Instance configures where the persisted InstanceId counter lives.
type Instance struct {
	Backend  InstanceCounterBackend `yaml:"backend" env:"INSTANCE_BACKEND" default:"file"`
	FilePath string                 `yaml:"file_path" env:"INSTANCE_FILE_PATH" default:"./data/instance.counter"`
	Driver   DatabaseDriver         `yaml:"driver" default:"sqlite"`
	DSN      string                 `yaml:"dsn" env:"INSTANCE_DSN" default:"./data/instance.db"`
}

// Redis configures the shared kv/pubsub backend used when a federation
// deployment runs more than one process per host and needs the
// instance counter and neighborhood-change fan-out visible across them.
type Redis struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED" default:"false"`
	Host     string `yaml:"host" env:"REDIS_HOST" default:"localhost"`
	Port     int    `yaml:"port" env:"REDIS_PORT" default:"6379"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
}

// Admin configures the minimal admin HTTP surface (health, ring dump,
// metrics, pprof), kept on net/http rather than a web framework since
// the surface is a handful of read-only introspection endpoints.
type Admin struct {
	Enabled bool   `yaml:"enabled" env:"ADMIN_ENABLED" default:"true"`
	Bind    string `yaml:"bind" env:"ADMIN_BIND" default:"127.0.0.1:27180"`
	PProf   bool   `yaml:"pprof" env:"ADMIN_PPROF" default:"false"`
}

// Metrics configures optional OTLP trace export alongside the always-on
// Prometheus registry.
type Metrics struct {
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
}
