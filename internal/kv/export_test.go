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

import "github.com/overlaymesh/federation/internal/config"

// testConfig is an in-memory-backed configuration shared by this
// package's tests.
var testConfig = config.Config{}
