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

package routing

import "github.com/puzpuzpuz/xsync/v4"

// idempotencySet is the in-process set of routing-level message ids
// currently being processed at this hop. A message id is inserted
// before any hop work begins and removed only after the hop's terminal
// outcome; a retried duplicate observed while still present is ignored
// without re-dispatch.
type idempotencySet struct {
	inFlight *xsync.Map[string, struct{}]
}

func newIdempotencySet() *idempotencySet {
	return &idempotencySet{inFlight: xsync.NewMap[string, struct{}]()}
}

// TryBegin inserts id if absent, reporting whether this call was the
// one that inserted it (false means the id is already in flight).
func (s *idempotencySet) TryBegin(id string) bool {
	_, loaded := s.inFlight.LoadOrStore(id, struct{}{})
	return !loaded
}

// End removes id, permitting a future retry to be treated as new.
func (s *idempotencySet) End(id string) {
	s.inFlight.Delete(id)
}

// InFlight reports whether id is currently being processed.
func (s *idempotencySet) InFlight(id string) bool {
	_, ok := s.inFlight.Load(id)
	return ok
}
