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

import "sync"

// heldRequest is a route operation parked because no closest target
// could be chosen at arrival time, or because the local node is the
// closest but does not yet own the destination's token.
type heldRequest struct {
	id     string
	resume func()
}

// holdingList is the routing engine's queue of parked contexts,
// re-evaluated in full on every neighborhood-change or token-change
// event.
type holdingList struct {
	mu   sync.Mutex
	held map[string]*heldRequest
}

func newHoldingList() *holdingList {
	return &holdingList{held: make(map[string]*heldRequest)}
}

// Hold parks req under id, replacing any previously held request with
// the same id.
func (h *holdingList) Hold(id string, resume func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.held[id] = &heldRequest{id: id, resume: resume}
}

// Release removes id from the holding list without resuming it, used
// when a held context reaches a terminal outcome some other way (e.g.
// its overall deadline expires).
func (h *holdingList) Release(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.held, id)
}

// ReevaluateAll resumes every currently held request. A request that
// resolves calls Release itself (via the routing engine's retry path)
// rather than being removed here, since re-evaluation may decide to
// hold it again.
func (h *holdingList) ReevaluateAll() {
	h.mu.Lock()
	pending := make([]*heldRequest, 0, len(h.held))
	for _, r := range h.held {
		pending = append(pending, r)
	}
	h.mu.Unlock()
	for _, r := range pending {
		go r.resume()
	}
}

// Len reports how many requests are currently parked.
func (h *holdingList) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.held)
}
