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

// Package ring maintains the sorted view of known peers, enforces
// neighborhood completeness, and answers closest-node queries for the
// routing engine.
package ring

import (
	"sort"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/instance"
	"github.com/overlaymesh/federation/internal/federation/partner"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/token"
	"github.com/overlaymesh/federation/internal/federation/wire"
)

// EdgeState is one neighborhood edge's completeness.
type EdgeState int

const (
	EdgeOpen EdgeState = iota
	EdgeExtended
	EdgeComplete
)

// ChangeHandler is invoked whenever the neighborhood range or
// completeness changes, the trigger for the routing engine to
// re-evaluate its holding list.
type ChangeHandler func()

// Ring is the sorted container of PartnerNode, keyed by id.
type Ring struct {
	mu sync.RWMutex

	selfID          ringid.ID
	selfRingName    string
	selfRouting     bool
	clockDriftRatio float64
	hoodSize        int

	ids      []ringid.ID // sorted
	partners map[ringid.ID]*partner.Node

	tokenMgr *token.Manager

	predEdge  EdgeState
	succEdge  EdgeState
	complete  bool

	onChange []ChangeHandler
}

// New constructs a ring centered on selfID.
func New(selfID ringid.ID, selfRingName string, hoodSize int, tokenMgr *token.Manager, clockDriftRatio float64) *Ring {
	return &Ring{
		selfID:          selfID,
		selfRingName:    selfRingName,
		hoodSize:        hoodSize,
		clockDriftRatio: clockDriftRatio,
		partners:        make(map[ringid.ID]*partner.Node),
		tokenMgr:        tokenMgr,
		predEdge:        EdgeOpen,
		succEdge:        EdgeOpen,
	}
}

// OnChange registers a callback fired when the neighborhood range or
// completeness changes. Multiple callbacks may be registered; all are
// invoked on each change.
func (r *Ring) OnChange(fn ChangeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = append(r.onChange, fn)
}

func (r *Ring) fireChange() {
	for _, fn := range r.onChange {
		fn()
	}
}

// SetSelfRouting marks whether the local node itself participates as a
// routing-phase candidate in closest-node queries.
func (r *Ring) SetSelfRouting(routing bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selfRouting = routing
}

func (r *Ring) insertSorted(id ringid.ID) {
	i := sort.Search(len(r.ids), func(i int) bool { return !r.ids[i].Less(id) })
	if i < len(r.ids) && r.ids[i].Equal(id) {
		return
	}
	r.ids = append(r.ids, ringid.Zero)
	copy(r.ids[i+1:], r.ids[i:])
	r.ids[i] = id
}

func (r *Ring) removeSorted(id ringid.ID) {
	i := sort.Search(len(r.ids), func(i int) bool { return !r.ids[i].Less(id) })
	if i < len(r.ids) && r.ids[i].Equal(id) {
		r.ids = append(r.ids[:i], r.ids[i+1:]...)
	}
}

// Consider is the idempotent upsert of a partner from a received
// header: it drops stale instances, replaces the cached token whenever
// the header reports a different token range (headers carry no token
// version, so none is compared), and reports whether the partner's
// range changed (the
// caller uses this to decide whether to fire a neighborhood-change
// event).
func (r *Ring) Consider(h wire.PartnerHeader, isInserting bool) (changed bool) {
	id, err := ringid.FromBytes(h.ID)
	if err != nil {
		return false
	}
	if id.Equal(r.selfID) {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.partners[id]
	if !ok {
		p = partner.New(id, h.RingName, h.TransportAddr, r.clockDriftRatio)
		r.partners[id] = p
		r.insertSorted(id)
	}

	inst := instance.Instance{ID: id, Counter: h.Instance}
	if !p.ConsiderInstance(inst) {
		return false
	}

	p.TouchConsider(time.Now())
	if isInserting {
		p.SetPhase(partner.PhaseInserting)
	} else {
		p.SetPhase(partner.Phase(h.Phase))
	}

	var newTok *token.Token
	if len(h.TokenBegin) == 16 && len(h.TokenEnd) == 16 {
		begin, errB := ringid.FromBytes(h.TokenBegin)
		end, errE := ringid.FromBytes(h.TokenEnd)
		if errB == nil && errE == nil {
			newTok = token.New(ringid.Range{Begin: begin, End: end})
		}
	}
	prevTok := p.Token()
	if newTok != nil && (prevTok == nil || !prevTok.Range.Begin.Equal(newTok.Range.Begin) || !prevTok.Range.End.Equal(newTok.Range.End)) {
		p.SetToken(newTok)
		changed = true
	}
	return changed
}

// ConsiderAndNotify is Consider plus the edge recomputation and
// change notification a caller outside this package (e.g. the join
// state machine registering a new peer directly, outside the usual
// neighborhood-header exchange) would otherwise have to reimplement.
func (r *Ring) ConsiderAndNotify(h wire.PartnerHeader, isInserting bool) bool {
	changed := r.Consider(h, isInserting)
	r.mu.Lock()
	r.recomputeEdges()
	if changed {
		r.fireChange()
	}
	r.mu.Unlock()
	return changed
}

// SetUnknown soft-marks a known peer as unreachable without removing
// it from the ring; it may be reconfirmed later.
func (r *Ring) SetUnknown(id ringid.ID) {
	r.mu.RLock()
	p, ok := r.partners[id]
	r.mu.RUnlock()
	if ok {
		p.SetUnknown(time.Now())
	}
}

// SetShutdown marks a peer Shutdown and drops its cached token.
// Transition to Shutdown is terminal. The peer stays in the ring view,
// so it is still listed among the neighborhood members, but it no
// longer counts as routing when the edges are recomputed.
func (r *Ring) SetShutdown(id ringid.ID) {
	r.mu.Lock()
	p, ok := r.partners[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	p.SetPhase(partner.PhaseShutdown)
	p.SetToken(nil)
	r.mu.Lock()
	r.recomputeEdges()
	r.mu.Unlock()
}

// Compact removes partners outside the neighborhood that have been
// idle beyond window.
func (r *Ring) Compact(window time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	predEdge, succEdge, _ := r.neighborhoodRangeLocked()
	for _, id := range append([]ringid.ID(nil), r.ids...) {
		p := r.partners[id]
		if predEdge.Contains(id) || succEdge.Contains(id) {
			continue
		}
		if p.IdleSince(now) < window {
			continue
		}
		delete(r.partners, id)
		r.removeSorted(id)
	}
}

// neighborhoodRangeLocked returns the current predecessor-side and
// successor-side arcs as a pair of Ranges centered on self. Caller must
// hold r.mu.
func (r *Ring) neighborhoodRangeLocked() (ringid.Range, ringid.Range, bool) {
	predCount, succCount := 0, 0
	predSteps, succSteps := 0, 0
	predID, succID := r.selfID, r.selfID
	for i := 0; i < len(r.ids) && predCount < r.hoodSize; i++ {
		id := r.prevIDLocked(predID)
		if id.Equal(r.selfID) {
			break
		}
		if r.isRoutingLocked(id) {
			predCount++
		}
		predID = id
		predSteps++
	}
	for i := 0; i < len(r.ids) && succCount < r.hoodSize; i++ {
		id := r.nextIDLocked(succID)
		if id.Equal(r.selfID) {
			break
		}
		if r.isRoutingLocked(id) {
			succCount++
		}
		succID = id
		succSteps++
	}
	predRange := ringid.Range{Begin: predID, End: r.selfID.Sub(ringid.FromUint64(1))}
	succRange := ringid.Range{Begin: r.selfID.Add(ringid.FromUint64(1)), End: succID}
	// The edges have met once the two walks between them cover every
	// known partner and at least one of those partners is routing.
	edgesMet := predCount+succCount > 0 && predSteps+succSteps >= len(r.ids)
	complete := (predCount >= r.hoodSize && succCount >= r.hoodSize) || edgesMet
	return predRange, succRange, complete
}

func (r *Ring) isRoutingLocked(id ringid.ID) bool {
	p, ok := r.partners[id]
	return ok && p.Phase() == partner.PhaseRouting
}

func (r *Ring) prevIDLocked(from ringid.ID) ringid.ID {
	i := sort.Search(len(r.ids), func(i int) bool { return !r.ids[i].Less(from) })
	if i == 0 {
		if len(r.ids) == 0 {
			return from
		}
		return r.ids[len(r.ids)-1]
	}
	return r.ids[i-1]
}

func (r *Ring) nextIDLocked(from ringid.ID) ringid.ID {
	i := sort.Search(len(r.ids), func(i int) bool { return from.Less(r.ids[i]) })
	if i == len(r.ids) {
		if len(r.ids) == 0 {
			return from
		}
		return r.ids[0]
	}
	return r.ids[i]
}

func (r *Ring) recomputeEdges() {
	_, _, complete := r.neighborhoodRangeLocked()
	was := r.complete
	r.complete = complete
	if complete {
		r.predEdge, r.succEdge = EdgeComplete, EdgeComplete
	} else {
		if r.predEdge == EdgeComplete {
			r.predEdge = EdgeOpen
		}
		if r.succEdge == EdgeComplete {
			r.succEdge = EdgeOpen
		}
	}
	if was != complete {
		r.fireChange()
	}
}

// GetHood returns the current neighborhood members and the contiguous
// range they span.
func (r *Ring) GetHood() ([]*partner.Node, ringid.Range) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	predRange, succRange, _ := r.neighborhoodRangeLocked()
	var out []*partner.Node
	for _, id := range r.ids {
		if predRange.Contains(id) || succRange.Contains(id) {
			out = append(out, r.partners[id])
		}
	}
	full := ringid.Merge([]ringid.Range{predRange, succRange})
	if len(full) == 1 {
		return out, full[0]
	}
	return out, predRange
}

// IsComplete reports whether both neighborhood edges currently meet the
// configured hoodSize, or the two edges have met (whole ring known).
func (r *Ring) IsComplete() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.complete
}

// GetPingTargets returns both edge partners plus a few more nearest to
// self, the immediate liveness-ping set.
func (r *Ring) GetPingTargets() []*partner.Node {
	hood, _ := r.GetHood()
	const extra = 2
	if len(hood) <= extra*2 {
		return hood
	}
	out := append([]*partner.Node{}, hood[:extra]...)
	out = append(out, hood[len(hood)-extra:]...)
	return out
}

// GetExtendedHood returns up to 2*hoodSize members on each side.
func (r *Ring) GetExtendedHood() []*partner.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	predID, succID := r.selfID, r.selfID
	seen := make(map[ringid.ID]bool)
	var out []*partner.Node
	for i := 0; i < 2*r.hoodSize; i++ {
		predID = r.prevIDLocked(predID)
		if predID.Equal(r.selfID) || seen[predID] {
			break
		}
		seen[predID] = true
		out = append(out, r.partners[predID])
	}
	for i := 0; i < 2*r.hoodSize; i++ {
		succID = r.nextIDLocked(succID)
		if succID.Equal(r.selfID) || seen[succID] {
			break
		}
		seen[succID] = true
		out = append(out, r.partners[succID])
	}
	return out
}

// FindClosest returns the known routing-phase node minimizing
// MinDist(candidate.Id, id); ties prefer the larger id. Self is
// considered a candidate when it is routing.
func (r *Ring) FindClosest(id ringid.ID, ringName string) *partner.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findClosestLocked(id, ringName, false)
}

func (r *Ring) findClosestLocked(id ringid.ID, ringName string, safeMode bool) *partner.Node {
	var best *partner.Node
	bestID := ringid.Zero
	found := false
	consider := func(candID ringid.ID, p *partner.Node) {
		if p != nil {
			if p.Phase() != partner.PhaseRouting || p.RingName() != ringName {
				return
			}
			if safeMode && p.IsUnknown() {
				return
			}
		}
		if !found || ringid.Closer(id, candID, bestID) {
			best = p
			bestID = candID
			found = true
		}
	}

	if r.selfRouting && r.selfRingName == ringName {
		// self is a candidate too; consider() leaves best nil but moves
		// bestID to self so a closer partner must beat it explicitly.
		consider(r.selfID, nil)
	}
	for _, pid := range r.ids {
		consider(pid, r.partners[pid])
	}
	if best == nil && bestID.Equal(r.selfID) && r.selfRouting {
		return nil // caller interprets nil+ownsToken as local dispatch
	}
	return best
}

// GetRoutingHop reports the closest node the same way FindClosest does,
// and additionally whether the local node's own token covers id. In
// safeMode the search is restricted to partners that are unambiguously
// routing and not currently marked unknown.
func (r *Ring) GetRoutingHop(id ringid.ID, ringName string, safeMode bool) (closest *partner.Node, ownsToken bool, isSelf bool) {
	owns := r.tokenMgr != nil && r.tokenMgr.Owns(id)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selfRouting && r.selfRingName == ringName && owns {
		return nil, true, true
	}
	return r.findClosestLocked(id, ringName, safeMode), owns, false
}

// AddNeighborHeaders appends the local neighborhood range and the
// versioned list of known peers in that range to an outbound message.
func (r *Ring) AddNeighborHeaders(msg *wire.Message, isRingToRing bool) {
	hood, rng := r.GetHood()
	h := &wire.Neighborhood{
		RangeBegin: rng.Begin.Bytes(),
		RangeEnd:   rng.End.Bytes(),
	}
	for _, p := range hood {
		tok := p.Token()
		ph := wire.PartnerHeader{
			ID:            p.ID().Bytes(),
			Instance:      p.Instance().Counter,
			RingName:      p.RingName(),
			TransportAddr: p.TransportAddr(),
			Phase:         int(p.Phase()),
		}
		if tok != nil {
			ph.TokenBegin = tok.Range.Begin.Bytes()
			ph.TokenEnd = tok.Range.End.Bytes()
		}
		h.Partners = append(h.Partners, ph)
		if p.IsShutdown() {
			h.ShutdownIDs = append(h.ShutdownIDs, p.ID().Bytes())
		}
	}
	msg.Bag.Neighborhood = h
}

// SelfPartnerHeader builds the PartnerHeader describing the local node
// itself, for a responder to attach to a query reply: the other half
// of AddNeighborHeaders, which only describes already-known peers and
// never the responder.
func (r *Ring) SelfPartnerHeader(addr string, self instance.Instance) wire.PartnerHeader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phase := partner.PhaseInserting
	if r.selfRouting {
		phase = partner.PhaseRouting
	}
	ph := wire.PartnerHeader{
		ID:            r.selfID.Bytes(),
		Instance:      self.Counter,
		RingName:      r.selfRingName,
		TransportAddr: addr,
		Phase:         int(phase),
	}
	if r.tokenMgr != nil {
		tok := r.tokenMgr.Current()
		ph.TokenBegin = tok.Range.Begin.Bytes()
		ph.TokenEnd = tok.Range.End.Bytes()
	}
	return ph
}

// ProcessNeighborHeaders considers every Routing-phase partner the
// sender reports and marks each id on the sender's shutdown list as
// Shutdown. It does not check whether the sender's range abuts or
// overlaps a local edge, nor whether a reported range is consistent;
// from, fromRing and instanceMatched are not consulted.
func (r *Ring) ProcessNeighborHeaders(msg *wire.Message, from ringid.ID, fromRing string, instanceMatched bool) {
	h := msg.Bag.Neighborhood
	if h == nil {
		return
	}
	changed := false
	for _, ph := range h.Partners {
		if ph.Phase != int(partner.PhaseRouting) {
			continue
		}
		if r.Consider(ph, false) {
			changed = true
		}
	}
	for _, shutdownID := range h.ShutdownIDs {
		if id, err := ringid.FromBytes(shutdownID); err == nil {
			r.SetShutdown(id)
		}
	}
	r.mu.Lock()
	r.recomputeEdges()
	r.mu.Unlock()
	if changed {
		r.mu.RLock()
		r.fireChange()
		r.mu.RUnlock()
	}
}

// Lookup returns the cached partner for id, if any.
func (r *Ring) Lookup(id ringid.ID) (*partner.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.partners[id]
	return p, ok
}

// Count returns the number of known partners, including non-routing
// ones.
func (r *Ring) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// FindByAddress looks up a partner by its transport address, for
// callers (transport fault reporting) that only observe an address, not
// an id.
func (r *Ring) FindByAddress(addr string) (*partner.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.partners {
		if p.TransportAddr() == addr {
			return p, true
		}
	}
	return nil, false
}
