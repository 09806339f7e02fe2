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

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/federation/wire"
)

// Network is a shared in-process registry of Loopback transports,
// keyed by address, used to exercise the full core against many nodes
// in a single test binary without opening real sockets.
type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Loopback
}

// NewNetwork returns an empty shared registry.
func NewNetwork() *Network {
	return &Network{nodes: make(map[string]*Loopback)}
}

// Loopback is a Transport that delivers directly to another Loopback
// registered on the same Network, bypassing any real network stack.
type Loopback struct {
	net     *Network
	address string

	mu       sync.RWMutex
	handler  Handler
	faultFn  FaultHandler
	downed   map[string]bool
}

// NewLoopback registers and returns a transport bound to address on
// net. Only one Loopback per address may be registered at a time.
func NewLoopback(net *Network, address string) *Loopback {
	l := &Loopback{net: net, address: address, downed: make(map[string]bool)}
	net.mu.Lock()
	net.nodes[address] = l
	net.mu.Unlock()
	return l
}

// Handle installs the handler invoked for inbound messages.
func (l *Loopback) Handle(fn Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = fn
}

// SetDown simulates target being unreachable from l, for failure
// injection in tests.
func (l *Loopback) SetDown(target string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if down {
		l.downed[target] = true
	} else {
		delete(l.downed, target)
	}
}

func (l *Loopback) peer(address string) (*Loopback, error) {
	l.mu.RLock()
	down := l.downed[address]
	l.mu.RUnlock()
	if down {
		return nil, fmt.Errorf("transport: %s unreachable from %s", address, l.address)
	}
	l.net.mu.RLock()
	defer l.net.mu.RUnlock()
	peer, ok := l.net.nodes[address]
	if !ok {
		return nil, fmt.Errorf("transport: no such address %s", address)
	}
	return peer, nil
}

func (l *Loopback) Send(ctx context.Context, msg *wire.Message, target Target) error {
	_, err := l.deliver(ctx, msg, target, 0, false)
	return err
}

func (l *Loopback) SendRequest(ctx context.Context, msg *wire.Message, target Target, timeout time.Duration) (*wire.Message, error) {
	return l.deliver(ctx, msg, target, timeout, true)
}

func (l *Loopback) deliver(ctx context.Context, msg *wire.Message, target Target, timeout time.Duration, wantReply bool) (*wire.Message, error) {
	peer, err := l.peer(target.Address)
	if err != nil {
		if l.faultFn != nil {
			l.faultFn(target)
		}
		return nil, err
	}
	peer.mu.RLock()
	handler := peer.handler
	peer.mu.RUnlock()
	if handler == nil {
		return nil, fmt.Errorf("transport: %s has no handler installed", target.Address)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := handler(ctx, Target{Address: l.address}, msg)
	if err != nil {
		return nil, err
	}
	if !wantReply {
		return nil, nil
	}
	return reply, nil
}

func (l *Loopback) OnFault(fn FaultHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faultFn = fn
}

func (l *Loopback) LocalAddress() string { return l.address }

func (l *Loopback) Close() error {
	l.net.mu.Lock()
	defer l.net.mu.Unlock()
	delete(l.net.nodes, l.address)
	return nil
}
