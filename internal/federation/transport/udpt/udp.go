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

// Package udpt is the real Transport implementation, carrying msgpack
// envelopes over UDP datagrams. It layers request/reply correlation
// and fault detection on top of UDP's connectionless delivery, the way
// a framed protocol layers over a raw net.UDPConn.
package udpt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
	"github.com/tinylib/msgp/msgp"
)

const maxDatagramSize = 65507

type envelopeKind uint8

const (
	kindSend envelopeKind = iota
	kindRequest
	kindReply
)

type envelope struct {
	Kind          envelopeKind
	CorrelationID string
	Message       wire.Message
}

func (e *envelope) marshal() ([]byte, error) {
	o := msgp.AppendMapHeader(nil, 3)
	o = msgp.AppendString(o, "kind")
	o = msgp.AppendUint8(o, uint8(e.Kind))
	o = msgp.AppendString(o, "corr")
	o = msgp.AppendString(o, e.CorrelationID)
	o = msgp.AppendString(o, "msg")
	msgBytes, err := e.Message.MarshalMsg(nil)
	if err != nil {
		return nil, fmt.Errorf("udpt: marshaling inner message: %w", err)
	}
	o = msgp.AppendBytes(o, msgBytes)
	return o, nil
}

func (e *envelope) unmarshal(b []byte) error {
	n, b, err := msgp.ReadMapHeaderBytes(b)
	if err != nil {
		return fmt.Errorf("udpt: reading envelope header: %w", err)
	}
	for i := uint32(0); i < n; i++ {
		var field string
		field, b, err = msgp.ReadStringBytes(b)
		if err != nil {
			return fmt.Errorf("udpt: reading envelope field name: %w", err)
		}
		switch field {
		case "kind":
			var k uint8
			k, b, err = msgp.ReadUint8Bytes(b)
			e.Kind = envelopeKind(k)
		case "corr":
			e.CorrelationID, b, err = msgp.ReadStringBytes(b)
		case "msg":
			var raw []byte
			raw, b, err = msgp.ReadBytesBytes(b, nil)
			if err == nil {
				_, err = e.Message.UnmarshalMsg(raw)
			}
		default:
			b, err = msgp.Skip(b)
		}
		if err != nil {
			return fmt.Errorf("udpt: reading envelope field %q: %w", field, err)
		}
	}
	return nil
}

// Transport implements transport.Transport over a single UDP socket.
type Transport struct {
	conn   *net.UDPConn
	local  string
	logger *slog.Logger

	mu       sync.Mutex
	pending  map[string]chan *wire.Message
	faultFn  transport.FaultHandler
	handler  transport.Handler

	closeOnce sync.Once
	done      chan struct{}
}

// Listen opens a UDP socket at bind and starts its receive loop.
func Listen(bind string, logger *slog.Logger) (*Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, fmt.Errorf("udpt: resolving %s: %w", bind, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("udpt: listening on %s: %w", bind, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		conn:    conn,
		local:   conn.LocalAddr().String(),
		logger:  logger,
		pending: make(map[string]chan *wire.Message),
		done:    make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.done:
				return
			default:
			}
			t.logger.Warn("udpt: read error", "error", err)
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		go t.handleDatagram(payload, from)
	}
}

func (t *Transport) handleDatagram(payload []byte, from *net.UDPAddr) {
	var env envelope
	if err := env.unmarshal(payload); err != nil {
		t.logger.Warn("udpt: dropping malformed datagram", "from", from.String(), "error", err)
		return
	}

	switch env.Kind {
	case kindReply:
		t.mu.Lock()
		ch, ok := t.pending[env.CorrelationID]
		if ok {
			delete(t.pending, env.CorrelationID)
		}
		t.mu.Unlock()
		if ok {
			ch <- &env.Message
		}
	case kindSend, kindRequest:
		t.mu.Lock()
		handler := t.handler
		t.mu.Unlock()
		if handler == nil {
			return
		}
		ctx := context.Background()
		reply, err := handler(ctx, transport.Target{Address: from.String()}, &env.Message)
		if err != nil {
			t.logger.Warn("udpt: handler error", "from", from.String(), "error", err)
			return
		}
		if env.Kind == kindRequest && reply != nil {
			t.sendEnvelope(&envelope{Kind: kindReply, CorrelationID: env.CorrelationID, Message: *reply}, from)
		}
	}
}

func (t *Transport) sendEnvelope(env *envelope, to *net.UDPAddr) {
	b, err := env.marshal()
	if err != nil {
		t.logger.Warn("udpt: marshaling outbound envelope", "error", err)
		return
	}
	if _, err := t.conn.WriteToUDP(b, to); err != nil {
		t.logger.Warn("udpt: write error", "to", to.String(), "error", err)
		if t.faultFn != nil {
			t.faultFn(transport.Target{Address: to.String()})
		}
	}
}

func (t *Transport) resolve(address string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("udpt: resolving target %s: %w", address, err)
	}
	return addr, nil
}

func (t *Transport) Send(_ context.Context, msg *wire.Message, target transport.Target) error {
	addr, err := t.resolve(target.Address)
	if err != nil {
		return err
	}
	t.sendEnvelope(&envelope{Kind: kindSend, Message: *msg}, addr)
	return nil
}

func (t *Transport) SendRequest(ctx context.Context, msg *wire.Message, target transport.Target, timeout time.Duration) (*wire.Message, error) {
	addr, err := t.resolve(target.Address)
	if err != nil {
		return nil, err
	}

	corr := uuid.NewString()
	ch := make(chan *wire.Message, 1)
	t.mu.Lock()
	t.pending[corr] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, corr)
		t.mu.Unlock()
	}()

	t.sendEnvelope(&envelope{Kind: kindRequest, CorrelationID: corr, Message: *msg}, addr)

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if t.faultFn != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.faultFn(target)
		}
		return nil, fmt.Errorf("udpt: request to %s: %w", target.Address, ctx.Err())
	}
}

func (t *Transport) OnFault(fn transport.FaultHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.faultFn = fn
}

// Handle installs the handler for inbound sends and requests.
func (t *Transport) Handle(fn transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = fn
}

func (t *Transport) LocalAddress() string { return t.local }

func (t *Transport) Close() error {
	t.closeOnce.Do(func() { close(t.done) })
	if err := t.conn.Close(); err != nil {
		return fmt.Errorf("udpt: closing socket: %w", err)
	}
	return nil
}
