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

// Package node wires the federation core's components — ring,
// token manager, routing, broadcast, multicast, ping, lease, and join —
// into a single object with an Open/Close lifecycle, and dispatches
// inbound wire messages to the component that owns their action.
package node

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/overlaymesh/federation/internal/config"
	"github.com/overlaymesh/federation/internal/federation/arbitration"
	"github.com/overlaymesh/federation/internal/federation/broadcast"
	"github.com/overlaymesh/federation/internal/federation/ferr"
	"github.com/overlaymesh/federation/internal/federation/instance"
	"github.com/overlaymesh/federation/internal/federation/join"
	"github.com/overlaymesh/federation/internal/federation/lease"
	"github.com/overlaymesh/federation/internal/federation/multicast"
	"github.com/overlaymesh/federation/internal/federation/ping"
	"github.com/overlaymesh/federation/internal/federation/ring"
	"github.com/overlaymesh/federation/internal/federation/ringid"
	"github.com/overlaymesh/federation/internal/federation/routing"
	"github.com/overlaymesh/federation/internal/federation/token"
	"github.com/overlaymesh/federation/internal/federation/transport"
	"github.com/overlaymesh/federation/internal/federation/wire"
	"github.com/overlaymesh/federation/internal/kv"
	"github.com/overlaymesh/federation/internal/metrics"
)

// Application is the consumer's message handler: the only inbound
// action a node doesn't already know how to route to a core component
// (liveness, join, routing, broadcast, multicast).
type Application interface {
	Dispatch(ctx context.Context, msg *wire.Message) (*wire.Message, error)
}

// Notifier fans out a local ring-change observation to other processes
// (e.g. a pubsub backend shared by a fleet of nodes). Nil is a valid
// Notifier: a node with no cross-process audience simply doesn't publish.
type Notifier interface {
	Publish(topic string, message []byte) error
}

// Node is one federation ring member: the owner of a contiguous range
// of the identifier circle and the neighborhood view around it.
type Node struct {
	cfg    *config.Config
	logger *slog.Logger

	id       ringid.ID
	ringName string

	transport transport.Transport
	counter   instance.Counter

	ring       *ring.Ring
	tokenMgr   *token.Manager
	routingEng *routing.Engine
	broadcastEng *broadcast.Engine
	multicastEng *multicast.Engine
	pingEng    *ping.Engine
	leaseAgent *lease.LocalAgent
	implicit   *lease.ImplicitContext
	joinMgr    *join.Manager

	app      Application
	metrics  *metrics.Metrics
	notifier Notifier

	mu          sync.Mutex
	self        instance.Instance
	closed      bool
	cancelTicks context.CancelFunc
}

// New constructs a node from cfg, without opening the transport or
// joining the ring; call Open to do that. m may be nil, in which case
// the node runs without recording metrics.
func New(cfg *config.Config, store kv.KV, t transport.Transport, app Application, m *metrics.Metrics, logger *slog.Logger) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, err := resolveID(cfg)
	if err != nil {
		return nil, err
	}

	counter, err := newCounter(cfg, store)
	if err != nil {
		return nil, err
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger,
		id:        id,
		ringName:  cfg.RingName,
		transport: t,
		counter:   counter,
		app:       app,
		metrics:   m,
	}

	n.tokenMgr = token.NewManager(id)
	n.ring = ring.New(id, cfg.RingName, cfg.Ring.NeighborhoodSize, n.tokenMgr, cfg.Ring.GlobalTimeClockDriftRatio)
	n.routingEng = routing.New(n.ring, t, dispatcherFunc(n.dispatchRouted), cfg.RingName, cfg.Routing.MaxRetries, cfg.Routing.RetryTimeout, cfg.Routing.MessageTimeout, logger)
	n.broadcastEng = broadcast.New(n.ring, t, broadcastDispatcherFunc(n.dispatchBroadcast), cfg.RingName, cfg.Broadcast.ContextKeepAlive, cfg.Broadcast.RetryInterval, logger)
	n.multicastEng = multicast.New(n.ring, t, n.routingEng, multicastDispatcherFunc(n.dispatchMulticast), cfg.RingName, cfg.Broadcast.PropagationFactor, cfg.Routing.MessageTimeout, logger)
	n.pingEng = ping.New(id, cfg.RingName, n.ring, n.tokenMgr, t, cfg.Ring.PingInterval, cfg.Ring.LivenessUpdateInterval, cfg.Ring.PingInterval*3, logger)

	n.leaseAgent = lease.NewLocalAgent(t, cfg.Lease.Duration, id.String(), logger)
	n.implicit = lease.NewImplicitContext(arbitration.LocalArbitrator{}, cfg.Lease.ArbitrationWindow, cfg.Lease.ReplacementGracePeriod, logger)
	n.implicit.OnDemote(n.handleDemote)
	n.implicit.OnNeighborhoodLost(n.handleNeighborhoodLost)
	n.leaseAgent.OnFailure(n.handleLeaseFailure)

	seeds := make([]join.Seed, 0, len(cfg.Seeds))
	for _, s := range cfg.Seeds {
		seeds = append(seeds, join.Seed{Address: fmt.Sprintf("%s:%d", s.Address, s.Port)})
	}
	joinCfg := join.Config{
		LockDuration:        cfg.Join.LockDuration,
		LockRequestTimeout:  cfg.Join.LockRequestTimeout,
		QueryRetryInterval:  cfg.Join.NeighborhoodQueryRetryPeriod,
		NonSeedNodeJoinWait: cfg.Join.NonSeedNodeJoinWait,
		OpenTimeout:         cfg.Join.OpenTimeout,
		ThrottleLow:         cfg.Join.ThrottleLowThreshold,
		ThrottleHigh:        cfg.Join.ThrottleHighThreshold,
		ThrottleTimeout:     cfg.Join.ThrottleTimeout,
	}
	n.joinMgr = join.New(id, cfg.RingName, t, n.ring, n.routingEng, n.tokenMgr, n.leaseAgent, counter, joinCfg, seeds, logger)
	n.joinMgr.OnRouting(n.handleRouting)

	if n.metrics != nil {
		n.ring.OnChange(func() {
			n.metrics.SetRingState(n.ring.Count(), n.ring.IsComplete())
		})
	}
	n.ring.OnChange(n.notifyRingChanged)

	return n, nil
}

// SetNotifier attaches the cross-process fan-out used on neighborhood
// change. Call before Open; a nil notifier (the default) disables
// fan-out entirely.
func (n *Node) SetNotifier(notifier Notifier) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifier = notifier
}

func (n *Node) notifyRingChanged() {
	n.mu.Lock()
	notifier := n.notifier
	n.mu.Unlock()
	if notifier == nil {
		return
	}
	if err := notifier.Publish("federation.ring.changed", []byte(n.id.String())); err != nil {
		n.logger.Warn("node: ring-change notification failed", "error", err)
	}
}

// ID returns the node's ring identifier.
func (n *Node) ID() ringid.ID { return n.id }

// Instance returns the node's own NodeInstance, valid once Open has
// completed; the zero value beforehand.
func (n *Node) Instance() instance.Instance {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.self
}

// Ring exposes the neighborhood view for read-only callers such as the
// admin HTTP surface.
func (n *Node) Ring() *ring.Ring { return n.ring }

// Route delivers msg to the node owning destID, firing and forgetting.
// This is the outbound half of the routing engine's contract: an
// Application reaches other rings members through the node, it never
// talks to transport directly.
func (n *Node) Route(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout, overallTimeout time.Duration) error {
	return n.routingEng.Route(ctx, msg, destID, destInstance, exactMatch, retryTimeout, overallTimeout)
}

// RouteRequest delivers msg to the node owning destID and waits for an
// end-to-end application reply along the same path.
func (n *Node) RouteRequest(ctx context.Context, msg *wire.Message, destID ringid.ID, destInstance int64, exactMatch bool, retryTimeout, overallTimeout time.Duration) (*wire.Message, error) {
	return n.routingEng.RouteRequest(ctx, msg, destID, destInstance, exactMatch, retryTimeout, overallTimeout)
}

// Broadcast delivers msg to every node in rng, firing and forgetting.
func (n *Node) Broadcast(ctx context.Context, msg *wire.Message, rng ringid.Range) error {
	return n.broadcastEng.Broadcast(ctx, msg, rng)
}

// BroadcastWithReply delivers msg to every node in rng and blocks
// until every sub-range has acked at least once.
func (n *Node) BroadcastWithReply(ctx context.Context, msg *wire.Message, rng ringid.Range) error {
	return n.broadcastEng.BroadcastWithReply(ctx, msg, rng)
}

// Multicast delivers msg to exactly the given set of targets, tolerant
// of some of them being unreachable.
func (n *Node) Multicast(ctx context.Context, msg *wire.Message, targets []multicast.Target, includeSelf bool) (multicast.Result, error) {
	return n.multicastEng.Multicast(ctx, msg, targets, includeSelf)
}

func resolveID(cfg *config.Config) (ringid.ID, error) {
	if cfg.NodeID == "" {
		sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", cfg.Listen.Address, cfg.Listen.Port)))
		return ringid.FromBytes(sum[:16])
	}
	raw, err := hex.DecodeString(cfg.NodeID)
	if err != nil || len(raw) != 16 {
		return ringid.ID{}, fmt.Errorf("node: NodeID must be 32 hex characters, got %q", cfg.NodeID)
	}
	return ringid.FromBytes(raw)
}

func newCounter(cfg *config.Config, store kv.KV) (instance.Counter, error) {
	switch cfg.Instance.Backend {
	case config.InstanceCounterKV:
		if store == nil {
			return nil, fmt.Errorf("node: instance backend %q requires a kv.KV store", cfg.Instance.Backend)
		}
		return instance.NewKVCounter(store, cfg.NodeID), nil
	case config.InstanceCounterFile, "":
		return instance.NewFileCounter(cfg.Instance.FilePath), nil
	case config.InstanceCounterGorm:
		return instance.NewGormCounter(string(cfg.Instance.Driver), cfg.Instance.DSN, cfg.NodeID)
	default:
		return nil, fmt.Errorf("node: unsupported instance counter backend %q", cfg.Instance.Backend)
	}
}

// Open joins the ring and starts the node's maintenance loops. It
// blocks until the join completes or cfg.Join.OpenTimeout elapses.
func (n *Node) Open(ctx context.Context) error {
	n.transport.OnFault(n.handleTransportFault)

	start := time.Now()
	err := n.joinMgr.Open(ctx)
	if n.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		n.metrics.RecordJoinAttempt(outcome, time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("node: join failed: %w", err)
	}

	tickCtx, cancel := context.WithCancel(context.Background())
	n.mu.Lock()
	n.cancelTicks = cancel
	n.mu.Unlock()
	go n.maintenanceLoop(tickCtx)

	return nil
}

// Close stops the node's maintenance loops and closes the transport.
// The local node has no partner entry in its own ring, so the
// SetShutdown call below changes nothing, and no neighbor is told;
// neighbors only see the node fall silent.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	cancel := n.cancelTicks
	n.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	n.ring.SetShutdown(n.id)
	return n.transport.Close()
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	pingTicker := time.NewTicker(n.cfg.Ring.PingInterval)
	edgeTicker := time.NewTicker(n.cfg.Ring.PingInterval * 3)
	leaseTicker := time.NewTicker(n.cfg.Lease.ArbitrationWindow)
	compactTicker := time.NewTicker(n.cfg.Ring.IdleCompactionWindow / 4)
	reapTicker := time.NewTicker(n.cfg.Broadcast.ReapSweepInterval)
	defer pingTicker.Stop()
	defer edgeTicker.Stop()
	defer leaseTicker.Stop()
	defer compactTicker.Stop()
	defer reapTicker.Stop()

	var retryTicker *time.Ticker
	var retryC <-chan time.Time
	if n.cfg.Broadcast.RetryInterval > 0 {
		retryTicker = time.NewTicker(n.cfg.Broadcast.RetryInterval)
		retryC = retryTicker.C
		defer retryTicker.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTicker.C:
			n.pingEng.Tick(ctx)
		case <-edgeTicker.C:
			n.pingEng.CheckEdges(ctx)
		case <-leaseTicker.C:
			n.implicit.Tick(ctx, time.Now(), n.cfg.Ring.PingInterval*2)
		case <-compactTicker.C:
			n.ring.Compact(n.cfg.Ring.IdleCompactionWindow)
		case <-reapTicker.C:
			n.broadcastEng.Reap()
		case <-retryC:
			n.broadcastEng.RetryPending()
		}
	}
}

// HandleInbound is the transport's entry point for every inbound
// message: it dispatches on Action to the owning core component, or to
// the application dispatcher for anything it doesn't recognize.
func (n *Node) HandleInbound(ctx context.Context, from transport.Target, msg *wire.Message) (*wire.Message, error) {
	switch msg.Action {
	case "federation.ping":
		return n.pingEng.HandleInbound(ctx, from, msg)
	case "federation.edgeprobe":
		return n.pingEng.HandleEdgeProbe(ctx, from, msg)
	case "federation.lease.heartbeat":
		return n.leaseAgent.HandleInbound(ctx, from, msg)
	case "federation.join.query", "federation.join.lock":
		return n.joinMgr.HandleInbound(ctx, from, msg)
	}
	// A message in flight through the routing engine keeps its caller's
	// own Action all the way to the final hop, so which engine handles
	// it is decided by which Bag header is present, the same way
	// broadcast and multicast already are, not by Action.
	if msg.Bag.Routing != nil {
		return n.routingEng.HandleInbound(ctx, from, msg)
	}
	if msg.Bag.Broadcast != nil {
		return nil, n.broadcastEng.HandleInbound(ctx, from, msg)
	}
	if msg.Bag.Multicast != nil {
		return nil, n.multicastEng.HandleInbound(ctx, from, msg)
	}
	if n.app != nil {
		return n.app.Dispatch(ctx, msg)
	}
	return nil, nil
}

// dispatchRouted is the routing engine's terminal-delivery callback: by
// the time a message reaches here, the routing engine has determined
// this node owns the destination id, but not whether it's still the
// same instance the caller asked for. Exact-match verification happens
// here because only the node itself knows its own current instance;
// the routing engine only caches remote partners' instances.
func (n *Node) dispatchRouted(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	if rt := msg.Bag.Routing; rt != nil && rt.UseExactRouting {
		_, destInstance, err := routing.ParseDestination(rt.ToInstance)
		if err == nil {
			n.mu.Lock()
			self := n.self
			n.mu.Unlock()
			if destInstance != self.Counter {
				return nil, ferr.ErrRoutingNodeDoesNotMatch
			}
		}
	}
	if n.app != nil {
		return n.app.Dispatch(ctx, msg)
	}
	return nil, nil
}

func (n *Node) dispatchBroadcast(ctx context.Context, msg *wire.Message) error {
	if n.app != nil {
		_, err := n.app.Dispatch(ctx, msg)
		return err
	}
	return nil
}

func (n *Node) dispatchMulticast(ctx context.Context, msg *wire.Message) error {
	if n.app != nil {
		_, err := n.app.Dispatch(ctx, msg)
		return err
	}
	return nil
}

func (n *Node) handleRouting(inst instance.Instance) {
	n.mu.Lock()
	n.self = inst
	n.mu.Unlock()
	n.ring.SetSelfRouting(true)
	n.pingEng.SetSelfInstance(inst)
}

func (n *Node) handleDemote(remoteID string) {
	n.logger.Warn("node: demoting neighbor on arbitration loss", "remote", remoteID)
	n.leaseAgent.Forget(remoteID)
}

func (n *Node) handleNeighborhoodLost(side lease.Side) {
	n.logger.Error("node: neighborhood lost with no replacement, restarting join", "side", side)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.Join.OpenTimeout)
		defer cancel()
		if err := n.joinMgr.Open(ctx); err != nil {
			n.logger.Error("node: rejoin after neighborhood loss failed", "error", err)
		}
	}()
}

func (n *Node) handleLeaseFailure(remoteID string) {
	n.logger.Warn("node: lease failure", "remote", remoteID)
}

func (n *Node) handleTransportFault(target transport.Target) {
	if p, ok := n.ring.FindByAddress(target.Address); ok {
		n.ring.SetUnknown(p.ID())
	}
}

type dispatcherFunc func(ctx context.Context, msg *wire.Message) (*wire.Message, error)

func (f dispatcherFunc) Dispatch(ctx context.Context, msg *wire.Message) (*wire.Message, error) {
	return f(ctx, msg)
}

type broadcastDispatcherFunc func(ctx context.Context, msg *wire.Message) error

func (f broadcastDispatcherFunc) Dispatch(ctx context.Context, msg *wire.Message) error {
	return f(ctx, msg)
}

type multicastDispatcherFunc func(ctx context.Context, msg *wire.Message) error

func (f multicastDispatcherFunc) Dispatch(ctx context.Context, msg *wire.Message) error {
	return f(ctx, msg)
}
