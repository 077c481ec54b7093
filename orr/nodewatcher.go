/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Node Watcher (spec §4.2): owns the node map, probes liveness, routes
// queued fan-out work to individual Node RPC Clients, and aggregates
// fan-out results into a uuid -> *T map.

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
)

const (
	// TickInterval is T_TICK from spec §4.2.
	TickInterval = 5 * time.Second
	// PingInterval is the 30s staleness threshold from spec §4.2 step 2.
	PingInterval = 30 * time.Second
)

// workItem is one queued unit of per-node work (spec §4.2 "per-node
// work queue"), dispatched only while the owning node is callable.
type workItem struct {
	run  func(ctx context.Context, client *NodeRPCClient) (interface{}, error)
	done func(result interface{}, err error)
}

type nodeSlot struct {
	entry *NodeEntry
	queue []workItem
	qmu   sync.Mutex
}

// NodeWatcher owns a uuid -> NodeEntry mapping.
type NodeWatcher struct {
	nodes cmap.ConcurrentMap[string, *nodeSlot]
	wake  chan struct{}
}

// NewNodeWatcher returns an empty Node Watcher.
func NewNodeWatcher() *NodeWatcher {
	return &NodeWatcher{
		nodes: cmap.New[*nodeSlot](),
		wake:  make(chan struct{}, 1),
	}
}

// Add registers a new node; fails if the uuid already exists or the
// URI is malformed (spec §4.2).
func (nw *NodeWatcher) Add(uuid, uri string, mode NodeMode) error {
	if _, exists := nw.nodes.Get(uuid); exists {
		return fmt.Errorf("%w: node %s already registered", ErrConfig, uuid)
	}

	client, err := AcquireNodeClient(uri)
	if err != nil {
		return err
	}

	nw.nodes.Set(uuid, &nodeSlot{
		entry: &NodeEntry{
			Uuid:   uuid,
			Uri:    uri,
			Mode:   mode,
			State:  StateUnknown,
			Client: client,
		},
	})
	return nil
}

// Remove flags uuid for deferred removal; the Watcher deletes the
// entry on a later tick, never mid-RPC (spec §3 Lifecycles).
func (nw *NodeWatcher) Remove(uuid string) {
	if slot, ok := nw.nodes.Get(uuid); ok {
		slot.entry.PendingRemove = true
	}
}

// SetState forces a node's state (used by the Cluster Manager, tests
// and admin actions).
func (nw *NodeWatcher) SetState(uuid string, state NodeState) {
	if slot, ok := nw.nodes.Get(uuid); ok {
		slot.entry.State = state
	}
}

// States returns a snapshot of every known node's current state,
// keyed by uuid (used by §4.4 P6 and the status server).
func (nw *NodeWatcher) States() map[string]NodeState {
	out := map[string]NodeState{}
	for uuid, slot := range nw.nodes.Items() {
		out[uuid] = slot.entry.State
	}
	return out
}

// Modes returns each known node's configured mode, for mode-specific
// quorum evaluation (spec §4.4 P6 / SPEC_FULL §4 resolution).
func (nw *NodeWatcher) Modes() map[string]NodeMode {
	out := map[string]NodeMode{}
	for uuid, slot := range nw.nodes.Items() {
		out[uuid] = slot.entry.Mode
	}
	return out
}

// LastCalls returns each known node's last successful RPC/ping time,
// keyed by uuid (status server nodeStatus.last_call, SPEC_FULL.md §4.6).
func (nw *NodeWatcher) LastCalls() map[string]time.Time {
	out := map[string]time.Time{}
	for uuid, slot := range nw.nodes.Items() {
		out[uuid] = slot.entry.LastCall
	}
	return out
}

// ClearAllCaches drops every node's version/HSM cache (spec §4.4: the
// `cache.reset` reconciliation path clears "every zone's runtime cache"
// — node-level caches reset alongside it so Versions/SetupHSM re-run).
func (nw *NodeWatcher) ClearAllCaches() {
	for _, slot := range nw.nodes.Items() {
		slot.entry.clearCache()
	}
}

func (nw *NodeWatcher) poke() {
	select {
	case nw.wake <- struct{}{}:
	default:
	}
}

// Run drives the tick loop until ctx is done (spec §5 "self-rescheduling
// timer" realized as a ticker plus an early-wake channel).
func (nw *NodeWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nw.tick(ctx)
		case <-nw.wake:
			nw.tick(ctx)
		}
	}
}

// tick implements spec §4.2's per-node step sequence.
func (nw *NodeWatcher) tick(ctx context.Context) {
	for uuid, slot := range nw.nodes.Items() {
		entry := slot.entry

		if entry.Client.Busy() {
			continue // step 1
		}

		needsPing := entry.State == StateUnknown || entry.State == StateOffline ||
			((entry.State == StateOnline || entry.State == StateStandby) && time.Since(entry.LastCall) > PingInterval)

		if needsPing { // step 2
			nw.dispatchPing(ctx, uuid, entry)
			continue
		}

		slot.qmu.Lock()
		hasWork := len(slot.queue) > 0
		var item workItem
		if hasWork {
			item = slot.queue[0]
			slot.queue = slot.queue[1:]
		}
		slot.qmu.Unlock()

		if hasWork { // step 3
			if entry.State.Callable() {
				nw.dispatchWork(ctx, entry, item)
			} else {
				item.done(nil, fmt.Errorf("%w: node %s unavailable (state %s)", ErrTransport, uuid, entry.State))
			}
			continue
		}

		if entry.PendingRemove { // step 4
			ReleaseNodeClient(entry.Uri)
			nw.nodes.Remove(uuid)
		}
	}
}

func (nw *NodeWatcher) dispatchPing(ctx context.Context, uuid string, entry *NodeEntry) {
	go func() {
		wasUnknownOrOffline := entry.State == StateUnknown || entry.State == StateOffline
		wasLive := entry.State == StateOnline || entry.State == StateStandby || entry.State == StateUnknown

		_, err := entry.Client.Ping(ctx)
		if err != nil {
			if wasLive {
				entry.State = StateOffline
				entry.clearCache()
				log.Printf("NodeWatcher: node %s ping failed, -> OFFLINE: %v", uuid, err)
			}
		} else {
			entry.LastCall = time.Now()
			if wasUnknownOrOffline {
				entry.State = StateStandby
				log.Printf("NodeWatcher: node %s ping ok, -> STANDBY", uuid)
			}
		}
		nw.poke()
	}()
}

func (nw *NodeWatcher) dispatchWork(ctx context.Context, entry *NodeEntry, item workItem) {
	go func() {
		res, err := item.run(ctx, entry.Client)
		if err == nil {
			entry.LastCall = time.Now()
		}
		item.done(res, err)
		nw.poke()
	}()
}

// enqueue appends a work item to uuid's per-node queue if it exists;
// returns false if the uuid is unknown (caller counts that as "unavailable").
func (nw *NodeWatcher) enqueue(uuid string, item workItem) bool {
	slot, ok := nw.nodes.Get(uuid)
	if !ok {
		return false
	}
	slot.qmu.Lock()
	slot.queue = append(slot.queue, item)
	slot.qmu.Unlock()
	nw.poke()
	return true
}

// uuids returns a stable snapshot of the currently-known node uuids,
// excluding those pending removal (fan-outs shouldn't target them).
func (nw *NodeWatcher) uuids() []string {
	var out []string
	for uuid, slot := range nw.nodes.Items() {
		if !slot.entry.PendingRemove {
			out = append(out, uuid)
		}
	}
	return out
}

// --- Fan-out operations (spec §4.2) -----------------------------------

// fanout runs perNode for every known node, immediately recording nil
// for non-callable nodes, and blocks until every callable node's item
// has completed (spec §9 "Aggregation across async fan-outs").
func fanout[T any](nw *NodeWatcher, perNode func(uuid string, entry *NodeEntry) (func(ctx context.Context, client *NodeRPCClient) (interface{}, error), *T, bool)) map[string]*T {
	uuids := nw.uuids()
	results := make(map[string]*T, len(uuids))

	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, uuid := range uuids {
		slot, ok := nw.nodes.Get(uuid)
		if !ok {
			continue
		}
		entry := slot.entry

		run, shortCircuit, useShortCircuit := perNode(uuid, entry)
		if useShortCircuit {
			mu.Lock()
			results[uuid] = shortCircuit
			mu.Unlock()
			continue
		}
		if !entry.State.Callable() {
			mu.Lock()
			results[uuid] = nil
			mu.Unlock()
			continue
		}

		wg.Add(1)
		u := uuid
		ok2 := nw.enqueue(u, workItem{
			run: run,
			done: func(res interface{}, err error) {
				mu.Lock()
				if err != nil {
					results[u] = nil
				} else if res != nil {
					v := res.(T)
					results[u] = &v
				}
				mu.Unlock()
				wg.Done()
			},
		})
		if !ok2 {
			mu.Lock()
			results[u] = nil
			mu.Unlock()
			wg.Done()
		}
	}

	wg.Wait()
	return results
}

// Versions fans Versions() out to every callable node, short-circuiting
// through each node's version cache when populated.
func (nw *NodeWatcher) Versions(ctx context.Context) map[string]*VersionInfo {
	return fanout[VersionInfo](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *VersionInfo, bool) {
		if entry.versions != nil {
			return nil, &VersionInfo{Plugin: entry.versions.plugin, Program: entry.versions.program}, true
		}
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			vi, err := client.Versions(ctx)
			if err != nil {
				return nil, err
			}
			entry.versions = &versionCache{plugin: vi.Plugin, program: vi.Program}
			return vi, nil
		}, nil, false
	})
}

// HSMSetupResult is SetupHSM's per-node outcome (applied_ok, mutated).
type HSMSetupResult struct {
	Ok      bool
	Mutated bool
}

// SetupHSM fans SetupHSM(data) out, short-circuiting through the
// per-node HSM cache once a given hsmUuid has been applied.
func (nw *NodeWatcher) SetupHSM(ctx context.Context, hsmUuid string, data json.RawMessage) map[string]*HSMSetupResult {
	return fanout[HSMSetupResult](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *HSMSetupResult, bool) {
		if entry.hsms != nil && entry.hsms[hsmUuid] {
			return nil, &HSMSetupResult{Ok: true, Mutated: false}, true
		}
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			ok, mutated, err := client.SetupHSM(ctx, hsmUuid, data)
			if err != nil {
				return nil, err
			}
			if entry.hsms == nil {
				entry.hsms = hsmCache{}
			}
			entry.hsms[hsmUuid] = ok
			return HSMSetupResult{Ok: ok, Mutated: mutated}, nil
		}, nil, false
	})
}

// SetupPolicy fans SetupPolicy(data) out to every callable node.
func (nw *NodeWatcher) SetupPolicy(ctx context.Context, policyUuid string, data json.RawMessage) map[string]*HSMSetupResult {
	return fanout[HSMSetupResult](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *HSMSetupResult, bool) {
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			ok, mutated, err := client.SetupPolicy(ctx, policyUuid, data)
			if err != nil {
				return nil, err
			}
			return HSMSetupResult{Ok: ok, Mutated: mutated}, nil
		}, nil, false
	})
}

// StartOpenDNSSEC fans StartOpenDNSSEC() out to every callable node.
func (nw *NodeWatcher) StartOpenDNSSEC(ctx context.Context) map[string]*struct{} {
	return fanout[struct{}](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *struct{}, bool) {
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			if err := client.StartOpenDNSSEC(ctx); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		}, nil, false
	})
}

// ReloadOpenDNSSEC fans ReloadOpenDNSSEC() out, restricted to the given
// set of node uuids (spec §4.4 P5 "Drain reload set").
func (nw *NodeWatcher) ReloadOpenDNSSEC(ctx context.Context, uuids map[string]bool) map[string]*struct{} {
	return fanout[struct{}](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *struct{}, bool) {
		if !uuids[uuid] {
			return nil, &struct{}{}, true // not targeted by this reload, leave untouched
		}
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			if err := client.ReloadOpenDNSSEC(ctx); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		}, nil, false
	})
}

// ZoneAdd fans ZoneAdd(name, content, policyUuid) out to every callable node.
func (nw *NodeWatcher) ZoneAdd(ctx context.Context, name, content, policyUuid string) map[string]*struct{} {
	return fanout[struct{}](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *struct{}, bool) {
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			if err := client.ZoneAdd(ctx, name, content, policyUuid); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		}, nil, false
	})
}

// ZoneRemove fans ZoneRemove(name) out to every callable node.
func (nw *NodeWatcher) ZoneRemove(ctx context.Context, name string) map[string]*struct{} {
	return fanout[struct{}](nw, func(uuid string, entry *NodeEntry) (func(context.Context, *NodeRPCClient) (interface{}, error), *struct{}, bool) {
		return func(ctx context.Context, client *NodeRPCClient) (interface{}, error) {
			if err := client.ZoneRemove(ctx, name); err != nil {
				return nil, err
			}
			return struct{}{}, nil
		}, nil, false
	})
}
