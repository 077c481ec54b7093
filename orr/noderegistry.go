/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// nodeRegistry realizes the "global mutable weak cache of Node objects
// keyed by URI" redesign note (spec §9, §5 EXPANSION): since node
// membership is many-to-many (spec §3 invariant 2), two Node Watchers
// in different Cluster Managers can legitimately share one physical
// node's URI. Rather than a GC-backed weak reference, this keeps an
// explicit refcount: the NodeRPCClient for a URI is created on first
// Acquire and torn down (Stop()) on the Release that drops the count
// to zero.

import (
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

type registryEntry struct {
	mu     sync.Mutex
	client *NodeRPCClient
	refs   int
}

var nodeRegistryMap = cmap.New[*registryEntry]()

// AcquireNodeClient returns the shared NodeRPCClient for uri, creating
// it on first use and incrementing its reference count.
func AcquireNodeClient(uri string) (*NodeRPCClient, error) {
	entry, _ := nodeRegistryMap.Upsert(uri, nil, func(exists bool, valueInMap *registryEntry, newValue *registryEntry) *registryEntry {
		if exists {
			return valueInMap
		}
		return &registryEntry{}
	})

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.client == nil {
		client, err := NewNodeRPCClient(uri)
		if err != nil {
			return nil, err
		}
		entry.client = client
	}
	entry.refs++
	return entry.client, nil
}

// ReleaseNodeClient decrements uri's reference count; at zero the
// client is stopped and the registry entry dropped.
func ReleaseNodeClient(uri string) {
	entry, ok := nodeRegistryMap.Get(uri)
	if !ok {
		return
	}

	entry.mu.Lock()
	entry.refs--
	shouldClose := entry.refs <= 0
	var client *NodeRPCClient
	if shouldClose {
		client = entry.client
		entry.client = nil
	}
	entry.mu.Unlock()

	if shouldClose {
		if client != nil {
			client.Stop()
		}
		nodeRegistryMap.Remove(uri)
	}
}
