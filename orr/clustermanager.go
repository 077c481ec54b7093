/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Cluster Manager (spec §4.4): the heart of the system. One instance
// runs per cluster, reconciling node software versions, HSM and policy
// setup, signer lifecycle, and zone installation against a
// ClusterDescriptor on a self-rescheduling timer. Idle ticks back off
// up to clusterTickMax; any tick that makes forward progress resets the
// back-off to zero so the cluster converges as fast as the nodes allow.

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

const clusterTickMax = 10 * time.Second

const clusterLogCap = 500

type logEntry struct {
	When time.Time
	Msg  string
}

// reconcileCache is the Cluster Manager's per-cycle memory of what has
// already been attempted, so a converged cluster re-verifies node
// reachability each tick without repeating HSM/policy/start RPCs.
type reconcileCache struct {
	hsmsAttempted map[string]bool
	hsmsSetup     bool
	policySetup   bool
	running       bool
	reload        map[string]bool // node uuid -> needs ReloadOpenDNSSEC
}

func newReconcileCache() reconcileCache {
	return reconcileCache{
		hsmsAttempted: map[string]bool{},
		reload:        map[string]bool{},
	}
}

// ClusterManager owns one cluster's reconciliation loop.
type ClusterManager struct {
	Uuid    string
	Mode    ClusterMode
	Watcher *NodeWatcher

	policy Policy
	hsms   []HSM
	zones  map[string]*ZoneRuntime

	mu       sync.Mutex
	state    ClusterState
	cache    reconcileCache
	resetReq bool
	ticking  bool
	interval time.Duration
	logbuf   []logEntry

	ctx    context.Context
	cancel context.CancelFunc
	timer  *time.Timer
}

// NewClusterManager builds a ClusterManager for desc; callers still need
// to call Start to begin reconciling.
func NewClusterManager(desc ClusterDescriptor, watcher *NodeWatcher) *ClusterManager {
	zones := make(map[string]*ZoneRuntime, len(desc.Zones))
	for _, z := range desc.Zones {
		zones[z.Uuid] = &ZoneRuntime{Zone: z}
	}
	return &ClusterManager{
		Uuid:    desc.Uuid,
		Mode:    desc.Mode,
		Watcher: watcher,
		policy:  desc.Policy,
		hsms:    desc.HSMs,
		zones:   zones,
		state:   ClusterInitializing,
		cache:   newReconcileCache(),
	}
}

// Start arms the reconciliation loop; ctx cancellation stops it.
func (cm *ClusterManager) Start(ctx context.Context) {
	cm.ctx, cm.cancel = context.WithCancel(ctx)
	cm.Log("Cluster manager starting")
	cm.timer = time.AfterFunc(0, cm.runTick)
}

// Stop cancels the loop and any in-flight node calls it started.
func (cm *ClusterManager) Stop() {
	cm.mu.Lock()
	if cm.timer != nil {
		cm.timer.Stop()
	}
	cm.mu.Unlock()
	if cm.cancel != nil {
		cm.cancel()
	}
}

// State returns the current cluster state.
func (cm *ClusterManager) State() ClusterState {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// RequestReset flags that cluster composition changed (a node or zone
// was added or removed) and wakes the loop immediately, realizing
// "cache.reset" from spec §4.4.
func (cm *ClusterManager) RequestReset() {
	cm.mu.Lock()
	cm.resetReq = true
	busy := cm.ticking
	cm.mu.Unlock()
	if !busy {
		cm.rearm(0)
	}
}

// AddZone registers a new zone and requests a reset so it gets picked up.
func (cm *ClusterManager) AddZone(z Zone) {
	cm.mu.Lock()
	cm.zones[z.Uuid] = &ZoneRuntime{Zone: z}
	cm.mu.Unlock()
	cm.RequestReset()
}

// RemoveZone marks z for removal; the next tick drains it from live nodes.
func (cm *ClusterManager) RemoveZone(uuid string) {
	cm.mu.Lock()
	if zr, ok := cm.zones[uuid]; ok {
		zr.PendingRemove = true
	}
	cm.mu.Unlock()
	cm.RequestReset()
}

func (cm *ClusterManager) Log(msg string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.logbuf = append(cm.logbuf, logEntry{When: time.Now(), Msg: msg})
	if len(cm.logbuf) > clusterLogCap {
		cm.logbuf = cm.logbuf[len(cm.logbuf)-clusterLogCap:]
	}
}

// Logs returns a snapshot of the cluster's reconciliation log, oldest first.
func (cm *ClusterManager) Logs() []logEntry {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]logEntry, len(cm.logbuf))
	copy(out, cm.logbuf)
	return out
}

func (cm *ClusterManager) rearm(after time.Duration) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.timer != nil {
		cm.timer.Stop()
	}
	cm.timer = time.AfterFunc(after, cm.runTick)
}

// runTick is one reconciliation pass (spec §4.4). It never runs
// concurrently with itself: the timer only rearms once a pass finishes.
func (cm *ClusterManager) runTick() {
	select {
	case <-cm.ctx.Done():
		return
	default:
	}

	cm.mu.Lock()
	if cm.ticking {
		cm.mu.Unlock()
		return
	}
	cm.ticking = true
	reset := cm.resetReq
	cm.resetReq = false
	state := cm.state
	cm.mu.Unlock()

	progressed := false

	if state == ClusterFailure {
		cm.Log("Cluster in FAILURE state, holding")
		cm.endTick(false)
		return
	}

	if reset {
		cm.mu.Lock()
		cm.state = ClusterInitializing
		cm.cache = newReconcileCache()
		state = ClusterInitializing
		cm.mu.Unlock()
		cm.Watcher.ClearAllCaches()
		for _, zr := range cm.zones {
			if zr.PendingRemove {
				continue // keep SetupDone so phaseZones removes it from the nodes
			}
			zr.Content = ""
			zr.SetupDone = false
		}
		cm.Log("Resetting")
		progressed = true
	}

	states := cm.Watcher.States()

	if newState, handled := cm.phaseLiveness(states); handled {
		state = newState
		progressed = true
	}

	if state == ClusterInitializing {
		for _, s := range states {
			if s == StateUnknown {
				cm.Log("Waiting for nodes to report in")
				cm.endTick(progressed)
				return
			}
		}
	}

	if cm.phaseVersions() {
		cm.mu.Lock()
		cm.state = ClusterFailure
		cm.mu.Unlock()
		cm.endTick(true)
		return
	}

	if cm.phaseHSMs() {
		progressed = true
	}
	if cm.phasePolicy() {
		progressed = true
	}
	if cm.phaseStart() {
		progressed = true
	}
	if cm.phaseReload() {
		progressed = true
	}

	newState := cm.computeState(states)
	cm.mu.Lock()
	changed := newState != cm.state
	cm.state = newState
	cm.mu.Unlock()
	if changed {
		progressed = true
	}

	// The state-transition log line is deferred until after zone
	// processing when the new state enables it, so "Cluster operational"
	// reads after the zone-setup lines that earned it (spec.md §8
	// Scenario 1's literal log order), not before them.
	runsZones := newState == ClusterOperational || newState == ClusterDegraded
	if changed && !runsZones {
		cm.Log(fmt.Sprintf("Cluster %s", strings.ToLower(newState.String())))
	}

	if runsZones {
		if cm.phaseZones() {
			progressed = true
		}
		if changed {
			cm.Log(fmt.Sprintf("Cluster %s", strings.ToLower(newState.String())))
		}
	}

	cm.endTick(progressed)
}

func (cm *ClusterManager) endTick(progressed bool) {
	cm.mu.Lock()
	if progressed {
		cm.interval = 0
	} else if cm.interval < clusterTickMax {
		cm.interval += time.Second
		if cm.interval > clusterTickMax {
			cm.interval = clusterTickMax
		}
	}
	next := cm.interval
	cm.ticking = false
	cm.mu.Unlock()
	cm.rearm(next)
}

// phaseVersions is P1: fetch every node's reported software versions
// and check them against SoftwareVersionTable. Returns true if any node
// fails the check, which drives the cluster to FAILURE.
func (cm *ClusterManager) phaseVersions() bool {
	cm.Log("Fetching version information from nodes")
	versions := cm.Watcher.Versions(cm.ctx)

	failed := false
	for uuid, vi := range versions {
		if vi == nil {
			continue
		}
		violation := versionViolation(*vi)
		if violation == nil {
			continue
		}
		failed = true
		cm.Watcher.SetState(uuid, StateFailure)
		if violation.Missing {
			cm.Log(fmt.Sprintf("Required software %s not reported by node %s", violation.Name, uuid))
			continue
		}
		cm.Log(fmt.Sprintf("Software %s version %s on node %s is not supported. Supported are minimum version %s and maximum version %s",
			violation.Name, violation.Version, uuid, violation.Min, violation.Max))
	}

	if !failed {
		cm.Log("Version information correct and supported")
	}
	return failed
}

// phaseHSMs is P2: set up every configured HSM on every node, once.
func (cm *ClusterManager) phaseHSMs() bool {
	cm.mu.Lock()
	if cm.cache.hsmsSetup {
		cm.mu.Unlock()
		return false
	}
	cm.mu.Unlock()

	progressed := false
	allAttempted := true
	for _, hsm := range cm.hsms {
		cm.mu.Lock()
		done := cm.cache.hsmsAttempted[hsm.Uuid]
		cm.mu.Unlock()
		if done {
			continue
		}

		cm.Log(fmt.Sprintf("Setting up HSM %s", hsm.Uuid))
		results := cm.Watcher.SetupHSM(cm.ctx, hsm.Uuid, hsm.Data)

		ok := true
		for uuid, res := range results {
			if res == nil {
				ok = false
				continue
			}
			if res.Mutated {
				cm.markReload(uuid)
				progressed = true
			}
			if !res.Ok {
				ok = false
			}
		}
		if !ok {
			allAttempted = false
			continue
		}

		cm.mu.Lock()
		cm.cache.hsmsAttempted[hsm.Uuid] = true
		cm.mu.Unlock()
		progressed = true
	}

	if allAttempted {
		cm.mu.Lock()
		cm.cache.hsmsSetup = true
		cm.mu.Unlock()
		cm.Log("All HSMs setup ok")
	}
	return progressed
}

// phasePolicy is P3: set up the cluster's signing policy on every node, once.
func (cm *ClusterManager) phasePolicy() bool {
	cm.mu.Lock()
	if cm.cache.policySetup || cm.policy.Uuid == "" {
		cm.mu.Unlock()
		return false
	}
	cm.mu.Unlock()

	cm.Log(fmt.Sprintf("Setting up Policy %s", cm.policy.Uuid))
	results := cm.Watcher.SetupPolicy(cm.ctx, cm.policy.Uuid, cm.policy.Data)

	ok := true
	progressed := false
	for uuid, res := range results {
		if res == nil {
			ok = false
			continue
		}
		if res.Mutated {
			cm.markReload(uuid)
			progressed = true
		}
		if !res.Ok {
			ok = false
		}
	}
	if !ok {
		return progressed
	}

	cm.mu.Lock()
	cm.cache.policySetup = true
	cm.mu.Unlock()
	cm.Log("Policy setup ok")
	return true
}

// phaseStart is P4: ensure OpenDNSSEC is running on every node, once.
func (cm *ClusterManager) phaseStart() bool {
	cm.mu.Lock()
	if cm.cache.running {
		cm.mu.Unlock()
		return false
	}
	cm.mu.Unlock()

	cm.Log("Verifying OpenDNSSEC is running and starting if not")
	cm.Watcher.StartOpenDNSSEC(cm.ctx)

	cm.mu.Lock()
	cm.cache.running = true
	cm.mu.Unlock()
	return true
}

// phaseReload is P5: drain the set of nodes a successful mutation
// marked dirty, reloading OpenDNSSEC on exactly those nodes.
func (cm *ClusterManager) phaseReload() bool {
	cm.mu.Lock()
	if len(cm.cache.reload) == 0 {
		cm.mu.Unlock()
		return false
	}
	pending := cm.cache.reload
	cm.cache.reload = map[string]bool{}
	cm.mu.Unlock()

	cm.Log("Reload OpenDNSSEC on nodes that need it")
	cm.Watcher.ReloadOpenDNSSEC(cm.ctx, pending)
	return true
}

func (cm *ClusterManager) markReload(uuid string) {
	cm.mu.Lock()
	cm.cache.reload[uuid] = true
	cm.mu.Unlock()
}

// phaseLiveness is the STANDBY handling half of P6 (spec §4.4: "If any
// STANDBY and state != INITIALIZING -> set INITIALIZING ... and clear
// cache and zone caches; when the state is already INITIALIZING,
// upgrade the STANDBY node to ONLINE instead"). A node lands in STANDBY
// when the Node Watcher's liveness ping recovers it from OFFLINE/UNKNOWN
// (spec §8 "Liveness"); the first tick that observes it either drops
// the whole cluster back to INITIALIZING so versions/HSM/policy/zones
// get re-verified from scratch, or, once the cluster is already
// INITIALIZING, promotes the node straight to ONLINE so reconciliation
// can proceed past it. Mutates states in place so callers downstream in
// the same tick see the promotion. Returns handled=false if there was
// nothing to do.
func (cm *ClusterManager) phaseLiveness(states map[string]NodeState) (newState ClusterState, handled bool) {
	cm.mu.Lock()
	state := cm.state
	cm.mu.Unlock()

	anyStandby := false
	for _, s := range states {
		if s == StateStandby {
			anyStandby = true
			break
		}
	}
	if !anyStandby {
		return state, false
	}

	if state != ClusterInitializing {
		cm.mu.Lock()
		cm.state = ClusterInitializing
		cm.cache = newReconcileCache()
		cm.mu.Unlock()
		for _, zr := range cm.zones {
			zr.Content = ""
			zr.SetupDone = false
		}
		cm.Log("Cluster (re)initializing because of nodes in STANDBY state")
		return ClusterInitializing, true
	}

	for uuid, s := range states {
		if s == StateStandby {
			cm.Watcher.SetState(uuid, StateOnline)
			states[uuid] = StateOnline
		}
	}
	return ClusterInitializing, true
}

// computeState is P6: derive the cluster-level state from node
// liveness, applying the mode-specific quorum rule resolved in
// SPEC_FULL.md §4 (BACKUP needs one node callable, FAILOVER needs the
// primary callable, BALANCE needs a strict majority callable).
func (cm *ClusterManager) computeState(states map[string]NodeState) ClusterState {
	if len(states) == 0 {
		return ClusterInitializing
	}

	total := len(states)
	callable := 0
	failureCount := 0
	offlineCount := 0
	for _, s := range states {
		if s.Callable() {
			callable++
		}
		if s == StateFailure {
			failureCount++
		}
		if s == StateOffline {
			offlineCount++
		}
	}

	if failureCount > 0 || offlineCount > 0 {
		cm.Log(fmt.Sprintf("Nodes failure:%d offline:%d", failureCount, offlineCount))
	}

	if failureCount == total {
		return ClusterFailure
	}

	quorumMet := false
	switch cm.Mode {
	case ModeBackup:
		quorumMet = callable >= 1
	case ModeFailover:
		quorumMet = cm.primaryCallable(states)
	case ModeBalance:
		quorumMet = callable*2 > total
	default:
		// ClusterDescriptor.Mode is taken unchecked from the stored
		// cluster row, so an unrecognized mode string surfaces here.
		cm.Log(fmt.Sprintf("%v: unrecognized cluster mode %q, holding in FAILURE", ErrInvariant, cm.Mode))
		return ClusterFailure
	}

	switch {
	case callable == total:
		return ClusterOperational
	case quorumMet:
		return ClusterDegraded
	case callable > 0:
		return ClusterDisfunctional
	default:
		return ClusterFailure
	}
}

func (cm *ClusterManager) primaryCallable(states map[string]NodeState) bool {
	modes := cm.Watcher.Modes()
	for uuid, mode := range modes {
		if mode == ModePrimary {
			return states[uuid].Callable()
		}
	}
	return false
}

// phaseZones is P7: drain pending-remove zones, fetch content for
// zones that don't have it cached, and install zones that aren't set
// up yet. KSK/ZSK rollover is an explicit non-goal (SPEC_FULL.md §4
// Open Question 2) and has no hook here beyond this comment.
func (cm *ClusterManager) phaseZones() bool {
	cm.mu.Lock()
	zones := make([]*ZoneRuntime, 0, len(cm.zones))
	for _, zr := range cm.zones {
		zones = append(zones, zr)
	}
	cm.mu.Unlock()

	progressed := false

	for _, zr := range zones {
		if zr.Locked {
			continue
		}

		if zr.PendingRemove {
			if zr.SetupDone {
				cm.Watcher.ZoneRemove(cm.ctx, zr.Zone.Name)
			}
			cm.mu.Lock()
			delete(cm.zones, zr.Zone.Uuid)
			cm.mu.Unlock()
			progressed = true
			continue
		}

		if zr.input == nil {
			input, err := NewZoneInput(zr.Zone.InputType, zr.Zone.InputData)
			if err != nil {
				cm.Log(fmt.Sprintf("Zone %s has an invalid input configuration: %v", zr.Zone.Uuid, err))
				continue
			}
			zr.input = input
		}

		if zr.Content == "" {
			cm.Log(fmt.Sprintf("Fetching zone content for zone %s", zr.Zone.Uuid))
			content, err := zr.input.Fetch(cm.ctx, zr.Zone.Name)
			if err != nil {
				cm.Log(fmt.Sprintf("Unable to fetch zone %s content: %v", zr.Zone.Uuid, err))
				continue
			}
			zr.Content = content
			zr.FetchedAt = time.Now()
			cm.Log(fmt.Sprintf("Zone content for zone %s fetched", zr.Zone.Uuid))
			progressed = true
		}

		if !zr.SetupDone {
			cm.Log(fmt.Sprintf("Setting up zone %s", zr.Zone.Uuid))
			results := cm.Watcher.ZoneAdd(cm.ctx, zr.Zone.Name, zr.Content, cm.policy.Uuid)
			ok := true
			for _, res := range results {
				if res == nil {
					ok = false
				}
			}
			if !ok {
				continue
			}
			zr.SetupDone = true
			cm.Log(fmt.Sprintf("Zone %s setup ok", zr.Zone.Uuid))
			progressed = true
		}
	}

	return progressed
}
