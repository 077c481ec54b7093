/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

// testZoneInput is a fixed-content Zone Input registered under the
// "TestZoneInput" type, used so zone-processing tests don't depend on
// a real Lim agent or DoQ server.
type testZoneInput struct {
	content string
	failing bool
}

func (zi *testZoneInput) Validate(data json.RawMessage) error { return nil }

func (zi *testZoneInput) Fetch(ctx context.Context, zoneName string) (string, error) {
	if zi.failing {
		return "", ErrFetch
	}
	return zi.content, nil
}

func init() {
	RegisterZoneInput("TestZoneInput", func(data json.RawMessage) (ZoneInput, error) {
		var cfg struct {
			Content string `json:"content"`
			Fail    bool   `json:"fail"`
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
		return &testZoneInput{content: cfg.Content, failing: cfg.Fail}, nil
	})
}

// setupOnlineNode registers a node on watcher, forces it ONLINE (past
// the liveness probing this test isn't exercising) and wires ft as its
// transport, the same way the Node Watcher tests substitute transports.
func setupOnlineNode(t *testing.T, watcher *NodeWatcher, uuid, uri string, mode NodeMode) *fakeTransport {
	t.Helper()
	if err := watcher.Add(uuid, uri, mode); err != nil {
		t.Fatalf("Add(%s): %v", uuid, err)
	}
	slot, ok := watcher.nodes.Get(uuid)
	if !ok {
		t.Fatalf("node %s not registered", uuid)
	}
	ft := newFakeTransport()
	slot.entry.Client.transport = ft
	slot.entry.State = StateOnline
	slot.entry.LastCall = time.Now()
	return ft
}

// runWatcher drives watcher's tick loop for the rest of the test, so the
// per-node work that fan-outs queue actually gets dispatched.
func runWatcher(t *testing.T, watcher *NodeWatcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go watcher.Run(ctx)
}

func goodVersionResponses(ft *fakeTransport) {
	ft.responses["Agent.ReadPlugins"] = readPluginsResp{Plugin: []pluginInfo{
		{Name: "Agent", Version: "0.19", Loaded: true},
		{Name: "OpenDNSSEC", Version: "0.14", Loaded: true},
	}}
	ft.responses["OpenDNSSEC.ReadVersion"] = readProgramVersionResp{Program: []programInfo{
		{Name: "ods-control", Version: "1"},
		{Name: "ods-signerd", Version: "1.3.14"},
		{Name: "ods-signer", Version: "1.3.14"},
		{Name: "ods-enforcerd", Version: "1.3.14"},
		{Name: "ods-ksmutil", Version: "1.3.14"},
	}}
}

// runFullTick replays runTick's phase sequence (including its deferred
// state-transition logging) without going through the timer machinery,
// since runTick itself is self-rescheduling and not directly callable
// from a test.
func runFullTick(cm *ClusterManager, states map[string]NodeState) {
	cm.phaseLiveness(states)
	if cm.state == ClusterInitializing {
		for _, s := range states {
			if s == StateUnknown {
				return
			}
		}
	}
	if cm.phaseVersions() {
		cm.state = ClusterFailure
		return
	}
	cm.phaseHSMs()
	cm.phasePolicy()
	cm.phaseStart()
	cm.phaseReload()

	newState := cm.computeState(states)
	changed := newState != cm.state
	cm.state = newState

	runsZones := newState == ClusterOperational || newState == ClusterDegraded
	if changed && !runsZones {
		cm.Log(fmt.Sprintf("Cluster %s", strings.ToLower(newState.String())))
	}
	if runsZones {
		cm.phaseZones()
		if changed {
			cm.Log(fmt.Sprintf("Cluster %s", strings.ToLower(newState.String())))
		}
	}
}

func TestClusterManagerColdStartSingleNode(t *testing.T) {
	watcher := NewNodeWatcher()
	ft := setupOnlineNode(t, watcher, "node-1", "http://node1.example:8080/rpc", ModePrimary)
	goodVersionResponses(ft)
	ft.responses["OpenDNSSEC.ReadRepository"] = readUpsertResp{Found: false}
	ft.responses["OpenDNSSEC.ReadPolicy"] = readUpsertResp{Found: false}
	ft.responses["DNS.ReadZones"] = readZonesResp{}
	ft.responses["ReadEnforcerZoneList"] = readEnforcerZoneListResp{}

	desc := ClusterDescriptor{
		Uuid:   "cluster-1",
		Mode:   ModeBackup,
		Policy: Policy{Uuid: "policy-1", Data: json.RawMessage(`{"resign_interval": 3600}`)},
		HSMs:   []HSM{{Uuid: "hsm-1", Data: json.RawMessage(`{"module": "/usr/lib/softhsm/libsofthsm2.so"}`)}},
		Nodes:  []Node{{Uuid: "node-1", Uri: "http://node1.example:8080/rpc", Mode: ModePrimary}},
		Zones: []Zone{{
			Uuid:      "zone-1",
			Name:      "example.com",
			InputType: "TestZoneInput",
			InputData: json.RawMessage(`{"content": "$ORIGIN example.com.\n"}`),
		}},
	}
	cm := NewClusterManager(desc, watcher)
	runWatcher(t, watcher)

	states := watcher.States()
	runFullTick(cm, states)

	if cm.state != ClusterOperational {
		t.Fatalf("expected cluster state OPERATIONAL, got %s", cm.state)
	}

	zr := cm.zones["zone-1"]
	if zr == nil || !zr.SetupDone {
		t.Fatal("expected zone-1 to be set up")
	}
	if ft.callCount("OpenDNSSEC.CreateRepository") != 1 {
		t.Error("expected exactly one HSM create call")
	}
	if ft.callCount("OpenDNSSEC.CreatePolicy") != 1 {
		t.Error("expected exactly one policy create call")
	}
	if ft.callCount("OpenDNSSEC.UpdateControlStart") != 1 {
		t.Error("expected exactly one start call")
	}

	wantLogs := []string{
		"Fetching version information from nodes",
		"Version information correct and supported",
		"Setting up HSM hsm-1",
		"All HSMs setup ok",
		"Setting up Policy policy-1",
		"Policy setup ok",
		"Verifying OpenDNSSEC is running and starting if not",
		"Reload OpenDNSSEC on nodes that need it",
		"Fetching zone content for zone zone-1",
		"Zone content for zone zone-1 fetched",
		"Setting up zone zone-1",
		"Zone zone-1 setup ok",
		"Cluster operational",
	}
	logs := cm.Logs()
	if len(logs) < len(wantLogs) {
		t.Fatalf("expected at least %d log lines, got %d: %+v", len(wantLogs), len(logs), logs)
	}
	for i, want := range wantLogs {
		if logs[i].Msg != want {
			t.Errorf("log[%d] = %q, want %q", i, logs[i].Msg, want)
		}
	}
}

func TestClusterManagerVersionMismatchGoesToFailure(t *testing.T) {
	watcher := NewNodeWatcher()
	ft := setupOnlineNode(t, watcher, "node-1", "http://node1.example:8080/rpc", ModePrimary)
	ft.responses["Agent.ReadPlugins"] = readPluginsResp{Plugin: []pluginInfo{
		{Name: "Agent", Version: "0.19", Loaded: true},
		{Name: "OpenDNSSEC", Version: "0.14", Loaded: true},
	}}
	ft.responses["OpenDNSSEC.ReadVersion"] = readProgramVersionResp{Program: []programInfo{
		{Name: "ods-control", Version: "1"},
		{Name: "ods-signerd", Version: "1.3.13"}, // below minimum 1.3.14
		{Name: "ods-signer", Version: "1.3.14"},
		{Name: "ods-enforcerd", Version: "1.3.14"},
		{Name: "ods-ksmutil", Version: "1.3.14"},
	}}

	desc := ClusterDescriptor{
		Uuid:   "cluster-1",
		Mode:   ModeBackup,
		Policy: Policy{Uuid: "policy-1", Data: json.RawMessage(`{}`)},
		Nodes:  []Node{{Uuid: "node-1", Uri: "http://node1.example:8080/rpc", Mode: ModePrimary}},
	}
	cm := NewClusterManager(desc, watcher)
	runWatcher(t, watcher)

	runFullTick(cm, watcher.States())

	if cm.state != ClusterFailure {
		t.Fatalf("expected cluster state FAILURE on version mismatch, got %s", cm.state)
	}

	found := false
	want := "Software ods-signerd version 1.3.13 on node node-1 is not supported. Supported are minimum version 1.3.14 and maximum version 1.3.15"
	for _, l := range cm.Logs() {
		if l.Msg == want {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the version mismatch log line %q, got %+v", want, cm.Logs())
	}
	if watcher.States()["node-1"] != StateFailure {
		t.Error("expected node-1 to be marked FAILURE")
	}
}

func TestClusterManagerComputeStateNodeFailureAndOffline(t *testing.T) {
	watcher := NewNodeWatcher()
	setupOnlineNode(t, watcher, "node-1", "http://node1.example:8080/rpc", ModePrimary)
	setupOnlineNode(t, watcher, "node-2", "http://node2.example:8080/rpc", ModeSecondary)
	watcher.SetState("node-2", StateOffline)

	desc := ClusterDescriptor{Uuid: "cluster-1", Mode: ModeBalance}
	cm := NewClusterManager(desc, watcher)

	state := cm.computeState(watcher.States())
	if state != ClusterDisfunctional {
		t.Fatalf("expected DISFUNCTIONAL when a 2-node BALANCE cluster loses strict majority, got %s", state)
	}

	found := false
	for _, l := range cm.Logs() {
		if l.Msg == "Nodes failure:0 offline:1" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a 'Nodes failure:0 offline:1' log line, got %+v", cm.Logs())
	}
}

func TestClusterManagerSetupHSMIdempotenceAcrossTicks(t *testing.T) {
	watcher := NewNodeWatcher()
	ft := setupOnlineNode(t, watcher, "node-1", "http://node1.example:8080/rpc", ModePrimary)
	goodVersionResponses(ft)
	ft.responses["OpenDNSSEC.ReadRepository"] = readUpsertResp{Found: false}
	ft.responses["OpenDNSSEC.ReadPolicy"] = readUpsertResp{Found: false}
	ft.responses["DNS.ReadZones"] = readZonesResp{}
	ft.responses["ReadEnforcerZoneList"] = readEnforcerZoneListResp{}

	desc := ClusterDescriptor{
		Uuid:   "cluster-1",
		Mode:   ModeBackup,
		Policy: Policy{Uuid: "policy-1", Data: json.RawMessage(`{}`)},
		HSMs:   []HSM{{Uuid: "hsm-1", Data: json.RawMessage(`{"module": "x"}`)}},
		Nodes:  []Node{{Uuid: "node-1", Uri: "http://node1.example:8080/rpc", Mode: ModePrimary}},
	}
	cm := NewClusterManager(desc, watcher)
	runWatcher(t, watcher)

	runFullTick(cm, watcher.States())
	if ft.callCount("OpenDNSSEC.CreateRepository") != 1 {
		t.Fatalf("expected one CreateRepository call on first tick, got %d", ft.callCount("OpenDNSSEC.CreateRepository"))
	}
	// The first tick made one ReadRepository call and set the cluster-level
	// cache.hsmsSetup, so the second tick's HSM phase returns before any
	// fan-out and adds no further RPC.
	ft.responses["OpenDNSSEC.ReadRepository"] = readUpsertResp{Found: true, Data: json.RawMessage(`{"module": "x"}`)}
	runFullTick(cm, watcher.States())

	if ft.callCount("OpenDNSSEC.CreateRepository") != 1 {
		t.Errorf("expected still exactly one CreateRepository call after a second tick, got %d", ft.callCount("OpenDNSSEC.CreateRepository"))
	}
	if ft.callCount("OpenDNSSEC.ReadRepository") != 1 {
		t.Errorf("expected the second tick's HSM phase to be skipped once cache.hsmsSetup is true (only the first tick's ReadRepository call), got %d ReadRepository calls", ft.callCount("OpenDNSSEC.ReadRepository"))
	}
}

func TestClusterManagerStandbyNodeResetsThenPromotesToOnline(t *testing.T) {
	watcher := NewNodeWatcher()
	if err := watcher.Add("node-1", "http://node1.example:8080/rpc", ModePrimary); err != nil {
		t.Fatalf("Add: %v", err)
	}
	watcher.SetState("node-1", StateStandby)

	desc := ClusterDescriptor{Uuid: "cluster-1", Mode: ModeBackup}
	cm := NewClusterManager(desc, watcher)
	cm.state = ClusterOperational
	cm.cache.hsmsSetup = true

	newState, handled := cm.phaseLiveness(watcher.States())
	if !handled {
		t.Fatal("expected phaseLiveness to handle a STANDBY node")
	}
	if newState != ClusterInitializing || cm.state != ClusterInitializing {
		t.Fatalf("expected a STANDBY node to reset an OPERATIONAL cluster to INITIALIZING, got %s", newState)
	}
	if cm.cache.hsmsSetup {
		t.Error("expected the reset to clear the reconcile cache")
	}

	found := false
	for _, l := range cm.Logs() {
		if l.Msg == "Cluster (re)initializing because of nodes in STANDBY state" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected the STANDBY reset log line, got %+v", cm.Logs())
	}

	// On the next tick the cluster is already INITIALIZING, so the same
	// STANDBY node should be promoted straight to ONLINE instead.
	states := watcher.States()
	newState, handled = cm.phaseLiveness(states)
	if !handled {
		t.Fatal("expected phaseLiveness to handle the still-STANDBY node")
	}
	if newState != ClusterInitializing {
		t.Fatalf("expected state to remain INITIALIZING, got %s", newState)
	}
	if watcher.States()["node-1"] != StateOnline {
		t.Errorf("expected node-1 to be promoted to ONLINE, got %s", watcher.States()["node-1"])
	}
	if states["node-1"] != StateOnline {
		t.Error("expected phaseLiveness to mutate the states map in place for the rest of the tick")
	}
}
