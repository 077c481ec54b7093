/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import "time"

// NodeMode is the role a node plays within its owning cluster.
type NodeMode string

const (
	ModePrimary   NodeMode = "PRIMARY"
	ModeSecondary NodeMode = "SECONDARY"
)

// NodeState is the Node Watcher's liveness state machine, spec §4.2.
type NodeState int

const (
	StateUnknown NodeState = iota
	StateOffline
	StateOnline
	StateFailure
	StateStandby
	StateDisabled
)

func (s NodeState) String() string {
	switch s {
	case StateUnknown:
		return "UNKNOWN"
	case StateOffline:
		return "OFFLINE"
	case StateOnline:
		return "ONLINE"
	case StateFailure:
		return "FAILURE"
	case StateStandby:
		return "STANDBY"
	case StateDisabled:
		return "DISABLED"
	default:
		return "INVALID"
	}
}

// Callable reports whether the Node Watcher may dispatch queued work to
// a node in this state (spec §4.2 tick step 3).
func (s NodeState) Callable() bool {
	return s == StateOnline || s == StateStandby
}

// Node is the persisted descriptor (spec §3). Uuid is a 36-char opaque id.
type Node struct {
	Uuid string   `json:"uuid" yaml:"uuid"`
	Uri  string   `json:"uri" yaml:"uri"`
	Mode NodeMode `json:"mode" yaml:"mode"`
}

// versionCache and hsmCache short-circuit Versions/SetupHSM fan-outs
// per spec §4.2 ("A version cache ... an HSM cache ...").
type versionCache struct {
	plugin  map[string]string
	program map[string]string
}

type hsmCache map[string]bool // hsm uuid -> applied ok

// NodeEntry is the Node Watcher's per-node bookkeeping record.
type NodeEntry struct {
	Uuid          string
	Uri           string
	Mode          NodeMode
	State         NodeState
	Client        *NodeRPCClient
	LastCall      time.Time
	PendingRemove bool

	versions *versionCache
	hsms     hsmCache
}

func (e *NodeEntry) clearCache() {
	e.versions = nil
	e.hsms = nil
}
