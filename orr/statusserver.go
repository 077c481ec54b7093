/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Status Server (SPEC_FULL.md §4.6): a read-only HTTP surface over the
// running Cluster Managers, grounded on the teacher's SetupRouter /
// APIdispatcher split in tdnsd/apihandler.go but trimmed to GET-only
// status endpoints since ORR has no command-and-control API in scope.

import (
	"encoding/json"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
)

// statusLogTail caps how many of a cluster's most recent log lines
// /clusters reports, the same cap the teacher's own API router applies
// to the tail of a long-running buffer it exposes.
const statusLogTail = 20

// StatusServer exposes the liveness and reconciliation state of every
// running Cluster Manager.
type StatusServer struct {
	Address  string
	Clusters map[string]*ClusterManager

	ready atomic.Bool
}

// NewStatusServer builds a StatusServer over clusters, keyed by cluster uuid.
func NewStatusServer(address string, clusters map[string]*ClusterManager) *StatusServer {
	return &StatusServer{Address: address, Clusters: clusters}
}

// SetReady flips /healthz between 503 and 200 (SPEC_FULL.md §4.6: not
// ready until the Config Store has finished Setup and at least one
// Cluster Manager has been spawned).
func (s *StatusServer) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *StatusServer) router() *mux.Router {
	r := mux.NewRouter().StrictSlash(true)
	r.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	r.HandleFunc("/clusters", s.handleClusters).Methods("GET")
	r.HandleFunc("/clusters/{uuid}/nodes", s.handleClusterNodes).Methods("GET")
	return r
}

// Run starts listening; it blocks until the http.Server fails, mirroring
// the teacher's APIdispatcher goroutine-plus-log.Fatal pattern.
func (s *StatusServer) Run() {
	router := s.router()
	log.Println("Status server: listening on", s.Address)
	log.Fatal(http.ListenAndServe(s.Address, router))
}

func (s *StatusServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "starting"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type clusterStatus struct {
	Uuid  string   `json:"uuid"`
	Mode  string   `json:"mode"`
	State string   `json:"state"`
	Log   []string `json:"log"`
}

func (s *StatusServer) handleClusters(w http.ResponseWriter, r *http.Request) {
	out := make([]clusterStatus, 0, len(s.Clusters))
	for uuid, cm := range s.Clusters {
		logs := cm.Logs()
		if len(logs) > statusLogTail {
			logs = logs[len(logs)-statusLogTail:]
		}
		tail := make([]string, len(logs))
		for i, l := range logs {
			tail[i] = l.Msg
		}
		out = append(out, clusterStatus{Uuid: uuid, Mode: string(cm.Mode), State: cm.State().String(), Log: tail})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

type nodeStatus struct {
	Uuid     string    `json:"uuid"`
	Mode     string    `json:"mode"`
	State    string    `json:"state"`
	LastCall time.Time `json:"last_call"`
}

func (s *StatusServer) handleClusterNodes(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	cm, ok := s.Clusters[vars["uuid"]]
	if !ok {
		http.Error(w, "no such cluster", http.StatusNotFound)
		return
	}

	states := cm.Watcher.States()
	modes := cm.Watcher.Modes()
	lastCalls := cm.Watcher.LastCalls()
	out := make([]nodeStatus, 0, len(states))
	for uuid, state := range states {
		out = append(out, nodeStatus{Uuid: uuid, Mode: string(modes[uuid]), State: state.String(), LastCall: lastCalls[uuid]})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}
