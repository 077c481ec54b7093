/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import "encoding/json"

// Request/response shapes for the agent RPCs consumed per spec §6.
// Field names follow the teacher's api_structs.go convention of plain
// exported structs decoded straight off the wire, no protobuf.

type readVersionResp struct {
	Version string `json:"version"`
}

type pluginInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Loaded  bool   `json:"loaded"`
}

type readPluginsResp struct {
	Plugin []pluginInfo `json:"plugin"`
}

type programInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type readProgramVersionResp struct {
	Program []programInfo `json:"program"`
}

// VersionInfo is the composed result of NodeRPCClient.Versions().
type VersionInfo struct {
	Plugin  map[string]string `json:"plugin"`
	Program map[string]string `json:"program"`
}

type readZonesResp struct {
	Paths []string `json:"paths"`
}

type enforcerZoneEntry struct {
	Name   string `json:"name"`
	Policy string `json:"policy"`
}

type readEnforcerZoneListResp struct {
	Zones []enforcerZoneEntry `json:"zones"`
}

type createEnforcerZoneReq struct {
	Name       string `json:"name"`
	Policy     string `json:"policy"`
	SignerConf string `json:"signerconf"`
	Input      string `json:"input"`
	Output     string `json:"output"`
}

type readZoneReq struct {
	File      string `json:"file"`
	Software  string `json:"software,omitempty"`
	AsContent bool   `json:"as_content"`
}

type readZoneResp struct {
	Zone struct {
		Content string `json:"content"`
	} `json:"zone"`
}
