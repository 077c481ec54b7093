/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// LimPluginDNS pulls zone content from a remote DNS-plugin node over
// the same JSON RPC transport the Node RPC Client uses (spec §4.3).

import (
	"context"
	"encoding/json"
	"fmt"
)

func init() {
	RegisterZoneInput("LimPluginDNS", newLimPluginDNS)
}

type limPluginDNSConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     int    `json:"port" mapstructure:"port"`
	Software string `json:"software" mapstructure:"software"`
}

type LimPluginDNSInput struct {
	cfg       limPluginDNSConfig
	transport agentTransport
}

func newLimPluginDNS(data json.RawMessage) (ZoneInput, error) {
	zi := &LimPluginDNSInput{}
	if err := zi.Validate(data); err != nil {
		return nil, err
	}
	if err := decodeInputData(data, &zi.cfg); err != nil {
		return nil, err
	}
	zi.transport = newHTTPAgentTransport(fmt.Sprintf("http://%s:%d/rpc", zi.cfg.Host, zi.cfg.Port))
	return zi, nil
}

// Validate requires host, port; software is optional (spec §4.3).
func (zi *LimPluginDNSInput) Validate(data json.RawMessage) error {
	var cfg limPluginDNSConfig
	if err := decodeInputData(data, &cfg); err != nil {
		return fmt.Errorf("decoding LimPluginDNS input_data: %w", err)
	}
	if cfg.Host == "" {
		return fmt.Errorf("LimPluginDNS input_data missing required field %q", "host")
	}
	if cfg.Port == 0 {
		return fmt.Errorf("LimPluginDNS input_data missing required field %q", "port")
	}
	return nil
}

// Fetch calls DNS.ReadZone{file, software?, as_content=true} and
// returns response.zone.content, or an error on failure (spec §4.3).
func (zi *LimPluginDNSInput) Fetch(ctx context.Context, zoneName string) (string, error) {
	req := readZoneReq{File: zoneName, Software: zi.cfg.Software, AsContent: true}

	var resp readZoneResp
	if err := zi.transport.Call(ctx, "DNS.ReadZone", req, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if resp.Zone.Content == "" {
		return "", fmt.Errorf("%w: empty zone content for %s", ErrFetch, zoneName)
	}
	return resp.Zone.Content, nil
}
