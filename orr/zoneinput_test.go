/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import (
	"context"
	"encoding/json"
	"testing"
)

func TestLimPluginDNSValidateRequiresHostAndPort(t *testing.T) {
	zi := &LimPluginDNSInput{}
	if err := zi.Validate(json.RawMessage(`{}`)); err == nil {
		t.Error("expected Validate to fail on missing host/port")
	}
	if err := zi.Validate(json.RawMessage(`{"host": "lim1.example", "port": 8080}`)); err != nil {
		t.Errorf("expected Validate to accept a complete config: %v", err)
	}
}

func TestLimPluginDNSFetch(t *testing.T) {
	input, err := NewZoneInput("LimPluginDNS", json.RawMessage(`{"host": "lim1.example", "port": 8080}`))
	if err != nil {
		t.Fatalf("NewZoneInput: %v", err)
	}
	lim, ok := input.(*LimPluginDNSInput)
	if !ok {
		t.Fatalf("expected *LimPluginDNSInput, got %T", input)
	}
	ft := newFakeTransport()
	ft.responses["DNS.ReadZone"] = readZoneResp{Zone: struct {
		Content string `json:"content"`
	}{Content: "$ORIGIN example.com.\n@ IN SOA ns1 hostmaster 1 3600 900 604800 86400\n"}}
	lim.transport = ft

	content, err := lim.Fetch(context.Background(), "example.com")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if content == "" {
		t.Error("expected non-empty zone content")
	}
}

func TestDoQPluginDNSValidateRequiresServerName(t *testing.T) {
	zi := &DoQPluginDNSInput{}
	if err := zi.Validate(json.RawMessage(`{"host": "doq1.example", "port": 853}`)); err == nil {
		t.Error("expected Validate to fail on missing server_name")
	}
	if err := zi.Validate(json.RawMessage(`{"host": "doq1.example", "port": 853, "server_name": "doq1.example"}`)); err != nil {
		t.Errorf("expected Validate to accept a complete config: %v", err)
	}
}

func TestNewZoneInputUnknownType(t *testing.T) {
	if _, err := NewZoneInput("NoSuchType", json.RawMessage(`{}`)); err == nil {
		t.Error("expected NewZoneInput to reject an unregistered input type")
	}
}
