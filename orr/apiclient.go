/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Shared HTTP JSON-RPC transport for talking to a remote agent. Mirrors
// the teacher's tdns.ApiClient: one http.Client, a small envelope, a
// single Call method doing the POST + decode dance.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// rpcRequest / rpcResponse are the wire envelope for every agent call
// (spec §6 EXPANSION: "Transport").
type rpcRequest struct {
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// agentTransport is the thing a NodeRPCClient calls. Kept as an
// interface so tests can substitute a fake without standing up real
// HTTP servers for every case, and so Zone Input variants with a
// different wire format (DoQ) don't have to pretend to be HTTP.
type agentTransport interface {
	Call(ctx context.Context, method string, params interface{}, out interface{}) error
}

// httpAgentTransport is the production transport: one JSON POST per call.
type httpAgentTransport struct {
	baseURL string
	client  *http.Client
}

func newHTTPAgentTransport(baseURL string) *httpAgentTransport {
	return &httpAgentTransport{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *httpAgentTransport) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("%w: encoding request for %s: %v", ErrTransport, method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: building request for %s: %v", ErrTransport, method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: calling %s: %v", ErrTransport, method, err)
	}
	defer resp.Body.Close()

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("%w: decoding response for %s: %v", ErrTransport, method, err)
	}
	if rr.Error != "" {
		return fmt.Errorf("%w: %s: %s", ErrTransport, method, rr.Error)
	}
	if out != nil && len(rr.Result) > 0 {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("%w: unmarshalling result of %s: %v", ErrTransport, method, err)
		}
	}
	return nil
}
