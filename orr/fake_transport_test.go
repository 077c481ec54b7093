/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import (
	"context"
	"encoding/json"
	"sync"
)

// fakeTransport is a scriptable agentTransport stand-in used across the
// package's tests instead of spinning up real HTTP servers for every
// node interaction scenario.
type fakeTransport struct {
	mu        sync.Mutex
	calls     []string
	responses map[string]interface{}
	errors    map[string]error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		responses: map[string]interface{}{},
		errors:    map[string]error{},
	}
}

func (f *fakeTransport) Call(ctx context.Context, method string, params interface{}, out interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, method)
	err, hasErr := f.errors[method]
	resp, hasResp := f.responses[method]
	f.mu.Unlock()

	if hasErr {
		return err
	}
	if out == nil || !hasResp {
		return nil
	}
	b, marshalErr := json.Marshal(resp)
	if marshalErr != nil {
		return marshalErr
	}
	return json.Unmarshal(b, out)
}

func (f *fakeTransport) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == method {
			n++
		}
	}
	return n
}

func newFakeClient(transport agentTransport) *NodeRPCClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &NodeRPCClient{
		URI:       "fake://node",
		transport: transport,
		ctx:       ctx,
		cancel:    cancel,
	}
}
