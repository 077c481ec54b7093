/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

import "errors"

// Error kinds per spec §7. Each is a sentinel wrapped with context via
// fmt.Errorf("%w: ...", ErrX) so callers can errors.Is against the kind
// without parsing message text.
var (
	// ErrTransport: an RPC failed or its result shape was invalid.
	ErrTransport = errors.New("transport error")

	// ErrUnsupportedVersion: required software missing or outside [min, max].
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrFetch: Zone Input could not produce content.
	ErrFetch = errors.New("zone fetch error")

	// ErrConfig: invalid descriptor at start-up.
	ErrConfig = errors.New("config error")

	// ErrInvariant: an "impossible" situation. Fatal to the owning cluster loop.
	ErrInvariant = errors.New("invariant violation")

	// ErrExternal: database connect/setup failure.
	ErrExternal = errors.New("external error")
)
