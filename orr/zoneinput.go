/*
 * Copyright (c) 2025 ORR contributors
 */

package orr

// Zone Input (spec §4.3, §9 "Can polymorphism ... maps to a capability
// interface with a variant registry"). ZoneInput is the capability
// interface; variants register a constructor keyed by their
// input_type tag so the Config Store / Cluster Manager never switch on
// the tag themselves.

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ZoneInput produces zone text on demand for one configured zone.
type ZoneInput interface {
	// Validate checks input_data is well-formed for this variant.
	Validate(data json.RawMessage) error
	// Fetch returns the current zone content, or an error (spec §7 FetchError).
	Fetch(ctx context.Context, zoneName string) (string, error)
}

type zoneInputConstructor func(data json.RawMessage) (ZoneInput, error)

var zoneInputRegistry = map[string]zoneInputConstructor{}

// RegisterZoneInput adds a new Zone Input variant to the registry. Call
// from an init() in the variant's own file, matching the teacher's
// RegisterNotifyRR/RegisterDsyncRR convention of self-registering RR
// types at package init time.
func RegisterZoneInput(inputType string, ctor zoneInputConstructor) {
	zoneInputRegistry[inputType] = ctor
}

// NewZoneInput looks up inputType in the registry and constructs it
// against input_data, validating along the way.
func NewZoneInput(inputType string, data json.RawMessage) (ZoneInput, error) {
	ctor, ok := zoneInputRegistry[inputType]
	if !ok {
		return nil, fmt.Errorf("%w: unknown zone input type %q", ErrConfig, inputType)
	}
	zi, err := ctor(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return zi, nil
}

// decodeInputData unmarshals a zone's opaque input_data into a
// generic map and then mapstructure-decodes it into out, so variant
// configs only need mapstructure tags and get weak numeric/string
// coercion for free instead of relying on encoding/json's stricter
// typing.
func decodeInputData(data json.RawMessage, out interface{}) error {
	var generic map[string]interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("decoding input_data: %w", err)
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("building input_data decoder: %w", err)
	}
	return decoder.Decode(generic)
}
