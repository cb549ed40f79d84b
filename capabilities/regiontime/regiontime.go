// Package regiontime provides the region_time capability, which reports the
// current local time in an IANA time zone.
package regiontime

import (
	"context"
	"time"
	_ "time/tzdata" // zone database for hosts without one

	"github.com/BaSui01/measurementplane/capability"
)

// Name is the capability name.
const Name = "region_time"

// LocalTimeLayout renders the local time with zone abbreviation and offset.
const LocalTimeLayout = "2006-01-02 15:04:05 MST-0700"

// Result keys.
const (
	KeyRegion    = "region"
	KeyLocalTime = "local time"
)

// Capability reports the time in a region.
type Capability struct {
	now func() time.Time
}

// New creates the capability. A nil clock uses time.Now.
func New(clock func() time.Time) *Capability {
	if clock == nil {
		clock = time.Now
	}
	return &Capability{now: clock}
}

// Factory builds the capability for an agent.
func Factory(capability.Env) (capability.Capability, error) {
	return New(nil), nil
}

// Descriptor implements capability.Capability.
func (c *Capability) Descriptor() capability.Descriptor {
	return capability.Descriptor{
		Role:  capability.RoleMeasure,
		Label: "region time",
		Name:  Name,
		ParametersSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				KeyRegion: map[string]any{
					"type":        "string",
					"description": "The region of requested time",
				},
			},
		},
		ResultSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				KeyRegion: map[string]any{
					"type":        "string",
					"description": "The region of requested time",
				},
				KeyLocalTime: map[string]any{
					"type":        "string",
					"description": "The local time",
				},
			},
		},
	}
}

// Execute implements capability.Capability. Unknown or missing regions are
// reported in the result rather than as errors.
func (c *Capability) Execute(_ context.Context, params map[string]any) (any, error) {
	region, _ := params[KeyRegion].(string)
	if region == "" {
		return map[string]any{KeyRegion: "Region not specified", KeyLocalTime: ""}, nil
	}

	loc, err := time.LoadLocation(region)
	if err != nil {
		return map[string]any{KeyRegion: "Unknown region " + region, KeyLocalTime: ""}, nil
	}
	return map[string]any{
		KeyRegion:    region,
		KeyLocalTime: c.now().In(loc).Format(LocalTimeLayout),
	}, nil
}
