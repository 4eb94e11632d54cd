package ratelimit

import (
	"fmt"
	"sort"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Presets are canonical window sets that can be applied to an endpoint by name.
var Presets = map[string][]model.RateLimitWindow{
	"burst_protection": {
		{Period: model.WindowMinute, MaxRequests: 5, Enabled: true},
		{Period: model.WindowHour, MaxRequests: 100, Enabled: true},
		{Period: model.WindowDay, MaxRequests: 1000, Enabled: true},
		{Period: model.WindowWeek, MaxRequests: 5000, Enabled: true},
	},
	"standard": {
		{Period: model.WindowMinute, MaxRequests: 60, Enabled: true},
		{Period: model.WindowHour, MaxRequests: 1000, Enabled: true},
		{Period: model.WindowDay, MaxRequests: 10000, Enabled: true},
	},
	"high_volume": {
		{Period: model.WindowMinute, MaxRequests: 600, Enabled: true},
		{Period: model.WindowHour, MaxRequests: 20000, Enabled: true},
		{Period: model.WindowDay, MaxRequests: 200000, Enabled: true},
		{Period: model.WindowWeek, MaxRequests: 1000000, Enabled: true},
	},
}

// Preset returns a copy of the named window set.
func Preset(name string) ([]model.RateLimitWindow, error) {
	windows, ok := Presets[name]
	if !ok {
		return nil, &model.ConfigError{Field: "preset", Reason: fmt.Sprintf("unknown preset %q (available: %v)", name, PresetNames())}
	}
	out := make([]model.RateLimitWindow, len(windows))
	copy(out, windows)
	return out, nil
}

// PresetNames lists the available presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
