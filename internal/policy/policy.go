package policy

import (
	"fmt"
	"strings"
)

// Platform is the mobile OS family of the device.
type Platform string

const (
	IOS     Platform = "ios"
	Android Platform = "android"
	Unknown Platform = "unknown"
)

// ParsePlatform maps a client-supplied platform name to a Platform.
func ParsePlatform(s string) Platform {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ios", "iphone", "ipados":
		return IOS
	case "android":
		return Android
	}
	return Unknown
}

// Set names the signals that decide eligibility.
type Set string

const (
	// LocationOnly consults the geofence only.
	LocationOnly Set = "location_only"
	// NetworkThenLocation accepts a known access point and otherwise
	// falls back to the geofence.
	NetworkThenLocation Set = "network_then_location"
)

// ParseSet validates a policy name from configuration.
func ParseSet(s string) (Set, error) {
	switch Set(strings.ToLower(strings.TrimSpace(s))) {
	case LocationOnly:
		return LocationOnly, nil
	case NetworkThenLocation:
		return NetworkThenLocation, nil
	}
	return "", fmt.Errorf("unknown policy %q", s)
}

// Selector is a static platform to policy table. iOS does not expose the
// BSSID to apps, so it is location only.
type Selector struct {
	table map[Platform]Set
}

// NewSelector returns the default table with optional overrides applied.
func NewSelector(overrides map[Platform]Set) Selector {
	table := map[Platform]Set{
		IOS:     LocationOnly,
		Android: NetworkThenLocation,
		Unknown: LocationOnly,
	}
	for p, s := range overrides {
		if s != "" {
			table[p] = s
		}
	}
	return Selector{table: table}
}

// Select returns the policy set for p. Unlisted platforms get LocationOnly.
func (s Selector) Select(p Platform) Set {
	if set, ok := s.table[p]; ok {
		return set
	}
	return LocationOnly
}
