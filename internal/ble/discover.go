package ble

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// DiscoveryFilter selects advertisements that look like a supported lamp.
// An advertisement matches when its local name contains any of the name
// filters (case-insensitive) or it advertises any of the services.
type DiscoveryFilter struct {
	Names    []string
	Services []string
}

// DefaultDiscoveryFilter matches the UAC088 lamps.
func DefaultDiscoveryFilter() DiscoveryFilter {
	return DiscoveryFilter{Names: []string{"uac088"}, Services: []string{"ffb0"}}
}

// Match reports whether ad passes the filter. A filter with no names and
// no services passes every advertisement.
func (f DiscoveryFilter) Match(ad Advertisement) bool {
	if len(f.Names) == 0 && len(f.Services) == 0 {
		return true
	}
	name := strings.ToLower(ad.LocalName)
	for _, n := range f.Names {
		if n != "" && strings.Contains(name, strings.ToLower(n)) {
			return true
		}
	}
	for _, svc := range f.Services {
		for _, u := range ad.ServiceUUIDs {
			if MatchUUID(u, svc) {
				return true
			}
		}
	}
	return false
}

// Candidate is a discovered lamp offered for configuration.
type Candidate struct {
	Name    string
	Address string
	RSSI    int
	HasRSSI bool
}

// Label renders the candidate as "<name> [<last 6 hex>] RSSI <n> dBm".
func (c Candidate) Label() string {
	rssi := "?"
	if c.HasRSSI {
		rssi = fmt.Sprint(c.RSSI)
	}
	return fmt.Sprintf("%s [%s] RSSI %s dBm", c.Name, ShortAddress(c.Address, 6), rssi)
}

// ScanForLights enables the adapter, takes one advertisement snapshot and
// returns the matching lamps, strongest signal first.
func ScanForLights(ctx context.Context, adapter Adapter, filter DiscoveryFilter) ([]Candidate, error) {
	if err := adapter.Enable(); err != nil {
		return nil, fmt.Errorf("ble: enable adapter: %w", err)
	}

	ads, err := adapter.Advertisements(ctx)
	if err != nil {
		return nil, fmt.Errorf("ble: scan: %w", err)
	}

	var out []Candidate
	for _, ad := range ads {
		if !filter.Match(ad) {
			continue
		}
		name := ad.LocalName
		if name == "" {
			name = "BT Light"
		}
		out = append(out, Candidate{Name: name, Address: ad.Address, RSSI: ad.RSSI, HasRSSI: ad.HasRSSI})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].HasRSSI != out[j].HasRSSI {
			return out[i].HasRSSI
		}
		return out[i].RSSI > out[j].RSSI
	})
	return out, nil
}
