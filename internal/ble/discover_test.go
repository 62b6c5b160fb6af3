package ble_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/ble/bletest"
)

func TestScanForLights(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetAdvertisements(
		ble.Advertisement{Address: "AA:BB:CC:DD:EE:01", LocalName: "Pixel 8", RSSI: -40, HasRSSI: true},
		ble.Advertisement{Address: "34:10:18:30:03:F7", LocalName: "UAC088-RGB", RSSI: -78, HasRSSI: true},
		ble.Advertisement{Address: "34:10:18:30:04:11", ServiceUUIDs: []string{ffb0Full}, RSSI: -55, HasRSSI: true},
		ble.Advertisement{Address: "34:10:18:30:05:22", LocalName: "uac088"},
	)

	got, err := ble.ScanForLights(context.Background(), adapter, ble.DefaultDiscoveryFilter())
	if err != nil {
		t.Fatalf("ScanForLights() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d candidates, want 3: %+v", len(got), got)
	}

	wantLabels := []string{
		"BT Light [300411] RSSI -55 dBm",
		"UAC088-RGB [3003F7] RSSI -78 dBm",
		"uac088 [300522] RSSI ? dBm",
	}
	for i, want := range wantLabels {
		if got[i].Label() != want {
			t.Errorf("candidate %d label = %q, want %q", i, got[i].Label(), want)
		}
	}
}

func TestScanForLightsEmpty(t *testing.T) {
	got, err := ble.ScanForLights(context.Background(), bletest.NewAdapter(), ble.DefaultDiscoveryFilter())
	if err != nil {
		t.Fatalf("ScanForLights() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d candidates, want 0", len(got))
	}
}

func TestScanForLightsErrors(t *testing.T) {
	adapter := bletest.NewAdapter()
	adapter.SetEnableError(errors.New("powered off"))
	if _, err := ble.ScanForLights(context.Background(), adapter, ble.DefaultDiscoveryFilter()); err == nil {
		t.Error("ScanForLights() should fail when the adapter cannot be enabled")
	}

	adapter = bletest.NewAdapter()
	adapter.SetScanError(errors.New("busy"))
	if _, err := ble.ScanForLights(context.Background(), adapter, ble.DefaultDiscoveryFilter()); err == nil {
		t.Error("ScanForLights() should surface scan errors")
	}
}

func TestDiscoveryFilterMatch(t *testing.T) {
	f := ble.DiscoveryFilter{Names: []string{"UAC088"}, Services: []string{"ffb0"}}
	tests := []struct {
		name string
		ad   ble.Advertisement
		want bool
	}{
		{"name case-insensitive", ble.Advertisement{LocalName: "my uac088 lamp"}, true},
		{"short service", ble.Advertisement{ServiceUUIDs: []string{"FFB0"}}, true},
		{"full service", ble.Advertisement{ServiceUUIDs: []string{ffb0Full}}, true},
		{"other service", ble.Advertisement{ServiceUUIDs: []string{ffe0Full}}, false},
		{"nothing", ble.Advertisement{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Match(tt.ad); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}

	if !(ble.DiscoveryFilter{}).Match(ble.Advertisement{LocalName: "anything"}) {
		t.Error("an empty filter should match every advertisement")
	}
}
