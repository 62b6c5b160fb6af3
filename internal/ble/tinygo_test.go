package ble

import "testing"

func TestPropertiesFromMask(t *testing.T) {
	tests := []struct {
		name string
		mask uint32
		want Properties
	}{
		{"notify only", 0x10, Properties{Notify: true}},
		{"read notify", 0x12, Properties{Read: true, Notify: true}},
		{"write without response", 0x04, Properties{WriteWithoutResponse: true}},
		{"read write indicate", 0x2a, Properties{Read: true, Write: true, Indicate: true}},
		{"broadcast bit ignored", 0x01, Properties{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := propertiesFromMask(tt.mask)
			if got != tt.want {
				t.Errorf("propertiesFromMask(%#x) = %+v, want %+v", tt.mask, got, tt.want)
			}
		})
	}
	if propertiesFromMask(0x10).Writable() {
		t.Error("a notify-only characteristic must not count as writable")
	}
}

func TestInferProperties(t *testing.T) {
	tests := []struct {
		id       string
		writable bool
	}{
		{"00002a29-0000-1000-8000-00805f9b34fb", false},
		{"2a29", false},
		{"00002b2a-0000-1000-8000-00805f9b34fb", false},
		{"0000ffe1-0000-1000-8000-00805f9b34fb", true},
		{"6e400002-b5a3-f393-e0a9-e50e24dcca9e", true},
		{"00002a29-b5a3-f393-e0a9-e50e24dcca9e", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := inferProperties(tt.id)
			if got.Writable() != tt.writable || !got.Read {
				t.Errorf("inferProperties(%q) = %+v, want writable=%v", tt.id, got, tt.writable)
			}
		})
	}
}
