package protocol

import (
	"bytes"
	"testing"
)

func TestPowerOn(t *testing.T) {
	want := []byte{0xCC, 0x23, 0x33}
	if got := PowerOn(); !bytes.Equal(got, want) {
		t.Errorf("PowerOn() = %x, want %x", got, want)
	}
}

func TestPowerOff(t *testing.T) {
	want := []byte{0xCC, 0x24, 0x33}
	if got := PowerOff(); !bytes.Equal(got, want) {
		t.Errorf("PowerOff() = %x, want %x", got, want)
	}
}

func TestSetRGB(t *testing.T) {
	tests := []struct {
		name    string
		r, g, b int
		want    []byte
	}{
		{"red half", 128, 0, 0, []byte{0x56, 128, 0, 0, 0x00, 0xF0, 0xAA}},
		{"white", 255, 255, 255, []byte{0x56, 0xFF, 0xFF, 0xFF, 0x00, 0xF0, 0xAA}},
		{"masked to 8 bits", 0x1FF, 256, -1, []byte{0x56, 0xFF, 0x00, 0xFF, 0x00, 0xF0, 0xAA}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SetRGB(tt.r, tt.g, tt.b)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("SetRGB(%d, %d, %d) = %x, want %x", tt.r, tt.g, tt.b, got, tt.want)
			}
			if len(got) != ColorFrameLen {
				t.Errorf("len(SetRGB()) = %d, want %d", len(got), ColorFrameLen)
			}
		})
	}
}

func TestFramesAreFreshSlices(t *testing.T) {
	// Callers may hand frames to a transport that keeps them; mutating one
	// must not leak into the next.
	a := PowerOn()
	a[0] = 0
	if b := PowerOn(); b[0] != 0xCC {
		t.Errorf("PowerOn() shares its backing array between calls")
	}
}
