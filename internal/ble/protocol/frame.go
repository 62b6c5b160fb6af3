// Package protocol encodes the command frames understood by the light's
// writable characteristic. The protocol is write-only: the lamp never
// acknowledges a frame.
package protocol

// Frame sizes.
const (
	PowerFrameLen = 3
	ColorFrameLen = 7
)

// Opcodes and fixed bytes of the power frames.
const (
	powerPrefix  byte = 0xCC
	powerOnCode  byte = 0x23
	powerOffCode byte = 0x24
	powerSuffix  byte = 0x33
)

// Fixed bytes of the color frame.
//
//	0x56 R G B 0x00 0xF0 0xAA
const (
	colorPrefix byte = 0x56
	colorWhite  byte = 0x00
	colorMode   byte = 0xF0
	colorSuffix byte = 0xAA
)

// PowerOn returns the frame that switches the lamp on.
func PowerOn() []byte {
	return []byte{powerPrefix, powerOnCode, powerSuffix}
}

// PowerOff returns the frame that switches the lamp off.
func PowerOff() []byte {
	return []byte{powerPrefix, powerOffCode, powerSuffix}
}

// SetRGB returns the frame that sets the lamp color. Each channel is masked
// to 8 bits.
func SetRGB(r, g, b int) []byte {
	return []byte{
		colorPrefix,
		byte(r & 0xFF),
		byte(g & 0xFF),
		byte(b & 0xFF),
		colorWhite,
		colorMode,
		colorSuffix,
	}
}
