//go:build darwin || windows

package ble

import "tinygo.org/x/bluetooth"

// writeCharacteristic tries an acknowledged write first. Lamps that only
// declare write-without-response reject it, so the unacknowledged form is
// the fallback.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	if _, err := c.Write(data); err == nil {
		return nil
	}
	_, err := c.WriteWithoutResponse(data)
	return err
}
