//go:build !darwin && !windows

package ble

import "tinygo.org/x/bluetooth"

// BlueZ exposes only the unacknowledged write.
func writeCharacteristic(c bluetooth.DeviceCharacteristic, data []byte) error {
	_, err := c.WriteWithoutResponse(data)
	return err
}
