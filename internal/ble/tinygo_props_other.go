//go:build !windows

package ble

import "tinygo.org/x/bluetooth"

func characteristicProperties(c bluetooth.DeviceCharacteristic) Properties {
	return inferProperties(c.UUID().String())
}
