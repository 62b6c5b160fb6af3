package ble

import "tinygo.org/x/bluetooth"

// WinRT reports the GATT property bits of every discovered characteristic.
func characteristicProperties(c bluetooth.DeviceCharacteristic) Properties {
	return propertiesFromMask(c.Properties())
}
