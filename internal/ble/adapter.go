// Package ble keeps a BLE light reachable over a flaky radio link. It
// resolves the lamp's writable characteristic under UUID ambiguity,
// supervises the connection, and samples link quality.
package ble

import "context"

// Properties are the GATT properties of a characteristic.
type Properties struct {
	Read                 bool
	Write                bool
	WriteWithoutResponse bool
	Notify               bool
	Indicate             bool
}

// Writable reports whether the characteristic accepts writes of either kind.
func (p Properties) Writable() bool {
	return p.Write || p.WriteWithoutResponse
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	// UUID returns the characteristic UUID as reported by the transport.
	UUID() string
	Properties() Properties
	// Write sends data to the characteristic. Stacks offering acknowledged
	// writes fall back to a write without response when one fails.
	Write(data []byte) error
}

// Service represents a BLE GATT service on a connected peripheral.
type Service interface {
	UUID() string
	// DiscoverCharacteristics asks the transport to (re)discover
	// characteristics. An empty filter means all of them.
	DiscoverCharacteristics(filter []string) error
	// Characteristic looks up a characteristic by UUID.
	Characteristic(uuid string) (Characteristic, error)
	// Characteristics lists the characteristics discovered so far.
	Characteristics() ([]Characteristic, error)
}

// Peripheral is a handle on a remote BLE device.
type Peripheral interface {
	Address() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool
	// RSSI returns the current signal strength in dBm, if the transport
	// can report one.
	RSSI() (int, bool)
	// DiscoverServices asks the transport to (re)discover services. An
	// empty filter means all of them.
	DiscoverServices(filter []string) error
	// Service looks up a service by UUID.
	Service(uuid string) (Service, error)
	// Services lists the services discovered so far.
	Services() ([]Service, error)
	// OnDisconnect registers a callback that fires once, the next time the
	// link drops. A later registration replaces an earlier one.
	OnDisconnect(callback func())
}

// Advertisement is one entry of a passive scan snapshot.
type Advertisement struct {
	Address      string
	LocalName    string
	ServiceUUIDs []string
	// RSSI is the advertised signal strength in dBm. HasRSSI is false when
	// the transport did not report one.
	RSSI    int
	HasRSSI bool
}

// Adapter abstracts the host BLE stack for testing.
type Adapter interface {
	// Enable powers on the BLE adapter.
	Enable() error
	// Advertisements returns a snapshot of recently seen advertisements.
	Advertisements(ctx context.Context) ([]Advertisement, error)
	// Find returns a handle for the peripheral with the given address, or
	// ErrPeripheralNotFound.
	Find(ctx context.Context, address string) (Peripheral, error)
}
