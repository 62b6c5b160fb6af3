// Package bletest provides a scriptable in-memory BLE transport for tests.
package bletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/chaz8081/btlightd/internal/ble"
)

// Writable is the property set of a plain write characteristic.
var Writable = ble.Properties{Write: true, WriteWithoutResponse: true}

// ReadOnly is the property set of a notify-only characteristic.
var ReadOnly = ble.Properties{Read: true, Notify: true}

// Characteristic records writes.
type Characteristic struct {
	id    string
	props ble.Properties

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

// NewCharacteristic creates a characteristic with the given UUID and properties.
func NewCharacteristic(uuid string, props ble.Properties) *Characteristic {
	return &Characteristic{id: uuid, props: props}
}

func (c *Characteristic) UUID() string               { return c.id }
func (c *Characteristic) Properties() ble.Properties { return c.props }

func (c *Characteristic) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.writes = append(c.writes, cp)
	return nil
}

// SetWriteError makes subsequent writes fail with err. nil restores writes.
func (c *Characteristic) SetWriteError(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

// Writes returns a copy of every frame written so far.
func (c *Characteristic) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.writes))
	copy(out, c.writes)
	return out
}

// LastWrite returns the most recent frame, or nil.
func (c *Characteristic) LastWrite() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.writes) == 0 {
		return nil
	}
	return c.writes[len(c.writes)-1]
}

// Service holds characteristics. Direct lookups only succeed for the exact
// UUID string, like transports that key their attribute cache by full UUID.
type Service struct {
	id    string
	chars []*Characteristic

	mu            sync.Mutex
	discoverCalls int
}

// NewService creates a service with the given characteristics.
func NewService(uuid string, chars ...*Characteristic) *Service {
	return &Service{id: uuid, chars: chars}
}

func (s *Service) UUID() string { return s.id }

func (s *Service) DiscoverCharacteristics(_ []string) error {
	s.mu.Lock()
	s.discoverCalls++
	s.mu.Unlock()
	return nil
}

func (s *Service) Characteristic(uuid string) (ble.Characteristic, error) {
	for _, c := range s.chars {
		if c.id == uuid {
			return c, nil
		}
	}
	return nil, fmt.Errorf("bletest: characteristic %q not found", uuid)
}

func (s *Service) Characteristics() ([]ble.Characteristic, error) {
	out := make([]ble.Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	return out, nil
}

// Peripheral simulates a remote light.
type Peripheral struct {
	address  string
	services []*Service

	mu              sync.Mutex
	connected       bool
	rssi            int
	hasRSSI         bool
	onDisconnect    func()
	connectErr      error
	hiddenDiscovers int
	connectCalls    int
	disconnectCalls int
	discoverCalls   int
}

// NewPeripheral creates a disconnected peripheral exposing services.
func NewPeripheral(address string, services ...*Service) *Peripheral {
	return &Peripheral{address: address, services: services}
}

func (p *Peripheral) Address() string { return p.address }

func (p *Peripheral) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectCalls++
	if p.connectErr != nil {
		return p.connectErr
	}
	p.connected = true
	return nil
}

// Disconnect drops the link and fires the disconnect observer, like a real
// stack does for a locally initiated disconnect.
func (p *Peripheral) Disconnect() error {
	p.mu.Lock()
	p.disconnectCalls++
	was := p.connected
	p.connected = false
	var cb func()
	if was {
		cb = p.onDisconnect
		p.onDisconnect = nil
	}
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (p *Peripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Peripheral) RSSI() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rssi, p.hasRSSI
}

func (p *Peripheral) DiscoverServices(_ []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoverCalls++
	if p.hiddenDiscovers > 0 {
		p.hiddenDiscovers--
	}
	return nil
}

func (p *Peripheral) Service(uuid string) (ble.Service, error) {
	if p.hidden() {
		return nil, fmt.Errorf("bletest: service %q not found", uuid)
	}
	for _, s := range p.services {
		if s.id == uuid {
			return s, nil
		}
	}
	return nil, fmt.Errorf("bletest: service %q not found", uuid)
}

func (p *Peripheral) Services() ([]ble.Service, error) {
	if p.hidden() {
		return nil, nil
	}
	out := make([]ble.Service, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	return out, nil
}

func (p *Peripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	p.onDisconnect = cb
	p.mu.Unlock()
}

func (p *Peripheral) hidden() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hiddenDiscovers > 0 || !p.connected
}

// SimulateDisconnect drops the link as if the lamp went out of range.
func (p *Peripheral) SimulateDisconnect() {
	p.mu.Lock()
	p.connected = false
	cb := p.onDisconnect
	p.onDisconnect = nil
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// DropSilently marks the link down without firing the observer, as when the
// stack misses the disconnect event.
func (p *Peripheral) DropSilently() {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
}

// SetRSSI sets the RSSI reported while connected.
func (p *Peripheral) SetRSSI(v int) {
	p.mu.Lock()
	p.rssi, p.hasRSSI = v, true
	p.mu.Unlock()
}

// SetConnectError makes Connect fail with err. nil restores connects.
func (p *Peripheral) SetConnectError(err error) {
	p.mu.Lock()
	p.connectErr = err
	p.mu.Unlock()
}

// HideServices makes the GATT table appear empty until n more service
// discoveries have run.
func (p *Peripheral) HideServices(n int) {
	p.mu.Lock()
	p.hiddenDiscovers = n
	p.mu.Unlock()
}

// HasObserver reports whether a disconnect observer is registered.
func (p *Peripheral) HasObserver() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onDisconnect != nil
}

func (p *Peripheral) ConnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectCalls
}

func (p *Peripheral) DisconnectCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnectCalls
}

func (p *Peripheral) DiscoverCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discoverCalls
}

// Adapter simulates the host BLE stack.
type Adapter struct {
	mu          sync.Mutex
	ads         []ble.Advertisement
	peripherals []*Peripheral
	scanned     map[string]bool
	requireScan bool
	scanErr     error
	enableErr   error
	scanCalls   int
	findCalls   int
}

// NewAdapter creates an adapter that knows about peripherals.
func NewAdapter(peripherals ...*Peripheral) *Adapter {
	return &Adapter{peripherals: peripherals, scanned: make(map[string]bool)}
}

// SetAdvertisements replaces the scan snapshot.
func (a *Adapter) SetAdvertisements(ads ...ble.Advertisement) {
	a.mu.Lock()
	a.ads = ads
	a.mu.Unlock()
}

// RequireScan makes Find fail for addresses not seen in an earlier scan,
// like stacks that only resolve cached devices.
func (a *Adapter) RequireScan(v bool) {
	a.mu.Lock()
	a.requireScan = v
	a.mu.Unlock()
}

// SetScanError makes Advertisements fail with err.
func (a *Adapter) SetScanError(err error) {
	a.mu.Lock()
	a.scanErr = err
	a.mu.Unlock()
}

// SetEnableError makes Enable fail with err.
func (a *Adapter) SetEnableError(err error) {
	a.mu.Lock()
	a.enableErr = err
	a.mu.Unlock()
}

func (a *Adapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enableErr
}

func (a *Adapter) Advertisements(ctx context.Context) ([]ble.Advertisement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scanCalls++
	if a.scanErr != nil {
		return nil, a.scanErr
	}
	out := make([]ble.Advertisement, len(a.ads))
	copy(out, a.ads)
	for _, ad := range a.ads {
		a.scanned[ble.NormalizeAddress(ad.Address)] = true
	}
	return out, nil
}

func (a *Adapter) Find(ctx context.Context, address string) (ble.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.findCalls++
	if a.requireScan && !a.scanned[ble.NormalizeAddress(address)] {
		return nil, ble.ErrPeripheralNotFound
	}
	for _, p := range a.peripherals {
		if ble.SameAddress(p.address, address) {
			return p, nil
		}
	}
	return nil, ble.ErrPeripheralNotFound
}

func (a *Adapter) ScanCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scanCalls
}

func (a *Adapter) FindCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.findCalls
}

var (
	_ ble.Adapter        = (*Adapter)(nil)
	_ ble.Peripheral     = (*Peripheral)(nil)
	_ ble.Service        = (*Service)(nil)
	_ ble.Characteristic = (*Characteristic)(nil)
)
