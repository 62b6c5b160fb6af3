package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// TinyGoOptions configures the host BLE adapter.
type TinyGoOptions struct {
	// ScanWindow bounds each advertisement snapshot (default 3s).
	ScanWindow time.Duration
	// WatchServices are service UUIDs reported in Advertisement.ServiceUUIDs
	// when a device advertises them. DefaultFallbackServices are always
	// watched.
	WatchServices []string
}

// TinyGoAdapter wraps tinygo-org/bluetooth. Addresses are MAC strings on
// Linux and Windows and CoreBluetooth UUIDs on macOS.
type TinyGoAdapter struct {
	adapter *bluetooth.Adapter
	window  time.Duration
	watch   map[string]bluetooth.UUID
	logger  *slog.Logger

	scanMu sync.Mutex // the host stack runs one scan at a time

	mu          sync.Mutex
	seen        map[string]seenDevice // keyed by normalized address
	connections map[string]*tinygoPeripheral
}

type seenDevice struct {
	addr bluetooth.Address
	ad   Advertisement
}

// NewTinyGoAdapter creates an adapter on the default host controller.
func NewTinyGoAdapter(opts TinyGoOptions, logger *slog.Logger) *TinyGoAdapter {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	watch := make(map[string]bluetooth.UUID)
	for _, s := range append(append([]string(nil), DefaultFallbackServices...), opts.WatchServices...) {
		full := FullUUID(s)
		if full == "" {
			continue
		}
		u, err := bluetooth.ParseUUID(full)
		if err != nil {
			logger.Warn("[BLE] ignoring unparseable service UUID", "uuid", s, "error", err)
			continue
		}
		watch[full] = u
	}
	return &TinyGoAdapter{
		adapter:     bluetooth.DefaultAdapter,
		window:      opts.ScanWindow,
		watch:       watch,
		logger:      logger,
		seen:        make(map[string]seenDevice),
		connections: make(map[string]*tinygoPeripheral),
	}
}

func (a *TinyGoAdapter) Enable() error {
	if err := a.adapter.Enable(); err != nil {
		return fmt.Errorf("ble: enable adapter: %w", err)
	}

	// The stack reports link loss through this adapter-wide handler.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := NormalizeAddress(device.Address.String())
		a.mu.Lock()
		p, ok := a.connections[key]
		delete(a.connections, key)
		a.mu.Unlock()
		if ok {
			p.linkLost()
		}
	})
	return nil
}

func (a *TinyGoAdapter) Advertisements(ctx context.Context) ([]Advertisement, error) {
	found := make(map[string]Advertisement)
	var order []string
	err := a.scan(ctx, func(addr bluetooth.Address, ad Advertisement) bool {
		key := NormalizeAddress(ad.Address)
		if _, ok := found[key]; !ok {
			order = append(order, key)
		}
		found[key] = ad
		return false
	})
	if err != nil {
		return nil, err
	}
	out := make([]Advertisement, 0, len(order))
	for _, key := range order {
		out = append(out, found[key])
	}
	return out, nil
}

func (a *TinyGoAdapter) Find(ctx context.Context, address string) (Peripheral, error) {
	key := NormalizeAddress(address)
	if key == "" {
		return nil, ErrPeripheralNotFound
	}

	a.mu.Lock()
	if p, ok := a.connections[key]; ok {
		a.mu.Unlock()
		return p, nil
	}
	dev, ok := a.seen[key]
	a.mu.Unlock()
	if ok {
		return a.newPeripheral(dev.addr), nil
	}

	var match *bluetooth.Address
	err := a.scan(ctx, func(addr bluetooth.Address, ad Advertisement) bool {
		if NormalizeAddress(ad.Address) == key {
			match = &addr
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if match == nil {
		return nil, ErrPeripheralNotFound
	}
	return a.newPeripheral(*match), nil
}

// scan runs one bounded scan, calling visit for every advertisement until
// it returns true.
func (a *TinyGoAdapter) scan(ctx context.Context, visit func(bluetooth.Address, Advertisement) bool) error {
	a.scanMu.Lock()
	defer a.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.window)
	defer cancel()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	var once sync.Once
	err := a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		ad := Advertisement{
			Address:   result.Address.String(),
			LocalName: result.LocalName(),
			RSSI:      int(result.RSSI),
			HasRSSI:   result.RSSI != 0,
		}
		for full, u := range a.watch {
			if result.HasServiceUUID(u) {
				ad.ServiceUUIDs = append(ad.ServiceUUIDs, full)
			}
		}

		a.mu.Lock()
		a.seen[NormalizeAddress(ad.Address)] = seenDevice{addr: result.Address, ad: ad}
		a.mu.Unlock()

		if visit(result.Address, ad) {
			once.Do(func() { _ = adapter.StopScan() })
		}
	})
	close(done)

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *TinyGoAdapter) newPeripheral(addr bluetooth.Address) *tinygoPeripheral {
	return &tinygoPeripheral{adapter: a, addr: addr, address: addr.String()}
}

// lastRSSI returns the RSSI of the most recent advertisement from address.
// Connected links report no RSSI on every platform, so this stands in.
func (a *TinyGoAdapter) lastRSSI(address string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev, ok := a.seen[NormalizeAddress(address)]
	if !ok || !dev.ad.HasRSSI {
		return 0, false
	}
	return dev.ad.RSSI, true
}

var _ Adapter = (*TinyGoAdapter)(nil)

type tinygoPeripheral struct {
	adapter *TinyGoAdapter
	addr    bluetooth.Address
	address string

	mu           sync.Mutex
	device       *bluetooth.Device
	connected    bool
	services     []*tinygoService
	disconnectCb func()
}

func (p *tinygoPeripheral) Address() string { return p.address }

func (p *tinygoPeripheral) Connect(ctx context.Context) error {
	// Connect blocks with the stack's own timeout; ctx only bounds the wait.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := p.adapter.adapter.Connect(p.addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		p.mu.Lock()
		p.device = &res.device
		p.connected = true
		p.services = nil
		p.mu.Unlock()

		p.adapter.mu.Lock()
		p.adapter.connections[NormalizeAddress(p.address)] = p
		p.adapter.mu.Unlock()
		return nil
	}
}

func (p *tinygoPeripheral) Disconnect() error {
	p.mu.Lock()
	dev := p.device
	p.connected = false
	p.mu.Unlock()
	if dev == nil {
		return nil
	}
	return dev.Disconnect()
}

func (p *tinygoPeripheral) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *tinygoPeripheral) RSSI() (int, bool) {
	return p.adapter.lastRSSI(p.address)
}

// DiscoverServices always reads the whole GATT table; the filter only names
// what the caller is after and fallbacks need the rest.
func (p *tinygoPeripheral) DiscoverServices(_ []string) error {
	p.mu.Lock()
	dev := p.device
	p.mu.Unlock()
	if dev == nil {
		return ErrNotConnected
	}

	svcs, err := dev.DiscoverServices(nil)
	if err != nil {
		return fmt.Errorf("ble: discover services: %w", err)
	}
	wrapped := make([]*tinygoService, 0, len(svcs))
	for _, s := range svcs {
		wrapped = append(wrapped, &tinygoService{svc: s})
	}

	p.mu.Lock()
	p.services = wrapped
	p.mu.Unlock()
	return nil
}

func (p *tinygoPeripheral) Service(uuid string) (Service, error) {
	want := FullUUID(uuid)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.services {
		if s.UUID() == want {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, uuid)
}

func (p *tinygoPeripheral) Services() ([]Service, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Service, 0, len(p.services))
	for _, s := range p.services {
		out = append(out, s)
	}
	return out, nil
}

func (p *tinygoPeripheral) OnDisconnect(cb func()) {
	p.mu.Lock()
	p.disconnectCb = cb
	p.mu.Unlock()
}

func (p *tinygoPeripheral) linkLost() {
	p.mu.Lock()
	p.connected = false
	cb := p.disconnectCb
	p.disconnectCb = nil
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type tinygoService struct {
	svc bluetooth.DeviceService

	mu    sync.Mutex
	chars []*tinygoCharacteristic
}

func (s *tinygoService) UUID() string { return s.svc.UUID().String() }

func (s *tinygoService) DiscoverCharacteristics(_ []string) error {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return fmt.Errorf("ble: discover characteristics: %w", err)
	}
	wrapped := make([]*tinygoCharacteristic, 0, len(chars))
	for _, c := range chars {
		wrapped = append(wrapped, &tinygoCharacteristic{char: c})
	}
	s.mu.Lock()
	s.chars = wrapped
	s.mu.Unlock()
	return nil
}

func (s *tinygoService) Characteristic(uuid string) (Characteristic, error) {
	want := FullUUID(uuid)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chars {
		if c.UUID() == want {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
}

func (s *tinygoService) Characteristics() ([]Characteristic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Characteristic, 0, len(s.chars))
	for _, c := range s.chars {
		out = append(out, c)
	}
	return out, nil
}

type tinygoCharacteristic struct {
	char bluetooth.DeviceCharacteristic
}

func (c *tinygoCharacteristic) UUID() string { return c.char.UUID().String() }

func (c *tinygoCharacteristic) Properties() Properties {
	return characteristicProperties(c.char)
}

func (c *tinygoCharacteristic) Write(data []byte) error {
	return writeCharacteristic(c.char, data)
}

// GATT characteristic property bits (Core spec Vol 3 Part G 3.3.1.1).
const (
	propRead                 = 0x02
	propWriteWithoutResponse = 0x04
	propWrite                = 0x08
	propNotify               = 0x10
	propIndicate             = 0x20
)

// propertiesFromMask decodes a GATT property bitmask.
func propertiesFromMask(mask uint32) Properties {
	return Properties{
		Read:                 mask&propRead != 0,
		Write:                mask&propWrite != 0,
		WriteWithoutResponse: mask&propWriteWithoutResponse != 0,
		Notify:               mask&propNotify != 0,
		Indicate:             mask&propIndicate != 0,
	}
}

// inferProperties guesses properties from the UUID for stacks that do not
// expose the property bits: SIG-assigned characteristics (0x2Axx, 0x2Bxx)
// are read only and vendor characteristics writable.
func inferProperties(id string) Properties {
	n := NormalizeUUID(FullUUID(id))
	base := NormalizeUUID(bluetoothBaseSuffix)
	if strings.HasSuffix(n, base) && (strings.HasPrefix(n, "00002a") || strings.HasPrefix(n, "00002b")) {
		return Properties{Read: true}
	}
	return Properties{Read: true, Write: true, WriteWithoutResponse: true}
}
