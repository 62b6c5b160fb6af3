package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ConnState is the supervisor's view of the link.
type ConnState string

const (
	StateConnected    ConnState = "connected"
	StateDisconnected ConnState = "disconnected"
)

// SupervisorOptions configures a Supervisor.
type SupervisorOptions struct {
	Address     string // device address; empty matches by service hint only
	ServiceUUID string // service hint; empty means autodetect
	CharUUID    string // characteristic hint; empty means autodetect

	// ConnectMinRSSI skips connection attempts while the advertised RSSI is
	// below it. Zero means DefaultRSSIMin.
	ConnectMinRSSI int

	RetryInterval time.Duration // background retry period (default 12s)
	SettleDelay   time.Duration // pause after connect before discovery (default 1s)

	// WriteRate caps frames per second sent to the lamp. Zero disables
	// pacing. WriteBurst defaults to 1.
	WriteRate  float64
	WriteBurst int
}

// DefaultSupervisorOptions returns the timing the lamps were tuned with.
func DefaultSupervisorOptions() SupervisorOptions {
	return SupervisorOptions{
		ConnectMinRSSI: DefaultRSSIMin,
		RetryInterval:  12 * time.Second,
		SettleDelay:    time.Second,
		WriteRate:      20,
		WriteBurst:     2,
	}
}

// Supervisor keeps one peripheral connected and its writable characteristic
// resolved. The peripheral handle and characteristic are either both set or
// both absent.
type Supervisor struct {
	adapter  Adapter
	resolver *Resolver
	monitor  *LinkMonitor
	logger   *slog.Logger
	limiter  *rate.Limiter

	attemptMu sync.Mutex // serializes connection attempts

	mu         sync.Mutex
	opts       SupervisorOptions
	peripheral Peripheral
	char       Characteristic
	cancel     context.CancelFunc
	done       chan struct{}
	stopped    bool

	stopOnce sync.Once
}

// NewSupervisor creates a stopped supervisor. Zero durations in opts take
// their defaults. A nil monitor gets a private one with no sink.
func NewSupervisor(adapter Adapter, resolver *Resolver, monitor *LinkMonitor, opts SupervisorOptions, logger *slog.Logger) *Supervisor {
	def := DefaultSupervisorOptions()
	if opts.ConnectMinRSSI == 0 {
		opts.ConnectMinRSSI = def.ConnectMinRSSI
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = def.RetryInterval
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = def.SettleDelay
	}
	if opts.WriteBurst <= 0 {
		opts.WriteBurst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewResolver(DefaultResolverOptions(), logger)
	}
	if monitor == nil {
		monitor = NewLinkMonitor(LinkMonitorOptions{}, nil, logger)
	}

	limit := rate.Inf
	if opts.WriteRate > 0 {
		limit = rate.Limit(opts.WriteRate)
	}

	return &Supervisor{
		adapter:  adapter,
		resolver: resolver,
		monitor:  monitor,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, opts.WriteBurst),
		opts:     opts,
	}
}

// Start launches the background retry loop. The first attempt runs
// immediately. Start on a running or stopped supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil || s.stopped {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		if !s.Connected() {
			if err := s.connectOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("[BLE] connect attempt failed", "error", err)
			}
		}
		if err := sleepCtx(ctx, s.options().RetryInterval); err != nil {
			return
		}
	}
}

// Stop ends the retry loop and disconnects. It waits for an in-flight
// connection attempt to finish. Stop is idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		cancel, done := s.cancel, s.done
		s.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		s.attemptMu.Lock()
		defer s.attemptMu.Unlock()

		s.mu.Lock()
		p := s.peripheral
		s.peripheral, s.char = nil, nil
		s.mu.Unlock()

		if p != nil && p.IsConnected() {
			if err := p.Disconnect(); err != nil {
				s.logger.Debug("[BLE] disconnect on stop failed", "error", err)
			}
		}
		s.logger.Info("[BLE] supervisor stopped")
	})
}

// Connected reports whether a resolved characteristic is held on a live link.
func (s *Supervisor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.char != nil && s.peripheral != nil && s.peripheral.IsConnected()
}

// State returns StateConnected or StateDisconnected.
func (s *Supervisor) State() ConnState {
	if s.Connected() {
		return StateConnected
	}
	return StateDisconnected
}

// EnsureConnected returns nil when the link is usable, otherwise it runs one
// connection attempt inline.
func (s *Supervisor) EnsureConnected(ctx context.Context) error {
	if s.Connected() {
		return nil
	}
	return s.connectOnce(ctx)
}

// Write sends one frame to the resolved characteristic, paced by the write
// limiter.
func (s *Supervisor) Write(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	c := s.char
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ble: pace write: %w", err)
	}
	if err := c.Write(frame); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteFailed, err)
	}
	return nil
}

// SetHints replaces the service and characteristic hints. They apply to the
// next connection attempt.
func (s *Supervisor) SetHints(serviceUUID, charUUID string) {
	s.mu.Lock()
	s.opts.ServiceUUID = serviceUUID
	s.opts.CharUUID = charUUID
	s.mu.Unlock()
}

// SetConnectMinRSSI replaces the connect threshold. Zero means DefaultRSSIMin.
func (s *Supervisor) SetConnectMinRSSI(v int) {
	if v == 0 {
		v = DefaultRSSIMin
	}
	s.mu.Lock()
	s.opts.ConnectMinRSSI = v
	s.mu.Unlock()
}

// LinkSample reports connectivity and RSSI of the current handle. It is the
// link monitor's sampler.
func (s *Supervisor) LinkSample() (bool, *int) {
	s.mu.Lock()
	p, c := s.peripheral, s.char
	s.mu.Unlock()
	if p == nil {
		return false, nil
	}
	connected := c != nil && p.IsConnected()
	if v, ok := p.RSSI(); ok {
		return connected, &v
	}
	return connected, nil
}

func (s *Supervisor) options() SupervisorOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// connectOnce runs one full attempt: signal gate, lookup, connect, settle,
// resolve, commit.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	if s.Connected() {
		return nil
	}
	s.dropStaleHandle()

	opts := s.options()
	log := s.logger.With("address", ShortAddress(opts.Address, 4))

	ads, err := s.adapter.Advertisements(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Debug("[BLE] advertisement scan failed", "error", err)
		ads = nil
	}
	if ad, ok := findAdvertisement(ads, opts.Address); ok {
		log.Debug("[BLE] advertised", "name", ad.LocalName, "rssi", ad.RSSI, "services", ad.ServiceUUIDs)
		if ad.HasRSSI && ad.RSSI < opts.ConnectMinRSSI {
			log.Info("[BLE] skipping connect, advertised signal too weak", "rssi", ad.RSSI, "min", opts.ConnectMinRSSI)
			rssi := ad.RSSI
			s.monitor.Report(false, &rssi)
			return fmt.Errorf("%w: advertised RSSI %d < %d", ErrLinkTooWeak, ad.RSSI, opts.ConnectMinRSSI)
		}
	}

	p, err := s.findPeripheral(ctx, opts, ads)
	if err != nil {
		return err
	}

	log.Info("[BLE] connecting")
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("ble: connect to %s: %w", p.Address(), err)
	}
	if err := sleepCtx(ctx, opts.SettleDelay); err != nil {
		s.abandon(p)
		return err
	}

	svc, err := s.resolver.ResolveService(ctx, p, opts.ServiceUUID)
	if err != nil {
		s.abandon(p)
		return fmt.Errorf("ble: resolve: %w", err)
	}
	c, err := s.resolver.ResolveCharacteristic(ctx, svc, opts.CharUUID)
	if err != nil {
		s.abandon(p)
		return fmt.Errorf("ble: resolve: %w", err)
	}
	if !p.IsConnected() {
		return fmt.Errorf("%w: link dropped during discovery", ErrNotConnected)
	}

	s.mu.Lock()
	s.peripheral, s.char = p, c
	s.mu.Unlock()
	p.OnDisconnect(func() { s.handleDisconnect(p) })

	log.Info("[BLE] connected", "service", svc.UUID(), "characteristic", c.UUID())
	var rssi *int
	if v, ok := p.RSSI(); ok {
		rssi = &v
	}
	s.monitor.Report(true, rssi)
	return nil
}

// findPeripheral looks the device up by address, then falls back to the
// advertisement snapshot, matching by address and then by service hint.
func (s *Supervisor) findPeripheral(ctx context.Context, opts SupervisorOptions, ads []Advertisement) (Peripheral, error) {
	if opts.Address != "" {
		p, err := s.adapter.Find(ctx, opts.Address)
		if err == nil {
			return p, nil
		}
		s.logger.Debug("[BLE] direct lookup failed, scanning", "error", err)
	}

	if ads == nil {
		var err error
		ads, err = s.adapter.Advertisements(ctx)
		if err != nil {
			return nil, fmt.Errorf("ble: scan: %w", err)
		}
	}

	match, ok := findAdvertisement(ads, opts.Address)
	if !ok && opts.ServiceUUID != "" {
		match, ok = findAdvertisedService(ads, opts.ServiceUUID)
	}
	if !ok {
		return nil, ErrPeripheralNotFound
	}
	p, err := s.adapter.Find(ctx, match.Address)
	if err != nil {
		return nil, fmt.Errorf("ble: open %s: %w", match.Address, err)
	}
	return p, nil
}

// handleDisconnect clears the handle if p is still the current peripheral.
func (s *Supervisor) handleDisconnect(p Peripheral) {
	s.mu.Lock()
	if s.peripheral != p {
		s.mu.Unlock()
		return
	}
	s.peripheral, s.char = nil, nil
	s.mu.Unlock()

	s.logger.Warn("[BLE] disconnected", "address", ShortAddress(p.Address(), 4))
	s.monitor.Report(false, nil)
}

// dropStaleHandle clears a handle whose link died without an event.
func (s *Supervisor) dropStaleHandle() {
	s.mu.Lock()
	p := s.peripheral
	stale := p != nil && !p.IsConnected()
	if stale {
		s.peripheral, s.char = nil, nil
	}
	s.mu.Unlock()
	if stale {
		s.logger.Info("[BLE] dropping stale connection handle")
	}
}

// abandon tears down a half-established link.
func (s *Supervisor) abandon(p Peripheral) {
	if err := p.Disconnect(); err != nil {
		s.logger.Debug("[BLE] disconnect after failed attempt", "error", err)
	}
}

func findAdvertisement(ads []Advertisement, address string) (Advertisement, bool) {
	for _, ad := range ads {
		if SameAddress(ad.Address, address) {
			return ad, true
		}
	}
	return Advertisement{}, false
}

func findAdvertisedService(ads []Advertisement, hint string) (Advertisement, bool) {
	for _, ad := range ads {
		for _, u := range ad.ServiceUUIDs {
			if MatchUUID(u, hint) {
				return ad, true
			}
		}
	}
	return Advertisement{}, false
}
