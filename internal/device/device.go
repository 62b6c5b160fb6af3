// Package device ties one configured lamp together: persisted state, the
// connection supervisor, the link monitor and the light controller.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/light"
	"github.com/chaz8081/btlightd/internal/store"
)

// Capability names accepted by HandleCapability.
const (
	CapOnOff       = "onoff"
	CapDim         = "dim"
	CapHue         = "light_hue"
	CapSaturation  = "light_saturation"
	CapTemperature = "light_temperature"
	CapMode        = "light_mode"
)

// Capabilities lists every settable capability.
var Capabilities = []string{CapOnOff, CapDim, CapHue, CapSaturation, CapTemperature, CapMode}

var (
	// ErrUnknownCapability is returned for capability names outside Capabilities.
	ErrUnknownCapability = errors.New("device: unknown capability")

	// ErrInvalidValue is returned when a capability value has the wrong type.
	ErrInvalidValue = errors.New("device: invalid capability value")
)

const persistTimeout = 5 * time.Second

// DefaultMetricsInterval is the link sampling period used when none is set.
const DefaultMetricsInterval = 60 * time.Second

// Config is the persisted configuration of one lamp.
type Config struct {
	Name            string
	Address         string
	ServiceUUID     string
	CharUUID        string
	RSSIMin         int
	ConnectMinRSSI  int
	MetricsInterval time.Duration

	Resolver ble.ResolverOptions
	// Supervisor carries timing and pacing. Its address, hints and connect
	// threshold are taken from the fields above.
	Supervisor ble.SupervisorOptions
}

// StateStore persists light and link state.
type StateStore interface {
	LoadLightState(ctx context.Context, address string) (light.State, error)
	SaveLightState(ctx context.Context, address string, st light.State) error
	SaveLinkState(ctx context.Context, address string, st ble.LinkState) error
	UpdatedAt(ctx context.Context, address string) (time.Time, error)
}

// Deps are the collaborators of a Device. Only Adapter is required.
type Deps struct {
	Adapter ble.Adapter
	Store   StateStore
	Logger  *slog.Logger

	// OnState and OnLink receive every light and link state change.
	OnState func(id string, st light.State)
	OnLink  func(id string, st ble.LinkState)
}

// Settings is a runtime settings delta. Nil fields are left unchanged.
type Settings struct {
	MetricsIntervalS *int    `json:"metrics_interval_s,omitempty"`
	RSSIMin          *int    `json:"rssi_min,omitempty"`
	ConnectMinRSSI   *int    `json:"connect_min_rssi,omitempty"`
	ServiceUUID      *string `json:"service_uuid,omitempty"`
	CharUUID         *string `json:"char_uuid,omitempty"`
}

// Device is one running lamp.
type Device struct {
	id     string
	name   string
	deps   Deps
	logger *slog.Logger

	monitor *ble.LinkMonitor
	sup     *ble.Supervisor
	ctrl    *light.Controller

	mu          sync.Mutex
	serviceUUID string
	charUUID    string

	stopOnce sync.Once
}

// Start loads the persisted light state, starts connection supervision and
// link sampling, and returns the running device.
func Start(ctx context.Context, cfg Config, deps Deps) (*Device, error) {
	if deps.Adapter == nil {
		return nil, errors.New("device: adapter is required")
	}
	id := ble.NormalizeAddress(cfg.Address)
	if id == "" {
		return nil, fmt.Errorf("device: invalid address %q", cfg.Address)
	}
	for _, hint := range []string{cfg.ServiceUUID, cfg.CharUUID} {
		if err := ble.ValidateUUIDHint(hint); err != nil {
			return nil, fmt.Errorf("device: %w", err)
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "BT Light"
	}
	logger = logger.With("device", name, "address", ble.ShortAddress(cfg.Address, 4))

	d := &Device{
		id:          id,
		name:        name,
		deps:        deps,
		logger:      logger,
		serviceUUID: strings.TrimSpace(cfg.ServiceUUID),
		charUUID:    strings.TrimSpace(cfg.CharUUID),
	}

	initial := d.loadState(ctx)

	interval := cfg.MetricsInterval
	if interval <= 0 {
		interval = DefaultMetricsInterval
	}
	d.monitor = ble.NewLinkMonitor(ble.LinkMonitorOptions{
		Interval: interval,
		RSSIMin:  cfg.RSSIMin,
	}, d.onLink, logger)

	supOpts := cfg.Supervisor
	supOpts.Address = cfg.Address
	supOpts.ServiceUUID = d.serviceUUID
	supOpts.CharUUID = d.charUUID
	supOpts.ConnectMinRSSI = cfg.ConnectMinRSSI
	d.sup = ble.NewSupervisor(deps.Adapter, ble.NewResolver(cfg.Resolver, logger), d.monitor, supOpts, logger)

	d.ctrl = light.NewController(d.sup, initial, logger)
	d.ctrl.OnStateChange(d.onState)

	d.monitor.Report(false, nil)
	d.sup.Start(ctx)
	d.monitor.Start(d.sup.LinkSample)

	logger.Info("[DEVICE] started", "service_hint", d.serviceUUID, "char_hint", d.charUUID)
	return d, nil
}

func (d *Device) loadState(ctx context.Context) light.State {
	if d.deps.Store == nil {
		return light.DefaultState()
	}
	st, err := d.deps.Store.LoadLightState(ctx, d.id)
	switch {
	case err == nil:
		attrs := []any{"state", st}
		if at, err := d.deps.Store.UpdatedAt(ctx, d.id); err == nil {
			attrs = append(attrs, "age", time.Since(at).Round(time.Second))
		}
		d.logger.Info("[DEVICE] restored light state", attrs...)
		return st
	case errors.Is(err, store.ErrNotFound):
		return light.DefaultState()
	default:
		d.logger.Warn("[DEVICE] could not load light state, using defaults", "error", err)
		return light.DefaultState()
	}
}

// ID is the normalized device address.
func (d *Device) ID() string { return d.id }

// Name is the configured display name.
func (d *Device) Name() string { return d.name }

// State returns the current light state.
func (d *Device) State() light.State { return d.ctrl.State() }

// Link returns the latest link state.
func (d *Device) Link() ble.LinkState { return d.monitor.Latest() }

// Connected reports whether the lamp is currently reachable.
func (d *Device) Connected() bool { return d.sup.Connected() }

// MetricsInterval returns the current link sampling period.
func (d *Device) MetricsInterval() time.Duration { return d.monitor.Interval() }

// HandleCapability applies a capability change. onoff takes a bool, the
// numeric capabilities a number in [0,1], and light_mode a string or
// light.Mode.
func (d *Device) HandleCapability(ctx context.Context, name string, value any) error {
	switch name {
	case CapOnOff:
		on, ok := value.(bool)
		if !ok {
			return fmt.Errorf("%w: %s wants a bool, got %T", ErrInvalidValue, name, value)
		}
		return d.ctrl.SetOnOff(ctx, on)
	case CapDim, CapHue, CapSaturation, CapTemperature:
		v, err := toFloat(name, value)
		if err != nil {
			return err
		}
		switch name {
		case CapDim:
			return d.ctrl.SetDim(ctx, v)
		case CapHue:
			return d.ctrl.SetHue(ctx, v)
		case CapSaturation:
			return d.ctrl.SetSaturation(ctx, v)
		default:
			return d.ctrl.SetTemperature(ctx, v)
		}
	case CapMode:
		var s string
		switch v := value.(type) {
		case string:
			s = v
		case light.Mode:
			s = string(v)
		default:
			return fmt.Errorf("%w: %s wants a string, got %T", ErrInvalidValue, name, value)
		}
		m, err := light.ParseMode(s)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidValue, err)
		}
		return d.ctrl.SetMode(ctx, m)
	}
	return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
}

func toFloat(name string, value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("%w: %s wants a number, got %T", ErrInvalidValue, name, value)
}

// OnSettingsChanged applies a settings delta without reconnecting. New UUID
// hints take effect on the next connection attempt.
func (d *Device) OnSettingsChanged(delta Settings) error {
	for _, hint := range []*string{delta.ServiceUUID, delta.CharUUID} {
		if hint == nil {
			continue
		}
		if err := ble.ValidateUUIDHint(*hint); err != nil {
			return fmt.Errorf("device: %w", err)
		}
	}

	if delta.MetricsIntervalS != nil {
		interval := time.Duration(*delta.MetricsIntervalS) * time.Second
		if interval == 0 {
			interval = DefaultMetricsInterval
		}
		d.monitor.SetInterval(interval)
	}
	if delta.RSSIMin != nil {
		d.monitor.SetRSSIMin(*delta.RSSIMin)
	}
	if delta.ConnectMinRSSI != nil {
		d.sup.SetConnectMinRSSI(*delta.ConnectMinRSSI)
	}
	if delta.ServiceUUID != nil || delta.CharUUID != nil {
		d.mu.Lock()
		if delta.ServiceUUID != nil {
			d.serviceUUID = strings.TrimSpace(*delta.ServiceUUID)
		}
		if delta.CharUUID != nil {
			d.charUUID = strings.TrimSpace(*delta.CharUUID)
		}
		svc, chr := d.serviceUUID, d.charUUID
		d.mu.Unlock()
		d.sup.SetHints(svc, chr)
		d.logger.Info("[DEVICE] UUID hints changed", "service_hint", svc, "char_hint", chr)
	}
	return nil
}

// Stop stops link sampling and supervision, then disconnects. Stop is
// idempotent.
func (d *Device) Stop() {
	d.stopOnce.Do(func() {
		d.monitor.Stop()
		d.sup.Stop()
		d.logger.Info("[DEVICE] stopped")
	})
}

func (d *Device) onState(st light.State) {
	if d.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := d.deps.Store.SaveLightState(ctx, d.id, st); err != nil {
			d.logger.Warn("[DEVICE] could not persist light state", "error", err)
		}
		cancel()
	}
	if d.deps.OnState != nil {
		d.deps.OnState(d.id, st)
	}
}

func (d *Device) onLink(st ble.LinkState) {
	if d.deps.Store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := d.deps.Store.SaveLinkState(ctx, d.id, st); err != nil {
			d.logger.Warn("[DEVICE] could not persist link state", "error", err)
		}
		cancel()
	}
	if d.deps.OnLink != nil {
		d.deps.OnLink(d.id, st)
	}
}
