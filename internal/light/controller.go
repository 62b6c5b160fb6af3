package light

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/ble/protocol"
)

// Link is the connection a Controller writes through.
type Link interface {
	EnsureConnected(ctx context.Context) error
	Write(ctx context.Context, frame []byte) error
}

// Controller owns the light state and turns state changes into frames.
// Handlers always record the new state, even when the lamp is unreachable,
// so the next successful write reflects the latest intent.
type Controller struct {
	link   Link
	logger *slog.Logger

	mu       sync.Mutex // serializes handlers
	state    State
	observer func(State)
}

// NewController creates a controller starting from initial.
func NewController(link Link, initial State, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{link: link, logger: logger, state: initial.Normalize()}
}

// OnStateChange registers fn to receive every recorded state. fn runs with
// the command lock held and must not call back into the controller.
func (c *Controller) OnStateChange(fn func(State)) {
	c.mu.Lock()
	c.observer = fn
	c.mu.Unlock()
}

// State returns a snapshot of the light state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetOnOff switches the lamp. Switching on resends the current color.
func (c *Controller) SetOnOff(ctx context.Context, on bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(func(s *State) { s.On = on })
	if err := c.ensure(ctx); err != nil {
		return err
	}

	if !on {
		return c.send(ctx, "power off", protocol.PowerOff())
	}
	if err := c.send(ctx, "power on", protocol.PowerOn()); err != nil {
		return err
	}
	return c.applyCurrentColor(ctx)
}

// SetDim sets brightness.
func (c *Controller) SetDim(ctx context.Context, v float64) error {
	return c.update(ctx, func(s *State) { s.Value = Clamp01(v) })
}

// SetHue sets hue and switches to color mode.
func (c *Controller) SetHue(ctx context.Context, v float64) error {
	return c.update(ctx, func(s *State) {
		s.Hue = Clamp01(v)
		s.Mode = ModeColor
	})
}

// SetSaturation sets saturation and switches to color mode.
func (c *Controller) SetSaturation(ctx context.Context, v float64) error {
	return c.update(ctx, func(s *State) {
		s.Saturation = Clamp01(v)
		s.Mode = ModeColor
	})
}

// SetTemperature sets the color temperature and switches to temperature mode.
func (c *Controller) SetTemperature(ctx context.Context, v float64) error {
	return c.update(ctx, func(s *State) {
		s.Temperature = Clamp01(v)
		s.Mode = ModeTemperature
	})
}

// SetMode overrides the mode.
func (c *Controller) SetMode(ctx context.Context, m Mode) error {
	if m != ModeColor && m != ModeTemperature {
		return fmt.Errorf("light: unknown mode %q", m)
	}
	return c.update(ctx, func(s *State) { s.Mode = m })
}

// update records a change, ensures the link, and resends the color while the
// lamp is on.
func (c *Controller) update(ctx context.Context, change func(*State)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.record(change)
	if err := c.ensure(ctx); err != nil {
		return err
	}
	if !c.state.On {
		return nil
	}
	return c.applyCurrentColor(ctx)
}

func (c *Controller) record(change func(*State)) {
	change(&c.state)
	if c.observer != nil {
		c.observer(c.state)
	}
}

func (c *Controller) ensure(ctx context.Context) error {
	if err := c.link.EnsureConnected(ctx); err != nil {
		c.logger.Warn("[LIGHT] lamp unreachable, state kept for next connection", "error", err)
		if errors.Is(err, ble.ErrNotConnected) {
			return err
		}
		return fmt.Errorf("%w: %w", ble.ErrNotConnected, err)
	}
	return nil
}

func (c *Controller) applyCurrentColor(ctx context.Context) error {
	rgb := c.state.RGB()
	return c.send(ctx, "color", protocol.SetRGB(int(rgb.R), int(rgb.G), int(rgb.B)))
}

// send writes frame. Only a lost link is reported; other write failures are
// logged and dropped.
func (c *Controller) send(ctx context.Context, what string, frame []byte) error {
	err := c.link.Write(ctx, frame)
	if err == nil {
		c.logger.Debug("[LIGHT] sent", "command", what, "frame", fmt.Sprintf("% X", frame))
		return nil
	}
	if errors.Is(err, ble.ErrNotConnected) {
		return err
	}
	c.logger.Warn("[LIGHT] write failed", "command", what, "error", err)
	return nil
}
