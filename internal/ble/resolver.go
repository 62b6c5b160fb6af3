package ble

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// ResolverOptions configures GATT resolution retries.
type ResolverOptions struct {
	Attempts        int           // attempts per resolution (default 8)
	BaseDelay       time.Duration // delay after attempt n is BaseDelay*(n+1) (default 400ms)
	ReconnectPause  time.Duration // pause between disconnect and reconnect at the midpoint (default 300ms)
	ReconnectSettle time.Duration // pause after the midpoint reconnect (default 700ms)
	Fallbacks       []string      // short service UUIDs tried when no hint matches
}

// DefaultResolverOptions returns the retry policy the lamps were tuned with.
func DefaultResolverOptions() ResolverOptions {
	return ResolverOptions{
		Attempts:        8,
		BaseDelay:       400 * time.Millisecond,
		ReconnectPause:  300 * time.Millisecond,
		ReconnectSettle: 700 * time.Millisecond,
		Fallbacks:       append([]string(nil), DefaultFallbackServices...),
	}
}

// Resolver locates the writable service and characteristic on a connected
// peripheral, trying progressively looser strategies.
type Resolver struct {
	opts   ResolverOptions
	logger *slog.Logger
}

// NewResolver creates a Resolver. Zero fields in opts take their defaults.
func NewResolver(opts ResolverOptions, logger *slog.Logger) *Resolver {
	def := DefaultResolverOptions()
	if opts.Attempts <= 0 {
		opts.Attempts = def.Attempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.ReconnectPause <= 0 {
		opts.ReconnectPause = def.ReconnectPause
	}
	if opts.ReconnectSettle <= 0 {
		opts.ReconnectSettle = def.ReconnectSettle
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = def.Fallbacks
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{opts: opts, logger: logger}
}

// ResolveService finds the service carrying the light's command
// characteristic. hint may be empty, a short UUID, or a full UUID.
//
// Each attempt discovers services, tries direct lookups of the hint, matches
// the hint against every discovered service, then the fallback services, and
// finally takes the first service with a writable characteristic. Halfway
// through the attempts the link is cycled to clear a stale GATT cache.
func (r *Resolver) ResolveService(ctx context.Context, p Peripheral, hint string) (Service, error) {
	variants := HintVariants(hint)
	n := r.opts.Attempts

	for attempt := 0; attempt < n; attempt++ {
		if err := p.DiscoverServices(fullForms(variants)); err != nil {
			r.logger.Debug("[BLE] service discovery failed", "attempt", attempt+1, "error", err)
		}

		for _, id := range variants {
			if svc, err := p.Service(id); err == nil && svc != nil {
				return svc, nil
			}
		}

		services, err := p.Services()
		if err != nil {
			r.logger.Debug("[BLE] listing services failed", "attempt", attempt+1, "error", err)
		}
		r.logger.Debug("[BLE] services", "attempt", attempt+1, "uuids", serviceUUIDs(services))

		if svc := findService(services, variants); svc != nil {
			return svc, nil
		}
		if svc := findService(services, r.opts.Fallbacks); svc != nil {
			r.logger.Info("[BLE] falling back to service", "uuid", svc.UUID())
			return svc, nil
		}
		if svc := firstServiceWithWritable(services); svc != nil {
			r.logger.Info("[BLE] picked first service with writable characteristic", "uuid", svc.UUID())
			return svc, nil
		}

		if attempt == n-1 {
			break
		}
		if err := sleepCtx(ctx, r.opts.BaseDelay*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
		if attempt == n/2 {
			r.cycleLink(ctx, p)
		}
	}

	return nil, &ResolveError{Target: targetService, Hints: nonEmpty(hint), Attempts: n}
}

// ResolveCharacteristic finds the writable characteristic within svc. It
// follows the same shape as ResolveService without the link cycle.
func (r *Resolver) ResolveCharacteristic(ctx context.Context, svc Service, hint string) (Characteristic, error) {
	variants := HintVariants(hint)
	n := r.opts.Attempts

	for attempt := 0; attempt < n; attempt++ {
		if err := svc.DiscoverCharacteristics(fullForms(variants)); err != nil {
			r.logger.Debug("[BLE] characteristic discovery failed", "attempt", attempt+1, "error", err)
		}

		for _, id := range variants {
			if c, err := svc.Characteristic(id); err == nil && c != nil {
				return c, nil
			}
		}

		chars, err := svc.Characteristics()
		if err != nil {
			r.logger.Debug("[BLE] listing characteristics failed", "attempt", attempt+1, "error", err)
		}
		r.logger.Debug("[BLE] characteristics", "attempt", attempt+1, "props", describeCharacteristics(chars))

		for _, c := range chars {
			if matchAny(c.UUID(), variants) {
				return c, nil
			}
		}
		if c := firstWritable(chars); c != nil {
			r.logger.Info("[BLE] falling back to writable characteristic", "uuid", c.UUID())
			return c, nil
		}

		if attempt == n-1 {
			break
		}
		if err := sleepCtx(ctx, r.opts.BaseDelay*time.Duration(attempt+1)); err != nil {
			return nil, err
		}
	}

	return nil, &ResolveError{Target: targetCharacteristic, Hints: nonEmpty(hint), Attempts: n}
}

// cycleLink disconnects and reconnects p. Failures are logged; the next
// attempt finds out whether the link came back.
func (r *Resolver) cycleLink(ctx context.Context, p Peripheral) {
	r.logger.Info("[BLE] cycling link to refresh GATT cache")
	if err := p.Disconnect(); err != nil {
		r.logger.Debug("[BLE] disconnect before GATT refresh failed", "error", err)
	}
	if err := sleepCtx(ctx, r.opts.ReconnectPause); err != nil {
		return
	}
	if err := p.Connect(ctx); err != nil {
		r.logger.Warn("[BLE] reconnect for GATT refresh failed", "error", err)
	}
	_ = sleepCtx(ctx, r.opts.ReconnectSettle)
}

func findService(services []Service, hints []string) Service {
	if len(hints) == 0 {
		return nil
	}
	for _, s := range services {
		if matchAny(s.UUID(), hints) {
			return s
		}
	}
	return nil
}

func firstServiceWithWritable(services []Service) Service {
	for _, s := range services {
		chars, err := s.Characteristics()
		if err != nil {
			continue
		}
		if firstWritable(chars) != nil {
			return s
		}
	}
	return nil
}

func firstWritable(chars []Characteristic) Characteristic {
	for _, c := range chars {
		if c.Properties().Writable() {
			return c
		}
	}
	return nil
}

// fullForms returns the distinct full UUIDs of the hint variants, used as a
// discovery filter.
func fullForms(variants []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, v := range variants {
		f := FullUUID(v)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

func serviceUUIDs(services []Service) string {
	ids := make([]string, 0, len(services))
	for _, s := range services {
		ids = append(ids, s.UUID())
	}
	return strings.Join(ids, ", ")
}

func describeCharacteristics(chars []Characteristic) string {
	parts := make([]string, 0, len(chars))
	for _, c := range chars {
		p := c.Properties()
		var flags []string
		for _, f := range []struct {
			set  bool
			name string
		}{
			{p.Read, "read"},
			{p.Write, "write"},
			{p.WriteWithoutResponse, "writeWithoutResponse"},
			{p.Notify, "notify"},
			{p.Indicate, "indicate"},
		} {
			if f.set {
				flags = append(flags, f.name)
			}
		}
		parts = append(parts, c.UUID()+" ["+strings.Join(flags, ",")+"]")
	}
	return strings.Join(parts, " | ")
}

func nonEmpty(hint string) []string {
	if strings.TrimSpace(hint) == "" {
		return nil
	}
	return []string{strings.TrimSpace(hint)}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
