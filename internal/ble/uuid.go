package ble

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// bluetoothBaseSuffix completes a 16-bit UUID into the Bluetooth base UUID
// 0000xxxx-0000-1000-8000-00805f9b34fb.
const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// DefaultFallbackServices are short UUIDs of services known to carry the
// light's command characteristic on common firmware variants.
var DefaultFallbackServices = []string{"ffe0", "ffb0"}

// NormalizeUUID lowercases u and strips whitespace and hyphens.
func NormalizeUUID(u string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(u)), "-", "")
}

// FullUUID expands a 4-digit short UUID onto the Bluetooth base UUID and
// returns other UUIDs in canonical hyphenated form when they parse.
// Unparseable input is returned normalized.
func FullUUID(u string) string {
	n := NormalizeUUID(u)
	if n == "" {
		return ""
	}
	if len(n) == 4 {
		return "0000" + n + bluetoothBaseSuffix
	}
	if parsed, err := uuid.Parse(n); err == nil {
		return parsed.String()
	}
	return n
}

// MatchUUID reports whether an advertised or discovered UUID matches a hint.
// A 4-digit hint matches any UUID ending in it and its own expansion onto the
// Bluetooth base UUID; longer hints must match the whole UUID.
func MatchUUID(have, hint string) bool {
	h, n := NormalizeUUID(have), NormalizeUUID(hint)
	if h == "" || n == "" {
		return false
	}
	if len(n) == 4 {
		return strings.HasSuffix(h, n) || h == NormalizeUUID(FullUUID(n))
	}
	return NormalizeUUID(FullUUID(h)) == NormalizeUUID(FullUUID(n))
}

// matchAny reports whether have matches any of the hints.
func matchAny(have string, hints []string) bool {
	for _, hint := range hints {
		if MatchUUID(have, hint) {
			return true
		}
	}
	return false
}

// HintVariants returns the lookup forms of a UUID hint, full form first.
// An empty hint yields no variants, meaning autodetect.
func HintVariants(hint string) []string {
	n := NormalizeUUID(hint)
	if n == "" {
		return nil
	}
	full := FullUUID(n)
	if full == n {
		return []string{full}
	}
	return []string{full, n}
}

// ValidateUUIDHint accepts an empty hint, a 4-digit short UUID, or a
// 128-bit UUID with or without hyphens.
func ValidateUUIDHint(hint string) error {
	n := NormalizeUUID(hint)
	if n == "" {
		return nil
	}
	if len(n) == 4 {
		if !isHex(n) {
			return fmt.Errorf("invalid short UUID %q", hint)
		}
		return nil
	}
	if _, err := uuid.Parse(n); err != nil {
		return fmt.Errorf("invalid UUID %q: %w", hint, err)
	}
	return nil
}

// NormalizeAddress lowercases a device address and drops every character
// that is not a hex digit, so "34:10:18:30:03:F7" and "341018-3003f7"
// compare equal.
func NormalizeAddress(addr string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(addr) {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// SameAddress compares two addresses after normalization. Empty addresses
// never match.
func SameAddress(a, b string) bool {
	na := NormalizeAddress(a)
	return na != "" && na == NormalizeAddress(b)
}

// ShortAddress returns the last n hex digits of addr in upper case, for logs
// and labels.
func ShortAddress(addr string, n int) string {
	na := NormalizeAddress(addr)
	if len(na) > n {
		na = na[len(na)-n:]
	}
	return strings.ToUpper(na)
}

func isHex(s string) bool {
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f')) {
			return false
		}
	}
	return true
}
