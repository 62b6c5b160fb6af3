package ble

import (
	"errors"
	"fmt"
	"strings"
)

// Errors returned by the supervisor and resolver. Use errors.Is to check.
var (
	// ErrNotConnected is returned when a frame is written without a
	// resolved characteristic.
	ErrNotConnected = errors.New("ble: not connected")

	// ErrPeripheralNotFound is returned when neither an address lookup nor
	// an advertisement scan yields the peripheral.
	ErrPeripheralNotFound = errors.New("ble: peripheral not found")

	// ErrLinkTooWeak is returned when a connection attempt is skipped
	// because the advertised RSSI is below the connect threshold.
	ErrLinkTooWeak = errors.New("ble: link too weak to connect")

	// ErrServiceNotFound is returned when service resolution is exhausted.
	ErrServiceNotFound = errors.New("ble: service not found")

	// ErrCharacteristicNotFound is returned when characteristic resolution
	// is exhausted.
	ErrCharacteristicNotFound = errors.New("ble: characteristic not found")

	// ErrWriteFailed wraps transport write errors.
	ErrWriteFailed = errors.New("ble: write failed")

	// ErrStopped is returned by a supervisor after Stop.
	ErrStopped = errors.New("ble: supervisor stopped")
)

// ResolveError reports an exhausted resolution and the hints it tried.
type ResolveError struct {
	// Target is "service" or "characteristic".
	Target   string
	Hints    []string
	Attempts int
}

func (e *ResolveError) Error() string {
	tried := "autodetect"
	if len(e.Hints) > 0 {
		tried = strings.Join(e.Hints, ", ")
	}
	fallback := "plus fallbacks"
	if e.Target == targetCharacteristic {
		fallback = "plus writable fallback"
	}
	return fmt.Sprintf("ble: %s not found after %d attempts (tried: %s, %s)", e.Target, e.Attempts, tried, fallback)
}

// Unwrap maps the error onto ErrServiceNotFound or ErrCharacteristicNotFound.
func (e *ResolveError) Unwrap() error {
	if e.Target == targetCharacteristic {
		return ErrCharacteristicNotFound
	}
	return ErrServiceNotFound
}

const (
	targetService        = "service"
	targetCharacteristic = "characteristic"
)
