package mqtt

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/device"
	"github.com/chaz8081/btlightd/internal/light"
)

// ParseCapability converts a command payload into the value
// device.HandleCapability expects for capability.
func ParseCapability(capability string, payload []byte) (any, error) {
	s := strings.TrimSpace(string(payload))
	switch capability {
	case device.CapOnOff:
		switch strings.ToLower(s) {
		case "true", "on", "1":
			return true, nil
		case "false", "off", "0":
			return false, nil
		}
		return nil, fmt.Errorf("%w: %s wants true/false/on/off/1/0, got %q", ErrInvalidPayload, capability, s)
	case device.CapDim, device.CapHue, device.CapSaturation, device.CapTemperature:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s wants a number, got %q", ErrInvalidPayload, capability, s)
		}
		return v, nil
	case device.CapMode:
		m, err := light.ParseMode(strings.ToLower(s))
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
		}
		return m, nil
	}
	return nil, fmt.Errorf("%w: %q", device.ErrUnknownCapability, capability)
}

// ParseSettings decodes a JSON settings delta.
func ParseSettings(payload []byte) (device.Settings, error) {
	var s device.Settings
	if err := json.Unmarshal(payload, &s); err != nil {
		return device.Settings{}, fmt.Errorf("%w: settings: %w", ErrInvalidPayload, err)
	}
	return s, nil
}

type linkPayload struct {
	Connected bool        `json:"connected"`
	Alarm     bool        `json:"alarm_connection"`
	RSSI      *int        `json:"rssi"`
	Quality   ble.Quality `json:"quality"`
}

// EncodeLink renders a link state for the link topic. rssi is null when no
// sample is available.
func EncodeLink(st ble.LinkState) ([]byte, error) {
	return json.Marshal(linkPayload{
		Connected: st.Connected,
		Alarm:     st.Alarm(),
		RSSI:      st.RSSI,
		Quality:   st.Quality,
	})
}

// EncodeState renders a light state for the state topic.
func EncodeState(st light.State) ([]byte, error) {
	return json.Marshal(st)
}
