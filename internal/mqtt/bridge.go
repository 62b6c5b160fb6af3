package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chaz8081/btlightd/internal/ble"
	"github.com/chaz8081/btlightd/internal/device"
	"github.com/chaz8081/btlightd/internal/light"
)

// DefaultCommandTimeout bounds one command, including an inline connect and
// its service resolution retries.
const DefaultCommandTimeout = 60 * time.Second

// Transport is the broker side of a Bridge. *Client implements it.
type Transport interface {
	Subscribe(topic string, qos byte, handler MessageHandler) error
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Target receives the commands of one device. *device.Device implements it.
type Target interface {
	HandleCapability(ctx context.Context, name string, value any) error
	OnSettingsChanged(delta device.Settings) error
}

// Bridge routes command topics to devices and publishes their state.
type Bridge struct {
	transport Transport
	topics    Topics
	qos       byte
	logger    *slog.Logger

	// CommandTimeout bounds each capability command (default DefaultCommandTimeout).
	CommandTimeout time.Duration

	mu      sync.RWMutex
	targets map[string]Target
}

// NewBridge returns a bridge publishing under prefix with qos.
func NewBridge(transport Transport, prefix string, qos byte, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		transport:      transport,
		topics:         Topics{Prefix: prefix},
		qos:            qos,
		logger:         logger,
		CommandTimeout: DefaultCommandTimeout,
		targets:        make(map[string]Target),
	}
}

// Topics returns the topic builder in use.
func (b *Bridge) Topics() Topics { return b.topics }

// Attach subscribes the command and settings topics of id and routes them to
// target.
func (b *Bridge) Attach(id string, target Target) error {
	b.mu.Lock()
	b.targets[id] = target
	b.mu.Unlock()

	if err := b.transport.Subscribe(b.topics.SetWildcard(id), b.qos, func(topic string, payload []byte) error {
		return b.handleSet(id, topic, payload)
	}); err != nil {
		return fmt.Errorf("mqtt: subscribing commands of %s: %w", id, err)
	}
	if err := b.transport.Subscribe(b.topics.Settings(id), b.qos, func(_ string, payload []byte) error {
		return b.handleSettings(id, payload)
	}); err != nil {
		return fmt.Errorf("mqtt: subscribing settings of %s: %w", id, err)
	}
	b.logger.Info("[MQTT] device attached", "id", id, "commands", b.topics.SetWildcard(id))
	return nil
}

func (b *Bridge) target(id string) (Target, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.targets[id]
	return t, ok
}

func (b *Bridge) handleSet(id, topic string, payload []byte) error {
	target, ok := b.target(id)
	if !ok {
		return fmt.Errorf("mqtt: no device %s", id)
	}
	capability := CapabilityFromTopic(topic)
	value, err := ParseCapability(capability, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.CommandTimeout)
	defer cancel()
	b.logger.Debug("[MQTT] command", "id", id, "capability", capability, "value", value)
	return target.HandleCapability(ctx, capability, value)
}

func (b *Bridge) handleSettings(id string, payload []byte) error {
	target, ok := b.target(id)
	if !ok {
		return fmt.Errorf("mqtt: no device %s", id)
	}
	delta, err := ParseSettings(payload)
	if err != nil {
		return err
	}
	return target.OnSettingsChanged(delta)
}

// PublishState publishes st retained on the state topic of id. Failures are
// logged.
func (b *Bridge) PublishState(id string, st light.State) {
	payload, err := EncodeState(st)
	if err != nil {
		b.logger.Warn("[MQTT] could not encode light state", "id", id, "error", err)
		return
	}
	b.publish(b.topics.State(id), payload)
}

// PublishLink publishes st retained on the link topic of id. Failures are
// logged.
func (b *Bridge) PublishLink(id string, st ble.LinkState) {
	payload, err := EncodeLink(st)
	if err != nil {
		b.logger.Warn("[MQTT] could not encode link state", "id", id, "error", err)
		return
	}
	b.publish(b.topics.Link(id), payload)
}

func (b *Bridge) publish(topic string, payload []byte) {
	if err := b.transport.Publish(topic, payload, b.qos, true); err != nil {
		b.logger.Warn("[MQTT] publish failed", "topic", topic, "error", err)
	}
}
