package mqtt

import "strings"

// Topics builds the topic tree under Prefix:
//
//	<prefix>/bridge/status            retained online/offline
//	<prefix>/<id>/set/<capability>    capability commands
//	<prefix>/<id>/settings            JSON settings delta
//	<prefix>/<id>/state               retained light state
//	<prefix>/<id>/link                retained link state
type Topics struct {
	Prefix string
}

func (t Topics) prefix() string {
	p := strings.Trim(t.Prefix, "/")
	if p == "" {
		return "btlight"
	}
	return p
}

// BridgeStatus is the retained bridge availability topic, also used as LWT.
func (t Topics) BridgeStatus() string {
	return t.prefix() + "/bridge/status"
}

// Set is the command topic of one capability.
func (t Topics) Set(id, capability string) string {
	return t.prefix() + "/" + id + "/set/" + capability
}

// SetWildcard matches every capability command of a device.
func (t Topics) SetWildcard(id string) string {
	return t.prefix() + "/" + id + "/set/+"
}

// Settings is the settings delta topic of a device.
func (t Topics) Settings(id string) string {
	return t.prefix() + "/" + id + "/settings"
}

// State is the retained light state topic of a device.
func (t Topics) State(id string) string {
	return t.prefix() + "/" + id + "/state"
}

// Link is the retained link state topic of a device.
func (t Topics) Link(id string) string {
	return t.prefix() + "/" + id + "/link"
}

// CapabilityFromTopic returns the last segment of a set topic.
func CapabilityFromTopic(topic string) string {
	i := strings.LastIndex(topic, "/")
	return topic[i+1:]
}
