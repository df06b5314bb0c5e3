package entity

import (
	"fmt"
	"time"
)

type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`
}

type MQTTConfig struct {
	URL       string `yaml:"url"`
	Keepalive uint16 `yaml:"keepalive"`
	Topic     string `yaml:"topic"` // topic prefix
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

type PublisherConfig struct {
	Type string      `yaml:"type"` // mqtt, log
	MQTT *MQTTConfig `yaml:"mqtt"`
}

type MetricConfig struct {
	Kind       string  `yaml:"kind"`
	Resolution float64 `yaml:"resolution"` // 0 means the kind's default
}

type DeviceConfig struct {
	ID       string          `yaml:"id"`
	Name     string          `yaml:"name"`
	Address  string          `yaml:"address"` // host or host:port of the device web server
	Username string          `yaml:"username"`
	Password string          `yaml:"password"`
	Ports    []int           `yaml:"ports"`
	Metrics  []*MetricConfig `yaml:"metrics"`
}

type CollectorConfig struct {
	ReconnectInterval time.Duration   `yaml:"reconnect_interval"`
	StaleAfter        time.Duration   `yaml:"stale_after"`
	MaxErrors         int64           `yaml:"max_errors"`
	WebSocketPort     int             `yaml:"websocket_port"`
	Devices           []*DeviceConfig `yaml:"devices"`
}

// Target converts the yaml device entry into the immutable descriptor a
// supervisor is built from.
func (config *DeviceConfig) Target() (*DeviceTarget, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("device id is required")
	}
	if config.Address == "" {
		return nil, fmt.Errorf("device %v: address is required", config.ID)
	}

	target := &DeviceTarget{
		ID:         config.ID,
		Name:       config.Name,
		Address:    config.Address,
		Username:   config.Username,
		Password:   config.Password,
		Ports:      make(map[int]struct{}, len(config.Ports)),
		Metrics:    make(map[MetricKind]struct{}, len(config.Metrics)),
		Resolution: make(map[MetricKind]float64),
	}
	if target.Name == "" {
		target.Name = config.ID
	}
	for _, port := range config.Ports {
		if port <= 0 {
			return nil, fmt.Errorf("device %v: invalid port %v", config.ID, port)
		}
		target.Ports[port] = struct{}{}
	}
	for _, metric := range config.Metrics {
		if metric == nil {
			continue
		}
		kind, err := ParseMetricKind(metric.Kind)
		if err != nil {
			return nil, fmt.Errorf("device %v: %w", config.ID, err)
		}
		if metric.Resolution < 0 {
			return nil, fmt.Errorf("device %v: negative resolution for %v", config.ID, kind)
		}
		target.Metrics[kind] = struct{}{}
		if metric.Resolution > 0 {
			target.Resolution[kind] = metric.Resolution
		}
	}
	return target, nil
}

// DeviceTarget identifies one mPower device and what the caller wants from it.
// It is never mutated after construction; a changed configuration produces a
// new target.
type DeviceTarget struct {
	ID         string
	Name       string
	Address    string
	Username   string
	Password   string
	Ports      map[int]struct{}
	Metrics    map[MetricKind]struct{}
	Resolution map[MetricKind]float64
}

func (target *DeviceTarget) Equal(other *DeviceTarget) bool {
	if target == other {
		return true
	}
	if target == nil || other == nil {
		return false
	}
	if target.ID != other.ID ||
		target.Name != other.Name ||
		target.Address != other.Address ||
		target.Username != other.Username ||
		target.Password != other.Password {
		return false
	}
	if len(target.Ports) != len(other.Ports) ||
		len(target.Metrics) != len(other.Metrics) ||
		len(target.Resolution) != len(other.Resolution) {
		return false
	}
	for port := range target.Ports {
		if _, ok := other.Ports[port]; !ok {
			return false
		}
	}
	for kind := range target.Metrics {
		if _, ok := other.Metrics[kind]; !ok {
			return false
		}
	}
	for kind, resolution := range target.Resolution {
		if value, ok := other.Resolution[kind]; !ok || value != resolution {
			return false
		}
	}
	return true
}

func (target *DeviceTarget) WantsPort(port int) bool {
	_, ok := target.Ports[port]
	return ok
}

func (target *DeviceTarget) WantsMetric(kind MetricKind) bool {
	_, ok := target.Metrics[kind]
	return ok
}

// ResolutionFor returns the configured rounding step for kind, falling back
// to the kind's default.
func (target *DeviceTarget) ResolutionFor(kind MetricKind) float64 {
	if resolution, ok := target.Resolution[kind]; ok && resolution > 0 {
		return resolution
	}
	return kind.Info().DefaultResolution
}

// Reading is one (port, metric, value) notification handed to a collaborator.
type Reading struct {
	Port  int
	Label string
	Kind  MetricKind
	Value float64
}

type ControlKind int

const (
	ControlValue ControlKind = iota
	ControlOn
	ControlOff
)

func (control ControlKind) String() string {
	switch control {
	case ControlOn:
		return "on"
	case ControlOff:
		return "off"
	default:
		return "value"
	}
}

// Command is an outbound request from a collaborator against one port.
type Command struct {
	Port    int
	Kind    MetricKind
	Value   float64
	Control ControlKind
}
