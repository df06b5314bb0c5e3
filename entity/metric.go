package entity

import (
	"fmt"
	"math"
	"strings"
)

// MetricKind is one of the six readings an mPower outlet reports.
type MetricKind int

const (
	MetricOutput MetricKind = iota + 1
	MetricPower
	MetricCurrent
	MetricVoltage
	MetricPowerFactor
	MetricEnergy
)

// AllMetricKinds lists every kind in the order readings are forwarded.
var AllMetricKinds = []MetricKind{
	MetricCurrent,
	MetricEnergy,
	MetricOutput,
	MetricPower,
	MetricPowerFactor,
	MetricVoltage,
}

type MetricInfo struct {
	Name              string
	Unit              string
	Denominator       float64 // raw device value is divided by this
	MinDelta          float64 // smallest change worth reporting, 0 means any change
	DefaultResolution float64
}

var metricTable = map[MetricKind]MetricInfo{
	MetricOutput:      {Name: "output", Denominator: 1, DefaultResolution: 1},
	MetricPower:       {Name: "power", Unit: "W", Denominator: 1, DefaultResolution: 0.1},
	MetricCurrent:     {Name: "current", Unit: "A", Denominator: 1, DefaultResolution: 0.01},
	MetricVoltage:     {Name: "voltage", Unit: "V", Denominator: 1, MinDelta: 0.1, DefaultResolution: 0.1},
	MetricPowerFactor: {Name: "powerfactor", Denominator: 1, DefaultResolution: 0.01},
	MetricEnergy:      {Name: "energy", Unit: "kWh", Denominator: 1000, DefaultResolution: 0.001},
}

var metricAliases = map[string]MetricKind{
	"switch":       MetricOutput,
	"power_factor": MetricPowerFactor,
}

func (kind MetricKind) Info() MetricInfo {
	if info, ok := metricTable[kind]; ok {
		return info
	}
	return MetricInfo{Name: "unknown", Denominator: 1, DefaultResolution: 1}
}

func (kind MetricKind) String() string {
	return kind.Info().Name
}

func (kind MetricKind) Valid() bool {
	_, ok := metricTable[kind]
	return ok
}

func ParseMetricKind(value string) (MetricKind, error) {
	value = strings.ToLower(strings.TrimSpace(value))
	for kind, info := range metricTable {
		if info.Name == value {
			return kind, nil
		}
	}
	if kind, ok := metricAliases[value]; ok {
		return kind, nil
	}
	return 0, fmt.Errorf("unknown metric kind %q", value)
}

// Normalize scales a raw device value into the unit reported to collaborators
// and rounds it to the given resolution, midpoints away from zero.
func (kind MetricKind) Normalize(value float64, resolution float64) float64 {
	info := kind.Info()
	if kind == MetricOutput {
		if value != 0 {
			return 1
		}
		return 0
	}
	if info.Denominator != 0 {
		value /= info.Denominator
	}
	if resolution <= 0 {
		resolution = info.DefaultResolution
	}
	rounded := math.Round(value/resolution) * resolution
	// Strip binary noise such as 12.500000000000002 introduced by the multiply.
	scale := math.Pow(10, float64(decimalsOf(resolution)))
	return math.Round(rounded*scale) / scale
}

// Changed reports whether moving from previous to next is worth reporting.
func (kind MetricKind) Changed(previous, next float64) bool {
	minDelta := kind.Info().MinDelta
	if minDelta <= 0 {
		return previous != next
	}
	return math.Abs(next-previous) >= minDelta-1e-9
}

func decimalsOf(resolution float64) int {
	decimals := 0
	for resolution < 1 && decimals < 9 {
		resolution *= 10
		decimals++
		if math.Abs(resolution-math.Round(resolution)) < 1e-9 {
			break
		}
	}
	return decimals
}
