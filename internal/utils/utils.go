package utils

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kuretru/mPower-Gateway/entity"
)

// ParseControlPayload maps a command payload to a control: ON/OFF style words
// become explicit controls, numbers are passed as values.
func ParseControlPayload(payload string) (entity.ControlKind, float64, error) {
	value := strings.TrimSpace(payload)
	switch strings.ToUpper(value) {
	case "ON", "TRUE":
		return entity.ControlOn, 1, nil
	case "OFF", "FALSE":
		return entity.ControlOff, 0, nil
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return entity.ControlValue, 0, fmt.Errorf("invalid payload %q", payload)
	}
	return entity.ControlValue, number, nil
}

// FormatSwitch renders an output value the way command payloads spell it.
func FormatSwitch(value float64) string {
	if value != 0 {
		return "ON"
	}
	return "OFF"
}
