package utils

import (
	"testing"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseControlPayload(t *testing.T) {
	tests := []struct {
		payload string
		control entity.ControlKind
		value   float64
	}{
		{"ON", entity.ControlOn, 1},
		{"on", entity.ControlOn, 1},
		{"true", entity.ControlOn, 1},
		{" OFF\n", entity.ControlOff, 0},
		{"false", entity.ControlOff, 0},
		{"1", entity.ControlValue, 1},
		{"0", entity.ControlValue, 0},
		{"0.5", entity.ControlValue, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			control, value, err := ParseControlPayload(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.control, control)
			assert.Equal(t, tt.value, value)
		})
	}

	_, _, err := ParseControlPayload("toggle")
	assert.ErrorContains(t, err, `invalid payload "toggle"`)
}

func TestFormatSwitch(t *testing.T) {
	assert.Equal(t, "ON", FormatSwitch(1))
	assert.Equal(t, "OFF", FormatSwitch(0))
}
