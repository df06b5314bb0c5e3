package database

import (
	"context"
	"testing"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetReportsChanges(t *testing.T) {
	ctx := context.Background()
	db := New()

	assert.True(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Label: "Fridge", Kind: entity.MetricPower, Value: 10}))
	assert.False(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricPower, Value: 10}))
	assert.True(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricPower, Value: 10.1}))
	assert.True(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricOutput, Value: 1}))

	// voltage below its minimum delta is absorbed
	assert.True(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricVoltage, Value: 230}))
	assert.False(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricVoltage, Value: 230.05}))
	assert.True(t, db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricVoltage, Value: 230.1}))

	ports := db.GetDevicePorts(ctx, "garage")
	require.Contains(t, ports, 1)
	assert.Equal(t, "Fridge", ports[1].Label, "empty label keeps the previous one")
	assert.Equal(t, map[entity.MetricKind]float64{
		entity.MetricPower:   10.1,
		entity.MetricOutput:  1,
		entity.MetricVoltage: 230.1,
	}, ports[1].Values)
}

func TestGetDevicePortsReturnsCopies(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.Set(ctx, "garage", entity.Reading{Port: 2, Kind: entity.MetricPower, Value: 5})

	ports := db.GetDevicePorts(ctx, "garage")
	ports[2].Values[entity.MetricPower] = 99

	assert.Equal(t, 5.0, db.GetDevicePorts(ctx, "garage")[2].Values[entity.MetricPower])
	assert.Nil(t, db.GetDevicePorts(ctx, "attic"))
}

func TestLastSeen(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	db := New()
	db.now = func() time.Time { return now }

	db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricPower, Value: 1})
	now = now.Add(time.Minute)
	db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricPower, Value: 1})

	assert.Equal(t, now, db.GetDevicePorts(ctx, "garage")[1].LastSeen)
}

func TestDevicesAndPorts(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.Set(ctx, "office", entity.Reading{Port: 3, Kind: entity.MetricOutput})
	db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricOutput})

	assert.Equal(t, []string{"garage", "office"}, db.GetAllDevices(ctx))
	assert.True(t, db.HasPort(ctx, "office", 3))
	assert.False(t, db.HasPort(ctx, "office", 1))
	assert.False(t, db.HasPort(ctx, "attic", 1))

	db.DeleteDevice(ctx, "office")
	assert.Equal(t, []string{"garage"}, db.GetAllDevices(ctx))
	assert.False(t, db.HasPort(ctx, "office", 3))
}

func TestPendingUntilMarkedPublished(t *testing.T) {
	ctx := context.Background()
	db := New()
	db.Set(ctx, "garage", entity.Reading{Port: 2, Label: "Lamp", Kind: entity.MetricPower, Value: 4})
	db.Set(ctx, "garage", entity.Reading{Port: 1, Label: "Fridge", Kind: entity.MetricOutput, Value: 1})

	pending := db.Pending(ctx, "garage")
	assert.Equal(t, []entity.Reading{
		{Port: 1, Label: "Fridge", Kind: entity.MetricOutput, Value: 1},
		{Port: 2, Label: "Lamp", Kind: entity.MetricPower, Value: 4},
	}, pending)

	db.MarkPublished(ctx, "garage", pending[0])
	assert.Equal(t, []entity.Reading{pending[1]}, db.Pending(ctx, "garage"))

	// a repeated value is not a change for Set, but stays pending until delivered
	assert.False(t, db.Set(ctx, "garage", entity.Reading{Port: 2, Kind: entity.MetricPower, Value: 4}))
	assert.Len(t, db.Pending(ctx, "garage"), 1)

	db.MarkPublished(ctx, "garage", pending[1])
	assert.Empty(t, db.Pending(ctx, "garage"))

	db.Set(ctx, "garage", entity.Reading{Port: 1, Kind: entity.MetricOutput, Value: 0})
	assert.Equal(t, []entity.Reading{{Port: 1, Label: "Fridge", Kind: entity.MetricOutput, Value: 0}}, db.Pending(ctx, "garage"))

	db.MarkPublished(ctx, "attic", entity.Reading{Port: 1, Kind: entity.MetricOutput})
	assert.Empty(t, db.Pending(ctx, "attic"))
}
