package database

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
)

// MemoryCell holds the last forwarded readings of one outlet. Published
// tracks what a publisher has confirmed writing out, so values it failed to
// deliver stay pending.
type MemoryCell struct {
	LastSeen  time.Time
	Label     string
	Values    map[entity.MetricKind]float64
	Published map[entity.MetricKind]float64
}

func (cell *MemoryCell) clone() *MemoryCell {
	return &MemoryCell{
		LastSeen:  cell.LastSeen,
		Label:     cell.Label,
		Values:    maps.Clone(cell.Values),
		Published: maps.Clone(cell.Published),
	}
}

func (cell *MemoryCell) pending(kind entity.MetricKind) bool {
	published, ok := cell.Published[kind]
	return !ok || kind.Changed(published, cell.Values[kind])
}

// MemoryDB is the in-memory store publishers keep per device and port.
type MemoryDB struct {
	lock  sync.RWMutex
	memDb map[string]map[int]*MemoryCell
	now   func() time.Time
}

func New() *MemoryDB {
	return &MemoryDB{
		memDb: make(map[string]map[int]*MemoryCell),
		now:   time.Now,
	}
}

// Set stores reading and reports whether it differs enough from the previous
// value of the same metric to be worth publishing.
func (db *MemoryDB) Set(_ context.Context, deviceID string, reading entity.Reading) bool {
	now := db.now()
	db.lock.Lock()
	defer db.lock.Unlock()

	ports, ok := db.memDb[deviceID]
	if !ok {
		ports = make(map[int]*MemoryCell)
		db.memDb[deviceID] = ports
	}

	cell, ok := ports[reading.Port]
	if !ok {
		cell = &MemoryCell{
			Values:    make(map[entity.MetricKind]float64),
			Published: make(map[entity.MetricKind]float64),
		}
		ports[reading.Port] = cell
		slog.Debug("Database: new port", "device", deviceID, "port", reading.Port)
	}
	cell.LastSeen = now
	if reading.Label != "" {
		cell.Label = reading.Label
	}

	previous, seen := cell.Values[reading.Kind]
	if seen && !reading.Kind.Changed(previous, reading.Value) {
		return false
	}
	cell.Values[reading.Kind] = reading.Value
	return true
}

// Pending lists the stored readings of a device that were never marked
// published, or moved far enough from the published value to be sent again.
func (db *MemoryDB) Pending(_ context.Context, deviceID string) []entity.Reading {
	db.lock.RLock()
	defer db.lock.RUnlock()
	ports := db.memDb[deviceID]
	result := make([]entity.Reading, 0)
	for _, port := range slices.Sorted(maps.Keys(ports)) {
		cell := ports[port]
		for _, kind := range entity.AllMetricKinds {
			if _, ok := cell.Values[kind]; !ok || !cell.pending(kind) {
				continue
			}
			result = append(result, entity.Reading{Port: port, Label: cell.Label, Kind: kind, Value: cell.Values[kind]})
		}
	}
	return result
}

// MarkPublished records reading as delivered. Unknown devices or ports are
// ignored, they were removed while the publish was in flight.
func (db *MemoryDB) MarkPublished(_ context.Context, deviceID string, reading entity.Reading) {
	db.lock.Lock()
	defer db.lock.Unlock()
	if cell, ok := db.memDb[deviceID][reading.Port]; ok {
		cell.Published[reading.Kind] = reading.Value
	}
}

func (db *MemoryDB) GetAllDevices(_ context.Context) []string {
	db.lock.RLock()
	defer db.lock.RUnlock()
	return slices.Sorted(maps.Keys(db.memDb))
}

// GetDevicePorts returns copies of the cells of a device, keyed by port.
func (db *MemoryDB) GetDevicePorts(_ context.Context, deviceID string) map[int]*MemoryCell {
	db.lock.RLock()
	defer db.lock.RUnlock()
	ports, ok := db.memDb[deviceID]
	if !ok {
		return nil
	}
	result := make(map[int]*MemoryCell, len(ports))
	for port, cell := range ports {
		result[port] = cell.clone()
	}
	return result
}

func (db *MemoryDB) HasPort(_ context.Context, deviceID string, port int) bool {
	db.lock.RLock()
	defer db.lock.RUnlock()
	_, ok := db.memDb[deviceID][port]
	return ok
}

func (db *MemoryDB) DeleteDevice(_ context.Context, deviceID string) {
	db.lock.Lock()
	defer db.lock.Unlock()
	delete(db.memDb, deviceID)
}
