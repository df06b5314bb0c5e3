package publisher

import (
	"context"
	"log/slog"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/collector"
	"github.com/kuretru/mPower-Gateway/internal/database"
)

// LogPublisher writes every changed reading to the default logger.
type LogPublisher struct {
	db *database.MemoryDB
}

func (publisher *LogPublisher) Run(_ context.Context, _ *entity.PublisherConfig, _ CommandDispatcher) error {
	slog.Info("Publisher.Log: initialized")
	return nil
}

func (publisher *LogPublisher) Stop(_ context.Context) {
	slog.Info("Publisher.Log: stopped")
}

func (publisher *LogPublisher) ProcessReading(ctx context.Context, target *entity.DeviceTarget, reading entity.Reading) error {
	if !publisher.db.Set(ctx, target.ID, reading) {
		return nil
	}
	slog.Info("Publisher.Log: reading changed",
		"device", target.ID, "port", reading.Port, "label", reading.Label,
		"metric", reading.Kind.String(), "value", reading.Value, "unit", reading.Kind.Info().Unit)
	return nil
}

func (publisher *LogPublisher) TranslateCommand(ctx context.Context, target *entity.DeviceTarget, sender collector.CommandSender, command entity.Command) error {
	slog.Info("Publisher.Log: command", "device", target.ID, "port", command.Port,
		"metric", command.Kind.String(), "control", command.Control.String(), "value", command.Value)
	return translateCommand(ctx, publisher.db, target, sender, command)
}

func (publisher *LogPublisher) RemoveDevice(deviceID string) {
	publisher.db.DeleteDevice(context.Background(), deviceID)
}
