package publisher

import (
	"context"
	"errors"
	"fmt"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/collector"
	"github.com/kuretru/mPower-Gateway/internal/database"
)

var ErrPortNotReported = errors.New("port has not reported yet")

// CommandDispatcher routes a command to the supervisor of a device.
type CommandDispatcher interface {
	HandleCommand(ctx context.Context, deviceID string, command entity.Command) error
}

type Publisher interface {
	collector.Collaborator
	collector.DeviceRemover
	Run(ctx context.Context, config *entity.PublisherConfig, dispatcher CommandDispatcher) error
	Stop(ctx context.Context)
}

func New(config *entity.PublisherConfig, db *database.MemoryDB) (Publisher, error) {
	if config == nil {
		return nil, fmt.Errorf("publisher config is empty")
	}

	switch config.Type {
	case "mqtt":
		if config.MQTT == nil {
			return nil, fmt.Errorf("publisher: mqtt section is required for type %v", config.Type)
		}
		return &MQTTPublisher{db: db, prefix: topicPrefix(config.MQTT)}, nil
	case "log", "":
		return &LogPublisher{db: db}, nil
	default:
		return nil, fmt.Errorf("unknown publisher type %v", config.Type)
	}
}

// translateCommand refuses ports the device never reported before handing the
// command to the default output translator.
func translateCommand(ctx context.Context, db *database.MemoryDB, target *entity.DeviceTarget, sender collector.CommandSender, command entity.Command) error {
	if !db.HasPort(ctx, target.ID, command.Port) {
		return fmt.Errorf("%w: %v port %v", ErrPortNotReported, target.ID, command.Port)
	}
	return collector.TranslateOutputCommand(ctx, target, sender, command)
}
