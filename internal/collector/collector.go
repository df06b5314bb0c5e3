package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/metric"
	"github.com/kuretru/mPower-Gateway/internal/mpower"
)

// Collaborator consumes the readings of a device and translates the commands
// issued against it. Both calls are made while the device's update lock is
// held, so they never interleave for one device.
type Collaborator interface {
	ProcessReading(ctx context.Context, target *entity.DeviceTarget, reading entity.Reading) error
	TranslateCommand(ctx context.Context, target *entity.DeviceTarget, sender CommandSender, command entity.Command) error
}

// DeviceRemover is implemented by collaborators that keep per-device state.
type DeviceRemover interface {
	RemoveDevice(deviceID string)
}

type CommandSender interface {
	SendCommand(ctx context.Context, port int, on bool) error
}

// TranslateOutputCommand is the default command translation: only the output
// relay of an enabled port can be driven.
func TranslateOutputCommand(ctx context.Context, target *entity.DeviceTarget, sender CommandSender, command entity.Command) error {
	if command.Kind != entity.MetricOutput {
		return fmt.Errorf("%w: %v on port %v", ErrUnsupportedCommand, command.Kind, command.Port)
	}
	if !target.WantsPort(command.Port) {
		return fmt.Errorf("%w: %v", ErrPortNotEnabled, command.Port)
	}

	var on bool
	switch command.Control {
	case entity.ControlOn:
		on = true
	case entity.ControlOff:
		on = false
	default:
		on = command.Value != 0
	}
	return sender.SendCommand(ctx, command.Port, on)
}

// Pool runs one supervisor per configured device.
type Pool struct {
	ctx          context.Context
	collaborator Collaborator
	options      Options
	logger       *slog.Logger

	lock        sync.Mutex
	supervisors map[string]*Supervisor
}

func NewPool(ctx context.Context, collaborator Collaborator, options Options) *Pool {
	options = options.withDefaults()
	return &Pool{
		ctx:          ctx,
		collaborator: collaborator,
		options:      options,
		logger:       options.Logger,
		supervisors:  make(map[string]*Supervisor),
	}
}

// Init builds a pool from the collector config and starts a supervisor for
// every device in it.
func Init(ctx context.Context, config *entity.CollectorConfig, collaborator Collaborator, metrics *metric.Metrics) (*Pool, error) {
	if config == nil {
		return nil, fmt.Errorf("collector config is nil")
	}
	targets, err := Targets(config)
	if err != nil {
		return nil, err
	}

	logger := slog.Default()
	options := Options{
		Interval:   config.ReconnectInterval,
		StaleAfter: config.StaleAfter,
		MaxErrors:  config.MaxErrors,
		Logger:     logger,
		Metrics:    metrics,
		NewTransport: MPowerTransport(mpower.Options{
			WebSocketPort: config.WebSocketPort,
			Logger:        logger,
		}),
	}
	pool := NewPool(ctx, collaborator, options)
	pool.Reconcile(targets)
	logger.Info("Collector: initialized", "devices", len(targets))
	return pool, nil
}

// Targets converts and validates every device of the collector config.
func Targets(config *entity.CollectorConfig) ([]*entity.DeviceTarget, error) {
	targets := make([]*entity.DeviceTarget, 0, len(config.Devices))
	seen := make(map[string]struct{}, len(config.Devices))
	for _, device := range config.Devices {
		if device == nil {
			continue
		}
		target, err := device.Target()
		if err != nil {
			return nil, err
		}
		if _, ok := seen[target.ID]; ok {
			return nil, fmt.Errorf("duplicate device id %v", target.ID)
		}
		seen[target.ID] = struct{}{}
		targets = append(targets, target)
	}
	return targets, nil
}

// Reconcile makes the running supervisors match targets: unchanged devices
// keep their connection, changed ones are restarted, missing ones stopped.
func (pool *Pool) Reconcile(targets []*entity.DeviceTarget) {
	stale := make([]*Supervisor, 0)
	started := make([]*Supervisor, 0)

	pool.lock.Lock()
	wanted := make(map[string]*entity.DeviceTarget, len(targets))
	for _, target := range targets {
		wanted[target.ID] = target
	}
	for id, supervisor := range pool.supervisors {
		target, ok := wanted[id]
		if !ok {
			stale = append(stale, supervisor)
			delete(pool.supervisors, id)
			continue
		}
		if !supervisor.Target().Equal(target) {
			pool.logger.Info("Collector: device configuration changed", "device", id)
			stale = append(stale, supervisor)
			delete(pool.supervisors, id)
		}
	}
	for id, target := range wanted {
		if _, ok := pool.supervisors[id]; ok {
			continue
		}
		supervisor := NewSupervisor(target, pool.collaborator, pool.options)
		pool.supervisors[id] = supervisor
		started = append(started, supervisor)
	}
	pool.lock.Unlock()

	for _, supervisor := range stale {
		supervisor.Stop()
		if _, ok := wanted[supervisor.Target().ID]; !ok {
			pool.removeDevice(supervisor.Target().ID)
		}
	}
	for _, supervisor := range started {
		pool.logger.Info("Collector: starting device", "device", supervisor.Target().ID, "address", supervisor.Target().Address)
		supervisor.Start(pool.ctx)
	}
}

func (pool *Pool) removeDevice(deviceID string) {
	pool.logger.Info("Collector: device removed", "device", deviceID)
	if remover, ok := pool.collaborator.(DeviceRemover); ok {
		remover.RemoveDevice(deviceID)
	}
	pool.options.Metrics.DeleteDevice(deviceID)
}

func (pool *Pool) Supervisor(deviceID string) (*Supervisor, bool) {
	pool.lock.Lock()
	defer pool.lock.Unlock()
	supervisor, ok := pool.supervisors[deviceID]
	return supervisor, ok
}

// HandleCommand routes a collaborator command to the device's supervisor.
func (pool *Pool) HandleCommand(ctx context.Context, deviceID string, command entity.Command) error {
	supervisor, ok := pool.Supervisor(deviceID)
	if !ok {
		return fmt.Errorf("%w %v", ErrUnknownDevice, deviceID)
	}
	return supervisor.HandleCommand(ctx, command)
}

func (pool *Pool) Stop() {
	pool.lock.Lock()
	supervisors := make([]*Supervisor, 0, len(pool.supervisors))
	for id, supervisor := range pool.supervisors {
		supervisors = append(supervisors, supervisor)
		delete(pool.supervisors, id)
	}
	pool.lock.Unlock()

	var wg sync.WaitGroup
	for _, supervisor := range supervisors {
		wg.Add(1)
		go func() {
			defer wg.Done()
			supervisor.Stop()
		}()
	}
	wg.Wait()
	pool.logger.Info("Collector: stopped")
}
