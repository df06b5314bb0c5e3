package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/metric"
	"github.com/kuretru/mPower-Gateway/internal/mpower"
)

const (
	DefaultInterval   = 30 * time.Second
	DefaultStaleAfter = 240 * time.Second
	DefaultMaxErrors  = 10

	closeTimeout = 10 * time.Second
)

// Transport is the view of an mpower.Client the supervisor works against.
type Transport interface {
	CommandSender
	Connect(ctx context.Context, username string, password string) error
	FullPoll(ctx context.Context) error
	ReadSnapshot(ports ...int) map[int]*entity.SensorData
	Close(ctx context.Context)
	Done() <-chan struct{}
	State() mpower.ChannelState
	TotalErrors() int64
	TimeSinceLastUpdate() time.Duration
}

// TransportFactory builds a fresh, unconnected transport. onChange must be
// wired to the transport's change notifications.
type TransportFactory func(target *entity.DeviceTarget, onChange func([]*entity.SensorData)) Transport

// MPowerTransport returns a factory producing mpower clients.
func MPowerTransport(options mpower.Options) TransportFactory {
	return func(target *entity.DeviceTarget, onChange func([]*entity.SensorData)) Transport {
		clientOptions := options
		clientOptions.OnChange = onChange
		if clientOptions.Logger != nil {
			clientOptions.Logger = clientOptions.Logger.With("device", target.ID)
		}
		return mpower.NewClient(target.Address, clientOptions)
	}
}

type Options struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	MaxErrors    int64
	NewTransport TransportFactory
	Logger       *slog.Logger
	Metrics      *metric.Metrics
}

func (options Options) withDefaults() Options {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.StaleAfter <= 0 {
		options.StaleAfter = DefaultStaleAfter
	}
	if options.MaxErrors <= 0 {
		options.MaxErrors = DefaultMaxErrors
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.NewTransport == nil {
		options.NewTransport = MPowerTransport(mpower.Options{Logger: options.Logger})
	}
	return options
}

// Supervisor keeps zero or one live transport for a device, forwards outlet
// changes to the collaborator and serializes commands against those updates.
type Supervisor struct {
	target       *entity.DeviceTarget
	collaborator Collaborator
	options      Options
	logger       *slog.Logger

	changed    *Queue[*entity.SensorData]
	deviceLock chan struct{}

	transportLock sync.Mutex
	transport     Transport
	generation    atomic.Uint64

	lifetime   context.Context
	cancel     context.CancelFunc
	stopParent func() bool
	wg         sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewSupervisor(target *entity.DeviceTarget, collaborator Collaborator, options Options) *Supervisor {
	options = options.withDefaults()
	lifetime, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		target:       target,
		collaborator: collaborator,
		options:      options,
		logger:       options.Logger.With("device", target.ID, "address", target.Address),
		changed:      NewQueue[*entity.SensorData](),
		deviceLock:   make(chan struct{}, 1),
		lifetime:     lifetime,
		cancel:       cancel,
	}
}

func (supervisor *Supervisor) Target() *entity.DeviceTarget {
	return supervisor.target
}

// Start launches the connection and update loops. They run until ctx ends or
// Stop is called.
func (supervisor *Supervisor) Start(ctx context.Context) {
	supervisor.startOnce.Do(func() {
		supervisor.stopParent = context.AfterFunc(ctx, supervisor.cancel)
		supervisor.wg.Add(2)
		go supervisor.manageConnection(supervisor.lifetime)
		go supervisor.processDeviceUpdates(supervisor.lifetime)
	})
}

// Stop cancels both loops, waits for them and closes the live transport.
func (supervisor *Supervisor) Stop() {
	supervisor.stopOnce.Do(func() {
		// Waits for a concurrent Start and keeps a later one from running.
		supervisor.startOnce.Do(func() {})
		if supervisor.stopParent != nil {
			supervisor.stopParent()
		}
		supervisor.cancel()
		supervisor.wg.Wait()
		supervisor.destroyTransport(nil)
		supervisor.changed.Clear()
		supervisor.logger.Info("Collector.Supervisor: stopped")
	})
}

// HandleCommand applies a collaborator command through the live transport,
// then forces a full poll so the cache reflects it.
func (supervisor *Supervisor) HandleCommand(ctx context.Context, command entity.Command) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(supervisor.lifetime, cancel)
	defer stop()

	err := supervisor.handleCommand(ctx, command)
	supervisor.options.Metrics.ObserveCommand(supervisor.target.ID, err)
	return err
}

func (supervisor *Supervisor) handleCommand(ctx context.Context, command entity.Command) error {
	transport, err := supervisor.translateCommand(ctx, command)
	if err != nil {
		return err
	}

	if err = transport.FullPoll(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		supervisor.logger.Warn("Collector.Supervisor: failed to refresh sensor data after command",
			"port", command.Port, "err", err)
	}
	return nil
}

func (supervisor *Supervisor) translateCommand(ctx context.Context, command entity.Command) (Transport, error) {
	if err := supervisor.lock(ctx); err != nil {
		return nil, err
	}
	defer supervisor.unlock()

	transport := supervisor.currentTransport()
	if transport == nil {
		return nil, fmt.Errorf("%w %v", ErrNoConnection, supervisor.target.Address)
	}
	if err := supervisor.collaborator.TranslateCommand(ctx, supervisor.target, transport, command); err != nil {
		return nil, err
	}
	return transport, nil
}

func (supervisor *Supervisor) manageConnection(ctx context.Context) {
	defer supervisor.wg.Done()
	for ctx.Err() == nil {
		supervisor.connect(ctx)

		if err := supervisor.sleepForIntervalOrClose(ctx); err != nil {
			return
		}

		supervisor.checkConnection(ctx)
	}
}

func (supervisor *Supervisor) connect(ctx context.Context) {
	if supervisor.currentTransport() != nil {
		return
	}

	generation := supervisor.generation.Add(1)
	transport := supervisor.options.NewTransport(supervisor.target, func(changed []*entity.SensorData) {
		supervisor.enqueue(generation, changed)
	})

	err := transport.Connect(ctx, supervisor.target.Username, supervisor.target.Password)
	if err != nil {
		if ctx.Err() != nil {
			// Shutting down, the cancelled context skips the logout round trip.
			transport.Close(ctx)
			return
		}
		supervisor.closeTransport(transport)
		result := "error"
		if errors.Is(err, mpower.ErrInvalidCredentials) {
			result = "auth_error"
		}
		supervisor.options.Metrics.ObserveConnect(supervisor.target.ID, result)
		supervisor.logger.Warn("Collector.Supervisor: failed to connect", "err", err)
		return
	}

	supervisor.transportLock.Lock()
	supervisor.transport = transport
	supervisor.transportLock.Unlock()
	supervisor.options.Metrics.ObserveConnect(supervisor.target.ID, "success")
	supervisor.options.Metrics.SetConnected(supervisor.target.ID, true)
	supervisor.logger.Info("Collector.Supervisor: connected")
}

func (supervisor *Supervisor) sleepForIntervalOrClose(ctx context.Context) error {
	timer := time.NewTimer(supervisor.options.Interval)
	defer timer.Stop()

	var closed <-chan struct{}
	if transport := supervisor.currentTransport(); transport != nil {
		closed = transport.Done()
	}

	select {
	case <-ctx.Done():
	case <-closed:
	case <-timer.C:
	}
	return ctx.Err()
}

func (supervisor *Supervisor) checkConnection(ctx context.Context) {
	transport := supervisor.currentTransport()
	if transport == nil {
		return
	}
	supervisor.options.Metrics.SetTransportErrors(supervisor.target.ID, transport.TotalErrors())

	if err := supervisor.checkHealth(transport); err != nil {
		supervisor.logger.Warn("Collector.Supervisor: reconnecting",
			"reason", err, "totalErrors", transport.TotalErrors())
		supervisor.destroyTransport(err)
		return
	}

	if err := transport.FullPoll(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		supervisor.logger.Warn("Collector.Supervisor: failed to get full sensor data", "err", err)
		supervisor.destroyTransport(ErrHealthPollFailed)
	}
}

// checkHealth returns why transport must be replaced, or nil when it may be
// checked with a full poll.
func (supervisor *Supervisor) checkHealth(transport Transport) error {
	select {
	case <-transport.Done():
		return ErrChannelClosed
	default:
	}

	if state := transport.State(); state != mpower.StateOpen {
		return fmt.Errorf("%w: channel %v", ErrChannelClosed, state)
	}
	if totalErrors := transport.TotalErrors(); totalErrors > supervisor.options.MaxErrors {
		return fmt.Errorf("%w: %v errors", ErrTooManyErrors, totalErrors)
	}
	if idle := transport.TimeSinceLastUpdate(); idle > supervisor.options.StaleAfter {
		return fmt.Errorf("%w: idle for %v", ErrStaleConnection, idle.Round(time.Second))
	}
	return nil
}

func (supervisor *Supervisor) destroyTransport(reason error) {
	supervisor.transportLock.Lock()
	transport := supervisor.transport
	supervisor.transport = nil
	supervisor.transportLock.Unlock()
	if transport == nil {
		return
	}

	supervisor.generation.Add(1)
	supervisor.closeTransport(transport)
	supervisor.options.Metrics.SetConnected(supervisor.target.ID, false)
	if reason != nil {
		supervisor.options.Metrics.ObserveDestroy(supervisor.target.ID, destroyReason(reason))
	}
}

func (supervisor *Supervisor) closeTransport(transport Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	transport.Close(ctx)
}

func (supervisor *Supervisor) currentTransport() Transport {
	supervisor.transportLock.Lock()
	defer supervisor.transportLock.Unlock()
	return supervisor.transport
}

// enqueue runs on the transport's goroutines. Changes from a transport that
// has since been replaced are dropped.
func (supervisor *Supervisor) enqueue(generation uint64, changed []*entity.SensorData) {
	if supervisor.generation.Load() != generation || supervisor.lifetime.Err() != nil {
		return
	}
	for _, data := range changed {
		supervisor.changed.Enqueue(data)
	}
	supervisor.options.Metrics.SetQueueDepth(supervisor.target.ID, supervisor.changed.Len())
}

func (supervisor *Supervisor) processDeviceUpdates(ctx context.Context) {
	defer supervisor.wg.Done()
	for {
		data, err := supervisor.changed.Dequeue(ctx)
		if err != nil {
			return
		}
		supervisor.options.Metrics.SetQueueDepth(supervisor.target.ID, supervisor.changed.Len())

		if err = supervisor.lock(ctx); err != nil {
			return
		}
		err = supervisor.processSensorData(ctx, data)
		supervisor.unlock()

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			supervisor.logger.Warn("Collector.Supervisor: failed to update sensor data",
				"port", data.Port, "err", err)
		}
	}
}

func (supervisor *Supervisor) processSensorData(ctx context.Context, data *entity.SensorData) error {
	if !supervisor.target.WantsPort(data.Port) {
		return nil
	}

	var errs []error
	for _, kind := range entity.AllMetricKinds {
		if !supervisor.target.WantsMetric(kind) {
			continue
		}
		reading := entity.Reading{
			Port:  data.Port,
			Label: data.Label,
			Kind:  kind,
			Value: kind.Normalize(data.Value(kind), supervisor.target.ResolutionFor(kind)),
		}
		if err := supervisor.collaborator.ProcessReading(ctx, supervisor.target, reading); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, fmt.Errorf("%v: %w", kind, err))
			continue
		}
		supervisor.options.Metrics.ObserveReading(supervisor.target.ID, kind.String())
	}
	return errors.Join(errs...)
}

func (supervisor *Supervisor) lock(ctx context.Context) error {
	select {
	case supervisor.deviceLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (supervisor *Supervisor) unlock() {
	<-supervisor.deviceLock
}

func destroyReason(err error) string {
	switch {
	case errors.Is(err, ErrChannelClosed):
		return "closed"
	case errors.Is(err, ErrTooManyErrors):
		return "errors"
	case errors.Is(err, ErrStaleConnection):
		return "stale"
	case errors.Is(err, ErrHealthPollFailed):
		return "poll"
	default:
		return "other"
	}
}
