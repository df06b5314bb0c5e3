package collector

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/mpower"
)

type fakeTransport struct {
	mu          sync.Mutex
	connectErr  error
	pollErr     error
	state       mpower.ChannelState
	idle        time.Duration
	sensors     map[int]*entity.SensorData
	commands    []string
	onChange    func([]*entity.SensorData)
	totalErrors atomic.Int64
	polls       atomic.Int32
	closed      atomic.Bool
	closeCtxErr error

	done     chan struct{}
	doneOnce sync.Once
}

func newFakeTransport(onChange func([]*entity.SensorData)) *fakeTransport {
	return &fakeTransport{
		onChange: onChange,
		sensors: map[int]*entity.SensorData{
			1: {Label: "Fridge", Port: 1, Output: 1, Power: 10},
			2: {Label: "Lamp", Port: 2, Power: 0},
		},
		done: make(chan struct{}),
	}
}

func (transport *fakeTransport) Connect(_ context.Context, _ string, _ string) error {
	transport.mu.Lock()
	if transport.connectErr != nil {
		transport.mu.Unlock()
		return transport.connectErr
	}
	transport.state = mpower.StateOpen
	transport.mu.Unlock()
	return nil
}

func (transport *fakeTransport) FullPoll(ctx context.Context) error {
	transport.polls.Add(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	transport.mu.Lock()
	defer transport.mu.Unlock()
	if transport.pollErr != nil {
		transport.totalErrors.Add(1)
		return transport.pollErr
	}
	return nil
}

func (transport *fakeTransport) ReadSnapshot(ports ...int) map[int]*entity.SensorData {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	result := make(map[int]*entity.SensorData)
	for port, data := range transport.sensors {
		result[port] = data.Clone()
	}
	if len(ports) == 0 {
		return result
	}
	filtered := make(map[int]*entity.SensorData)
	for _, port := range ports {
		if data, ok := result[port]; ok {
			filtered[port] = data
		}
	}
	return filtered
}

func (transport *fakeTransport) SendCommand(_ context.Context, port int, on bool) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	transport.commands = append(transport.commands, fmt.Sprintf("%v=%v", port, on))
	return nil
}

func (transport *fakeTransport) Close(ctx context.Context) {
	transport.mu.Lock()
	transport.closeCtxErr = ctx.Err()
	transport.mu.Unlock()
	transport.closed.Store(true)
	transport.kill()
}

func (transport *fakeTransport) Done() <-chan struct{} {
	return transport.done
}

func (transport *fakeTransport) State() mpower.ChannelState {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return transport.state
}

func (transport *fakeTransport) TotalErrors() int64 {
	return transport.totalErrors.Load()
}

func (transport *fakeTransport) TimeSinceLastUpdate() time.Duration {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return transport.idle
}

func (transport *fakeTransport) kill() {
	transport.doneOnce.Do(func() {
		transport.mu.Lock()
		transport.state = mpower.StateClosed
		transport.mu.Unlock()
		close(transport.done)
	})
}

func (transport *fakeTransport) push(changed ...*entity.SensorData) {
	transport.onChange(changed)
}

func (transport *fakeTransport) sentCommands() []string {
	transport.mu.Lock()
	defer transport.mu.Unlock()
	return append([]string(nil), transport.commands...)
}

type fakeFactory struct {
	mu         sync.Mutex
	transports []*fakeTransport
	configure  func(index int, transport *fakeTransport)
}

func (factory *fakeFactory) New(_ *entity.DeviceTarget, onChange func([]*entity.SensorData)) Transport {
	transport := newFakeTransport(onChange)
	factory.mu.Lock()
	defer factory.mu.Unlock()
	if factory.configure != nil {
		factory.configure(len(factory.transports), transport)
	}
	factory.transports = append(factory.transports, transport)
	return transport
}

func (factory *fakeFactory) count() int {
	factory.mu.Lock()
	defer factory.mu.Unlock()
	return len(factory.transports)
}

func (factory *fakeFactory) get(index int) *fakeTransport {
	factory.mu.Lock()
	defer factory.mu.Unlock()
	return factory.transports[index]
}

type recordingCollaborator struct {
	mu        sync.Mutex
	readings  []entity.Reading
	commands  []entity.Command
	removed   []string
	active    atomic.Int32
	overlap   atomic.Bool
	block     chan struct{}
	entered   chan struct{}
	readErr   error
	translate func(ctx context.Context, target *entity.DeviceTarget, sender CommandSender, command entity.Command) error
}

func newRecordingCollaborator() *recordingCollaborator {
	return &recordingCollaborator{translate: TranslateOutputCommand}
}

func (collaborator *recordingCollaborator) enter() {
	if collaborator.active.Add(1) != 1 {
		collaborator.overlap.Store(true)
	}
}

func (collaborator *recordingCollaborator) leave() {
	collaborator.active.Add(-1)
}

func (collaborator *recordingCollaborator) ProcessReading(ctx context.Context, _ *entity.DeviceTarget, reading entity.Reading) error {
	collaborator.enter()
	defer collaborator.leave()
	if collaborator.entered != nil {
		select {
		case collaborator.entered <- struct{}{}:
		default:
		}
	}
	if collaborator.block != nil {
		select {
		case <-collaborator.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	collaborator.mu.Lock()
	defer collaborator.mu.Unlock()
	collaborator.readings = append(collaborator.readings, reading)
	return collaborator.readErr
}

func (collaborator *recordingCollaborator) TranslateCommand(ctx context.Context, target *entity.DeviceTarget, sender CommandSender, command entity.Command) error {
	collaborator.enter()
	defer collaborator.leave()
	collaborator.mu.Lock()
	collaborator.commands = append(collaborator.commands, command)
	collaborator.mu.Unlock()
	return collaborator.translate(ctx, target, sender, command)
}

func (collaborator *recordingCollaborator) RemoveDevice(deviceID string) {
	collaborator.mu.Lock()
	defer collaborator.mu.Unlock()
	collaborator.removed = append(collaborator.removed, deviceID)
}

func (collaborator *recordingCollaborator) recorded() []entity.Reading {
	collaborator.mu.Lock()
	defer collaborator.mu.Unlock()
	return append([]entity.Reading(nil), collaborator.readings...)
}

func (collaborator *recordingCollaborator) translated() []entity.Command {
	collaborator.mu.Lock()
	defer collaborator.mu.Unlock()
	return append([]entity.Command(nil), collaborator.commands...)
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestTarget(id string) *entity.DeviceTarget {
	return &entity.DeviceTarget{
		ID:       id,
		Name:     id,
		Address:  "192.0.2.10",
		Username: "ubnt",
		Password: "ubnt",
		Ports:    map[int]struct{}{1: {}, 2: {}},
		Metrics: map[entity.MetricKind]struct{}{
			entity.MetricPower:  {},
			entity.MetricOutput: {},
		},
		Resolution: map[entity.MetricKind]float64{},
	}
}
