package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/kuretru/mPower-Gateway/entity"
	"github.com/kuretru/mPower-Gateway/internal/collector"
	"github.com/kuretru/mPower-Gateway/internal/database"
	"github.com/kuretru/mPower-Gateway/internal/utils"
)

const (
	defaultTopicPrefix = "mpower"
	clientIDPrefix     = "mpower-gateway-"
	stateInterval      = 15 * time.Second
	commandTimeout     = 30 * time.Second
)

var errNotConnected = errors.New("not connected to mqtt server")

// publishClient is the part of the autopaho connection manager used to write
// topics.
type publishClient interface {
	Publish(ctx context.Context, publish *paho.Publish) (*paho.PublishResponse, error)
}

// MQTTPublisher mirrors readings to retained MQTT topics and turns messages on
// the set topics into device commands:
//
//	<prefix>/<device>/<port>/<metric>      reading, retained
//	<prefix>/<device>/<port>/<metric>/set  command, ON/OFF or a number
//	<prefix>/<device>/state                all ports as JSON, every 15s
type MQTTPublisher struct {
	db         *database.MemoryDB
	prefix     string
	dispatcher CommandDispatcher

	clientLock        sync.RWMutex
	client            publishClient
	connectionManager *autopaho.ConnectionManager

	// flushLock keeps the pending check, publish and mark of one device atomic.
	flushLock sync.Mutex
	commands  sync.WaitGroup
}

func (publisher *MQTTPublisher) Run(ctx context.Context, config *entity.PublisherConfig, dispatcher CommandDispatcher) error {
	publisher.dispatcher = dispatcher
	u, err := url.Parse(config.MQTT.URL)
	if err != nil {
		return fmt.Errorf("Publisher.MQTT: parse mqtt url failed: %v, %v", config.MQTT.URL, err)
	}
	clientID := config.MQTT.ClientID
	if clientID == "" {
		clientID = clientIDPrefix + uuid.NewString()
	}
	commandTopic := publisher.topicPrefix() + "/+/+/+/set"

	router := paho.NewStandardRouter()
	router.DefaultHandler(func(publish *paho.Publish) {
		slog.Info("Publisher.MQTT: message received without hit any route", "topic", publish.Topic)
	})
	router.RegisterHandler(commandTopic, publisher.setCommandHandler)

	clientConfig := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{u},
		KeepAlive:       config.MQTT.Keepalive,
		ConnectUsername: config.MQTT.Username,
		ConnectPassword: []byte(config.MQTT.Password),
		// Keep the subscription across reconnects, commands sent meanwhile are queued by the broker.
		CleanStartOnInitialConnection: false,
		SessionExpiryInterval:         60,
		OnConnectionUp: func(connectionManager *autopaho.ConnectionManager, connAck *paho.Connack) {
			slog.Info("Publisher.MQTT: connected to server")
			// Readings seen while disconnected, including those from before Run, are still pending.
			publisher.bind(connectionManager)
			go publisher.publishPending(ctx)

			if _, err := connectionManager.Subscribe(context.Background(), &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{
					{Topic: commandTopic, QoS: 1},
				},
			}); err != nil {
				slog.Error("Publisher.MQTT: subscribe failed", "err", err)
				return
			}
			slog.Info("Publisher.MQTT: subscribed to", "topic", commandTopic)
		},
		OnConnectError: func(err error) {
			slog.Error("Publisher.MQTT: connect failed", "err", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(publishReceived paho.PublishReceived) (bool, error) {
					router.Route(publishReceived.Packet.Packet())
					return true, nil
				}},
			OnClientError: func(err error) {
				slog.Info("Publisher.MQTT: client error", "err", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				if d.Properties != nil && d.Properties.ReasonString != "" {
					slog.Error("Publisher.MQTT: server requested disconnect", "reason", d.Properties.ReasonString)
				} else {
					slog.Error("Publisher.MQTT: server requested disconnect", "reasonCode", d.ReasonCode)
				}
			},
		},
	}

	connectionManager, err := autopaho.NewConnection(ctx, clientConfig)
	if err != nil {
		return fmt.Errorf("Publisher.MQTT: NewConnection failed, %v", err)
	}
	if err = connectionManager.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("Publisher.MQTT: AwaitConnection failed, %v", err)
	}
	publisher.clientLock.Lock()
	publisher.connectionManager = connectionManager
	publisher.clientLock.Unlock()
	slog.Info("Publisher.MQTT: initialized", "server", config.MQTT.URL, "clientId", clientID)

	go publisher.runStateTopic(ctx)
	return nil
}

func (publisher *MQTTPublisher) Stop(ctx context.Context) {
	publisher.clientLock.RLock()
	connectionManager := publisher.connectionManager
	publisher.clientLock.RUnlock()
	if connectionManager != nil {
		if err := connectionManager.Disconnect(ctx); err != nil {
			slog.Warn("Publisher.MQTT: disconnect failed", "err", err)
		}
	}
	publisher.commands.Wait()
	slog.Info("Publisher.MQTT: stopped")
}

// ProcessReading stores reading and publishes whatever of the device is still
// pending. Without a broker connection the reading waits for the next flush.
func (publisher *MQTTPublisher) ProcessReading(ctx context.Context, target *entity.DeviceTarget, reading entity.Reading) error {
	publisher.db.Set(ctx, target.ID, reading)
	if err := publisher.flushDevice(ctx, target.ID); err != nil && !errors.Is(err, errNotConnected) {
		return err
	}
	return nil
}

// flushDevice publishes the pending readings of a device and marks each one
// published only once the broker accepted it.
func (publisher *MQTTPublisher) flushDevice(ctx context.Context, deviceID string) error {
	publisher.flushLock.Lock()
	defer publisher.flushLock.Unlock()

	for _, reading := range publisher.db.Pending(ctx, deviceID) {
		topic := fmt.Sprintf("%v/%v/%v/%v", publisher.topicPrefix(), deviceID, reading.Port, reading.Kind)
		if err := publisher.publish(ctx, topic, []byte(formatValue(reading.Kind, reading.Value))); err != nil {
			return err
		}
		publisher.db.MarkPublished(ctx, deviceID, reading)
	}
	return nil
}

func (publisher *MQTTPublisher) publishPending(ctx context.Context) {
	for _, deviceID := range publisher.db.GetAllDevices(ctx) {
		if err := publisher.flushDevice(ctx, deviceID); err != nil {
			if !errors.Is(err, errNotConnected) && ctx.Err() == nil {
				slog.Warn("Publisher.MQTT: publish pending readings failed", "device", deviceID, "err", err)
			}
			return
		}
	}
}

func (publisher *MQTTPublisher) TranslateCommand(ctx context.Context, target *entity.DeviceTarget, sender collector.CommandSender, command entity.Command) error {
	return translateCommand(ctx, publisher.db, target, sender, command)
}

// RemoveDevice forgets a device and clears its retained state topic.
func (publisher *MQTTPublisher) RemoveDevice(deviceID string) {
	ctx := context.Background()
	publisher.db.DeleteDevice(ctx, deviceID)
	if err := publisher.publish(ctx, publisher.stateTopic(deviceID), nil); err != nil && !errors.Is(err, errNotConnected) {
		slog.Warn("Publisher.MQTT: clear state topic failed", "device", deviceID, "err", err)
	}
}

func (publisher *MQTTPublisher) runStateTopic(ctx context.Context) {
	stateTopicTicker := time.NewTicker(stateInterval)
	defer stateTopicTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stateTopicTicker.C:
			publisher.publishPending(ctx)
			publisher.publishStateTopic(ctx)
		}
	}
}

func (publisher *MQTTPublisher) publishStateTopic(ctx context.Context) {
	for _, deviceID := range publisher.db.GetAllDevices(ctx) {
		payloadBytes, _ := json.Marshal(buildStatePayload(publisher.db.GetDevicePorts(ctx, deviceID)))
		if err := publisher.publish(ctx, publisher.stateTopic(deviceID), payloadBytes); err != nil {
			slog.Warn("Publisher.MQTT: publish state topic failed", "device", deviceID, "err", err)
		}
	}
	slog.Debug("Publisher.MQTT: published state topic")
}

// buildStatePayload renders the ports of a device keyed by port number, the
// output as ON/OFF and every other metric as a number.
func buildStatePayload(ports map[int]*database.MemoryCell) map[string]map[string]any {
	payload := make(map[string]map[string]any, len(ports))
	for port, cell := range ports {
		values := make(map[string]any, len(cell.Values)+1)
		if cell.Label != "" {
			values["label"] = cell.Label
		}
		for kind, value := range cell.Values {
			if kind == entity.MetricOutput {
				values[kind.String()] = utils.FormatSwitch(value)
			} else {
				values[kind.String()] = value
			}
		}
		payload[strconv.Itoa(port)] = values
	}
	return payload
}

// setCommandHandler runs on the client's receive path, so the command itself
// is carried out on its own goroutine.
func (publisher *MQTTPublisher) setCommandHandler(publish *paho.Publish) {
	deviceID, command, err := parseCommand(publisher.topicPrefix(), publish.Topic, string(publish.Payload))
	if err != nil {
		slog.Info("Publisher.MQTT: invalid command", "topic", publish.Topic, "err", err)
		return
	}
	if publisher.dispatcher == nil {
		slog.Warn("Publisher.MQTT: command received before dispatcher is ready", "topic", publish.Topic)
		return
	}

	publisher.commands.Add(1)
	go publisher.dispatch(deviceID, command)
}

func (publisher *MQTTPublisher) dispatch(deviceID string, command entity.Command) {
	defer publisher.commands.Done()
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := publisher.dispatcher.HandleCommand(ctx, deviceID, command); err != nil {
		slog.Warn("Publisher.MQTT: command failed", "device", deviceID, "port", command.Port, "err", err)
		return
	}
	slog.Info("Publisher.MQTT: command applied", "device", deviceID, "port", command.Port,
		"control", command.Control.String(), "value", command.Value)
}

// parseCommand decodes <prefix>/<device>/<port>/<metric>/set and its payload.
func parseCommand(prefix string, topic string, payload string) (string, entity.Command, error) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return "", entity.Command{}, fmt.Errorf("topic outside prefix %v", prefix)
	}
	topicSeg := strings.Split(rest, "/")
	if len(topicSeg) != 4 || topicSeg[3] != "set" || topicSeg[0] == "" {
		return "", entity.Command{}, fmt.Errorf("malformed command topic")
	}
	port, err := strconv.Atoi(topicSeg[1])
	if err != nil || port <= 0 {
		return "", entity.Command{}, fmt.Errorf("invalid port %q", topicSeg[1])
	}
	kind, err := entity.ParseMetricKind(topicSeg[2])
	if err != nil {
		return "", entity.Command{}, err
	}
	control, value, err := utils.ParseControlPayload(payload)
	if err != nil {
		return "", entity.Command{}, err
	}
	return topicSeg[0], entity.Command{Port: port, Kind: kind, Value: value, Control: control}, nil
}

func (publisher *MQTTPublisher) bind(client publishClient) {
	publisher.clientLock.Lock()
	defer publisher.clientLock.Unlock()
	publisher.client = client
}

func (publisher *MQTTPublisher) publish(ctx context.Context, topic string, payload []byte) error {
	publisher.clientLock.RLock()
	client := publisher.client
	publisher.clientLock.RUnlock()
	if client == nil {
		return errNotConnected
	}
	_, err := client.Publish(ctx, &paho.Publish{
		QoS:     0,
		Retain:  true,
		Topic:   topic,
		Payload: payload,
	})
	return err
}

func (publisher *MQTTPublisher) topicPrefix() string {
	if publisher.prefix == "" {
		return defaultTopicPrefix
	}
	return publisher.prefix
}

func (publisher *MQTTPublisher) stateTopic(deviceID string) string {
	return fmt.Sprintf("%v/%v/state", publisher.topicPrefix(), deviceID)
}

func topicPrefix(config *entity.MQTTConfig) string {
	prefix := strings.Trim(config.Topic, "/")
	if prefix == "" || strings.ContainsAny(prefix, "+#") {
		return defaultTopicPrefix
	}
	return prefix
}

func formatValue(kind entity.MetricKind, value float64) string {
	if kind == entity.MetricOutput {
		return utils.FormatSwitch(value)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
