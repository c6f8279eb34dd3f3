package mqtt

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"astrobox-agent/internal/events"
	"astrobox-agent/internal/printer"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	BoxName     string
}

// Bridge publishes box telemetry to a LAN broker and accepts a small command
// surface back. Retained topics let late subscribers see the current state.
type Bridge struct {
	client  pahomqtt.Client
	bus     *events.Bus
	control printer.Control
	prefix  string
	boxName string
	logger  *slog.Logger
	unsub   func()
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(bus *events.Bus, control printer.Control, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		bus:     bus,
		control: control,
		prefix:  cfg.TopicPrefix,
		boxName: cfg.BoxName,
		logger:  logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("astrobox-agent").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishDiscovery()
			b.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	return b, nil
}

// Start subscribes to the local bus and begins publishing.
func (b *Bridge) Start() {
	b.unsub = b.bus.OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) handleEvent(event events.Event) {
	switch event.Type {
	case events.EventCloudStatus:
		b.publish(b.prefix+"/cloud", mustJSON(event.Data), true)
	case events.EventPrinterState:
		b.publish(b.prefix+"/printer", mustJSON(event.Data), true)
	case events.EventDownload:
		b.publish(b.prefix+"/download", mustJSON(event.Data), true)
	case events.EventLoggedOut:
		b.publish(b.prefix+"/cloud", mustJSON(map[string]any{"status": "logged_out"}), true)
	}
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/set_temp"
	b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSetTemp(msg.Payload())
	})
}

// handleSetTemp applies a {"target": "tool0", "value": 210} command from the
// LAN. Same guard as the cloud path: operational printers only.
func (b *Bridge) handleSetTemp(payload []byte) {
	if b.control == nil || !b.control.IsOperational() {
		return
	}
	var cmd struct {
		Target string  `json:"target"`
		Value  float64 `json:"value"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.logger.Warn("invalid set_temp command", "err", err)
		return
	}
	if cmd.Target == "" {
		return
	}
	if err := b.control.SetTemperature(cmd.Target, cmd.Value); err != nil {
		b.logger.Warn("set_temp command failed", "target", cmd.Target, "err", err)
	}
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	for _, msg := range buildDiscovery(b.prefix, b.boxName) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "name", b.boxName)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
