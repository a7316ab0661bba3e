package bambu

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

const (
	MqttPort        = 8883
	FtpsPort        = 990
	CameraPort      = 6000
	DefaultUsername = "bblp"

	mqttQoS            = 0
	mqttConnectTimeout = 5 * time.Second
)

// PrinterConfig identifies one printer on the LAN.
type PrinterConfig struct {
	Host         string
	AccessCode   string
	SerialNumber string
}

// MqttClient maintains one MQTTS session to a printer. Incoming report
// payloads are handed to the OnReport callback as raw maps; connection
// transitions go to OnConnectionChange.
type MqttClient struct {
	config PrinterConfig

	// OnReport receives every parsed report payload.
	OnReport func(payload map[string]any)
	// OnConnectionChange fires on connect and connection loss.
	OnConnectionChange func(connected bool)

	mu          sync.Mutex
	client      paho.Client
	lastMessage time.Time
}

func NewMqttClient(config PrinterConfig) *MqttClient {
	return &MqttClient{config: config}
}

// Connect dials the printer's broker and subscribes to the report topic.
// Auto-reconnect is left off so the supervisor controls retry pacing.
func (c *MqttClient) Connect() error {
	c.mu.Lock()
	if c.client != nil && c.client.IsConnected() {
		c.mu.Unlock()
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("ssl://%s:%d", c.config.Host, MqttPort)).
		SetClientID(fmt.Sprintf("bambumon-%s", c.config.SerialNumber)).
		SetUsername(DefaultUsername).
		SetPassword(c.config.AccessCode).
		SetTLSConfig(&tls.Config{InsecureSkipVerify: true}).
		SetAutoReconnect(false).
		SetKeepAlive(10 * time.Second).
		SetConnectTimeout(mqttConnectTimeout).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(c.onConnectionLost).
		SetDefaultPublishHandler(c.handleMessage)

	c.client = paho.NewClient(opts)
	client := c.client
	c.mu.Unlock()

	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to printer MQTT: %w", token.Error())
	}
	return nil
}

// Disconnect tears the session down.
func (c *MqttClient) Disconnect() {
	c.mu.Lock()
	client := c.client
	c.client = nil
	c.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}

// IsConnected reports whether the session is up.
func (c *MqttClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.IsConnected()
}

// LastMessageAt returns when the last report arrived.
func (c *MqttClient) LastMessageAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

// Publish sends a command to the request topic.
func (c *MqttClient) Publish(cmd map[string]any) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnected() {
		return fmt.Errorf("printer MQTT not connected")
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}

	topic := fmt.Sprintf("device/%s/request", c.config.SerialNumber)
	token := client.Publish(topic, mqttQoS, false, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %w", token.Error())
	}
	return nil
}

func (c *MqttClient) onConnect(client paho.Client) {
	topic := fmt.Sprintf("device/%s/report", c.config.SerialNumber)
	token := client.Subscribe(topic, mqttQoS, nil)
	if token.Wait() && token.Error() != nil {
		slog.Error("failed to subscribe to printer topic", "error", token.Error(), "serial", c.config.SerialNumber)
		return
	}
	slog.Debug("subscribed to printer MQTT topic", "serial", c.config.SerialNumber)
	if c.OnConnectionChange != nil {
		c.OnConnectionChange(true)
	}
}

func (c *MqttClient) onConnectionLost(client paho.Client, err error) {
	slog.Warn("printer MQTT connection lost", "error", err, "serial", c.config.SerialNumber)
	if c.OnConnectionChange != nil {
		c.OnConnectionChange(false)
	}
}

func (c *MqttClient) handleMessage(client paho.Client, msg paho.Message) {
	var payload map[string]any
	if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
		slog.Debug("failed to unmarshal printer message", "error", err, "serial", c.config.SerialNumber)
		return
	}

	c.mu.Lock()
	c.lastMessage = time.Now()
	c.mu.Unlock()

	if c.OnReport != nil {
		c.OnReport(payload)
	}
}
