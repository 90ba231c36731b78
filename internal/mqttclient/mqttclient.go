// internal/mqttclient/mqttclient.go
package mqttclient

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/sua-org/aibox-bus/internal/logging"
)

// ErrTimeout: o broker não confirmou a operação a tempo.
var ErrTimeout = errors.New("mqtt: operation timed out")

type Client struct {
	client  mqtt.Client
	timeout time.Duration
	logger  *slog.Logger
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	ClientID string
	// Timeout vale para connect, publish e subscribe.
	Timeout time.Duration
}

func (c Config) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

func ConfigFromEnv(defaultClientID string) Config {
	return Config{
		Host:     getenv("MQTT_HOST", "localhost"),
		Port:     getenvInt("MQTT_PORT", 1883),
		Username: os.Getenv("MQTT_USERNAME"),
		Password: os.Getenv("MQTT_PASSWORD"),
		ClientID: getenv("MQTT_CLIENT_ID", defaultClientID),
		Timeout:  10 * time.Second,
	}
}

func NewClientFromEnv(defaultClientID string, logger *slog.Logger) (*Client, error) {
	return NewClient(ConfigFromEnv(defaultClientID), logger)
}

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger = logger.With("broker", cfg.BrokerURL(), "client_id", cfg.ClientID)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL())
	opts.SetClientID(cfg.ClientID)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt conectado")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt desconectado, reconectando", "err", err)
	})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	cli := mqtt.NewClient(opts)
	token := cli.Connect()
	if ok := token.WaitTimeout(cfg.Timeout); !ok {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL(), ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect error: %w", err)
	}

	return &Client{client: cli, timeout: cfg.Timeout, logger: logger}, nil
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (c *Client) Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error {
	token := c.client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.timeout) {
		return fmt.Errorf("subscribe %s: %w", topic, ErrTimeout)
	}
	return token.Error()
}

func (c *Client) IsConnected() bool {
	return c.client != nil && c.client.IsConnected()
}

func (c *Client) Close() {
	if c.IsConnected() {
		c.client.Disconnect(250)
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if x, err := strconv.Atoi(os.Getenv(key)); err == nil && x > 0 {
		return x
	}
	return def
}
