package mqttclient

import (
	"errors"
	"testing"
	"time"
)

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("MQTT_HOST", "broker.local")
	t.Setenv("MQTT_PORT", "8883")
	t.Setenv("MQTT_USERNAME", "bus")
	t.Setenv("MQTT_PASSWORD", "secret")
	t.Setenv("MQTT_CLIENT_ID", "")

	cfg := ConfigFromEnv("aibox-bus")
	if cfg.BrokerURL() != "tcp://broker.local:8883" {
		t.Errorf("broker = %s", cfg.BrokerURL())
	}
	if cfg.ClientID != "aibox-bus" || cfg.Username != "bus" || cfg.Password != "secret" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("MQTT_HOST", "")
	t.Setenv("MQTT_PORT", "abc")
	cfg := ConfigFromEnv("x")
	if cfg.BrokerURL() != "tcp://localhost:1883" {
		t.Errorf("broker = %s", cfg.BrokerURL())
	}
}

func TestNewClientUnreachableBroker(t *testing.T) {
	_, err := NewClient(Config{Host: "127.0.0.1", Port: 1, ClientID: "test", Timeout: 3 * time.Second}, nil)
	if err == nil {
		t.Fatal("expected connect error")
	}
	if errors.Is(err, ErrTimeout) {
		t.Logf("connect timed out instead of being refused: %v", err)
	}
}
