// Package config lê a configuração do aibox-bus do ambiente (e de um .env opcional).
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel  string
	LogFormat string
	HTTPAddr  string

	RegistryPath string
	CatalogPath  string
	HTTPTimeout  time.Duration

	MQTTBaseTopic string
	Heartbeat     time.Duration

	Recorder RecorderConfig
	Alarms   AlarmsConfig
	Status   StatusConfig
}

type RecorderConfig struct {
	Enabled          bool
	ChunkDuration    time.Duration
	HealthCheck      time.Duration
	SpawnBackoff     time.Duration
	TempDir          string
	FFmpeg           string
	TerminateTimeout time.Duration
	KillTimeout      time.Duration
	Bucket           string
}

type AlarmsConfig struct {
	Enabled        bool
	Refresh        time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	ReadTimeout    time.Duration
	ImageBucket    string
}

type StatusConfig struct {
	Interval    time.Duration
	MediaMTXURL string
	APIUser     string
	APIPass     string
}

// Load lê o .env (se existir) e depois as variáveis de ambiente.
// envFile vazio usa ".env" no diretório atual.
func Load(envFile string, logger *slog.Logger) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if logger != nil {
			logger.Warn("não foi possível carregar .env", "path", envFile, "err", err)
		}
	}
	return FromEnv()
}

// FromEnv monta a configuração só a partir do ambiente do processo.
func FromEnv() (Config, error) {
	cfg := Config{
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogFormat:     getenv("LOG_FORMAT", "text"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8090"),
		RegistryPath:  getenv("AIBOX_REGISTRY", "boxes.yaml"),
		CatalogPath:   getenv("CATALOG_PATH", "aibox-bus.db"),
		HTTPTimeout:   getenvSeconds("HTTP_TIMEOUT_SECONDS", 5*time.Second),
		MQTTBaseTopic: strings.TrimSuffix(getenv("MQTT_BASE_TOPIC", "aibox-bus"), "/"),
		Heartbeat:     getenvSeconds("HEARTBEAT_SECONDS", 30*time.Second),
		Recorder: RecorderConfig{
			Enabled:          getenvBool("RECORD_ENABLED", true),
			ChunkDuration:    getenvSeconds("RECORD_CHUNK_SECONDS", 300*time.Second),
			HealthCheck:      getenvSeconds("RECORD_HEALTH_CHECK_SECONDS", 60*time.Second),
			SpawnBackoff:     getenvSeconds("RECORD_SPAWN_BACKOFF_SECONDS", 60*time.Second),
			TempDir:          getenv("RECORD_TEMP_DIR", os.TempDir()),
			FFmpeg:           getenv("RECORD_FFMPEG", "ffmpeg"),
			TerminateTimeout: getenvSeconds("RECORD_TERMINATE_TIMEOUT_SECONDS", 10*time.Second),
			KillTimeout:      getenvSeconds("RECORD_KILL_TIMEOUT_SECONDS", 5*time.Second),
			Bucket:           getenv("RECORD_BUCKET", "recordings"),
		},
		Alarms: AlarmsConfig{
			Enabled:        getenvBool("ALARM_ENABLED", true),
			Refresh:        getenvSeconds("ALARM_REFRESH_SECONDS", 60*time.Second),
			BackoffInitial: getenvSeconds("ALARM_BACKOFF_INITIAL_SECONDS", 5*time.Second),
			BackoffMax:     getenvSeconds("ALARM_BACKOFF_MAX_SECONDS", 60*time.Second),
			ReadTimeout:    getenvSeconds("ALARM_READ_TIMEOUT_SECONDS", 30*time.Second),
			ImageBucket:    getenv("ALARM_IMAGE_BUCKET", "alarm-images"),
		},
		Status: StatusConfig{
			Interval:    getenvSeconds("STATUS_POLL_SECONDS", 10*time.Second),
			MediaMTXURL: strings.TrimSuffix(getenv("MEDIAMTX_API_URL", "http://localhost:9997"), "/"),
			APIUser:     os.Getenv("MEDIAMTX_API_USER"),
			APIPass:     os.Getenv("MEDIAMTX_API_PASS"),
		},
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Alarms.BackoffMax < c.Alarms.BackoffInitial {
		return fmt.Errorf("ALARM_BACKOFF_MAX_SECONDS (%s) menor que ALARM_BACKOFF_INITIAL_SECONDS (%s)",
			c.Alarms.BackoffMax, c.Alarms.BackoffInitial)
	}
	if c.Recorder.Bucket == "" {
		return fmt.Errorf("RECORD_BUCKET vazio")
	}
	return nil
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// getenvSeconds aceita inteiro (segundos) ou duração Go ("1m30s").
func getenvSeconds(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if sec, err := strconv.Atoi(v); err == nil {
		if sec <= 0 {
			return def
		}
		return time.Duration(sec) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	return def
}
