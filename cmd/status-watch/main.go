// cmd/status-watch/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	flag "github.com/spf13/pflag"

	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/mqttclient"
)

func main() {
	_ = godotenv.Load()

	baseTopic := flag.StringP("base", "b", getenv("MQTT_BASE_TOPIC", "aibox-bus"), "tópico base")
	only := flag.StringSliceP("only", "o", []string{"status", "alarms", "collector"}, "quais grupos assinar")
	pretty := flag.BoolP("pretty", "p", false, "mostra o JSON completo indentado")
	flag.Parse()

	logger := logging.New(getenv("LOG_LEVEL", "info"), "text")
	mqttCli, err := mqttclient.NewClientFromEnv("aibox-bus-status-watch", logger)
	if err != nil {
		logger.Error("erro ao conectar no MQTT", "err", err)
		os.Exit(1)
	}
	defer mqttCli.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	base := strings.TrimSuffix(*baseTopic, "/")
	for _, group := range *only {
		topic := base + "/" + group + "/#"
		if err := mqttCli.Subscribe(topic, 1, func(topic string, payload []byte) {
			printMessage(os.Stdout, base, topic, payload, *pretty)
		}); err != nil {
			logger.Error("erro ao assinar tópico", "topic", topic, "err", err)
			os.Exit(1)
		}
		logger.Info("assinado", "topic", topic)
	}

	<-ctx.Done()
	logger.Info("sinal recebido, encerrando")
}

// printMessage escreve uma linha por mensagem: hora, grupo, chave e os campos principais.
func printMessage(w io.Writer, base, topic string, payload []byte, pretty bool) {
	rest := strings.TrimPrefix(strings.TrimPrefix(topic, base), "/")
	group, key, _ := strings.Cut(rest, "/")
	now := time.Now().Format("15:04:05")

	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		fmt.Fprintf(w, "%s %-9s %s payload inválido (%d bytes): %v\n", now, group, key, len(payload), err)
		return
	}

	switch group {
	case "status":
		fmt.Fprintf(w, "%s %-9s %s -> %s (%s)\n", now, group, key, getString(raw, "status"), getString(raw, "source"))
	case "alarms":
		fmt.Fprintf(w, "%s %-9s %s %s camera=%s conf=%v\n", now, group, key,
			getString(raw, "alarm_type"), getString(raw, "camera_name"), raw["confidence"])
	case "collector":
		fmt.Fprintf(w, "%s %-9s %s %s recorders=%v connections=%v cpu=%v%%\n", now, group, key,
			getString(raw, "status"), raw["recorders"], raw["connections"], raw["cpu_percent"])
	default:
		fmt.Fprintf(w, "%s %-9s %s\n", now, group, key)
	}

	if pretty {
		b, _ := json.MarshalIndent(raw, "  ", "  ")
		fmt.Fprintf(w, "  %s\n", b)
	}
}

func getString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok {
			return s
		}
	}
	return ""
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
