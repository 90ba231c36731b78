package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
)

// Publisher é o subconjunto do cliente MQTT usado pelo sink.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// MQTTSink espelha o hub de status em tópicos retidos <base>/status/<key>.
type MQTTSink struct {
	pub       Publisher
	baseTopic string
	logger    *slog.Logger
}

func NewMQTTSink(pub Publisher, baseTopic string, logger *slog.Logger) *MQTTSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &MQTTSink{pub: pub, baseTopic: strings.TrimSuffix(baseTopic, "/"), logger: logger}
}

// Run assina o hub até ctx terminar. Se o hub derrubar o sink por lentidão,
// assina de novo e republica o snapshot completo.
func (s *MQTTSink) Run(ctx context.Context, hub *Hub) error {
	for {
		snapshot, sub := hub.Subscribe()
		s.publishMessage(snapshot)

		dropped := s.consume(ctx, sub)
		sub.Close()
		if !dropped {
			return nil
		}
		s.logger.Warn("sink MQTT removido do hub, reassinando")
	}
}

func (s *MQTTSink) consume(ctx context.Context, sub *Subscription) (dropped bool) {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.C:
			if !ok {
				return sub.Err() != nil && ctx.Err() == nil
			}
			s.publishMessage(msg)
		}
	}
}

func (s *MQTTSink) publishMessage(msg Message) {
	entries, ok := msg.Data.(map[string]core.StatusEntry)
	if !ok {
		return
	}
	for key, entry := range entries {
		payload, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		topic := s.StatusTopic(key)
		if err := s.pub.Publish(topic, 1, true, payload); err != nil {
			s.logger.Warn("publish status falhou", "topic", topic, "err", err)
		}
	}
}

// StatusTopic devolve o tópico de uma chave; curingas MQTT viram "_".
func (s *MQTTSink) StatusTopic(key string) string {
	key = strings.NewReplacer("+", "_", "#", "_").Replace(strings.Trim(key, "/"))
	return s.baseTopic + "/status/" + key
}
