package alarms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sua-org/aibox-bus/internal/broadcast"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/storage"
)

// AlarmStore persiste alarmes (catalog.Catalog).
type AlarmStore interface {
	RecordAlarm(ctx context.Context, ev core.AlarmEvent) error
}

// ImageStore guarda a imagem do alarme e devolve um link temporário (storage.MinioStore).
type ImageStore interface {
	Upload(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string) (string, error)
	Presign(ctx context.Context, bucket, objectPath string, expiry time.Duration) (string, error)
}

type SinkOptions struct {
	Hub         *broadcast.Hub
	Catalog     AlarmStore
	Images      ImageStore
	ImageBucket string
	MQTT        broadcast.Publisher
	BaseTopic   string
	Timeout     time.Duration
	Logger      *slog.Logger
	Bus         *events.Bus
}

// Sink recebe os frames de todas as conexões e distribui cada alarme.
type Sink struct {
	opts   SinkOptions
	logger *slog.Logger
}

func NewSink(opts SinkOptions) *Sink {
	if opts.ImageBucket == "" {
		opts.ImageBucket = "alarm-images"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	opts.BaseTopic = strings.TrimSuffix(opts.BaseTopic, "/")
	return &Sink{opts: opts, logger: opts.Logger}
}

// Handle é o MessageHandler das conexões: um frame ruim (ou um pânico no tratamento)
// descarta só aquela mensagem.
func (s *Sink) Handle(ctx context.Context, device core.Device, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("pânico tratando alarme", "device_id", device.ID, "panic", r)
			events.Publish(s.opts.Bus, events.MessageDropped{DeviceID: device.ID, Reason: fmt.Sprint(r)})
		}
	}()

	ev, err := Translate(raw, device.ID)
	if err != nil {
		s.logger.Warn("frame de alarme ignorado", "device_id", device.ID, "err", err, "raw", truncate(raw, 200))
		events.Publish(s.opts.Bus, events.MessageDropped{DeviceID: device.ID, Reason: err.Error()})
		return
	}
	s.Deliver(ctx, ev)
}

// Deliver sobe a imagem (se houver), publica no hub, grava no catálogo e manda pro MQTT.
func (s *Sink) Deliver(ctx context.Context, ev core.AlarmEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
	defer cancel()

	if len(ev.Image) > 0 && s.opts.Images != nil {
		if u, err := s.storeImage(ctx, ev); err != nil {
			s.logger.Warn("falha ao subir imagem do alarme", "alarm_id", ev.ID, "err", err)
		} else {
			ev.ImageURL = u
		}
	}

	logger := s.logger.With("device_id", ev.DeviceID, "alarm_id", ev.ID, "alarm_type", ev.Type)
	logger.Info("alarme recebido", "camera", ev.CameraName, "confidence", ev.Confidence)

	if s.opts.Hub != nil {
		s.opts.Hub.Publish(broadcast.Message{Type: broadcast.TypeAlarm, Data: ev})
	}
	if s.opts.Catalog != nil {
		if err := s.opts.Catalog.RecordAlarm(ctx, ev); err != nil {
			logger.Warn("falha ao gravar alarme", "err", err)
		}
	}
	if s.opts.MQTT != nil {
		payload, err := json.Marshal(ev)
		if err == nil {
			err = s.opts.MQTT.Publish(s.Topic(ev.DeviceID), 1, false, payload)
		}
		if err != nil {
			logger.Warn("publish MQTT do alarme falhou", "err", err)
		}
	}
	events.Publish(s.opts.Bus, events.AlarmReceived{DeviceID: ev.DeviceID, AlarmType: ev.Type})
}

func (s *Sink) storeImage(ctx context.Context, ev core.AlarmEvent) (string, error) {
	contentType := http.DetectContentType(ev.Image)
	ext := ".jpg"
	if contentType == "image/png" {
		ext = ".png"
	}
	objectPath := storage.ObjectPath(ev.Time.UTC(), ev.DeviceID+"_"+ev.ID+ext)
	if _, err := s.opts.Images.Upload(ctx, s.opts.ImageBucket, objectPath, bytes.NewReader(ev.Image), int64(len(ev.Image)), contentType); err != nil {
		return "", err
	}
	u, err := s.opts.Images.Presign(ctx, s.opts.ImageBucket, objectPath, storage.MaxPresignExpiry)
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", objectPath, err)
	}
	return u, nil
}

// Topic devolve <base>/alarms/<device_id>.
func (s *Sink) Topic(deviceID string) string {
	deviceID = strings.NewReplacer("+", "_", "#", "_", "/", "_").Replace(deviceID)
	return s.opts.BaseTopic + "/alarms/" + deviceID
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
