package alarms

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sua-org/aibox-bus/internal/broadcast"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
)

type fakeImages struct {
	bucket, path, contentType string
	data                      []byte
}

func (f *fakeImages) Upload(_ context.Context, bucket, path string, r io.Reader, _ int64, ct string) (string, error) {
	b, err := io.ReadAll(r)
	f.bucket, f.path, f.contentType, f.data = bucket, path, ct, b
	return bucket + "/" + path, err
}

func (f *fakeImages) Presign(_ context.Context, bucket, path string, _ time.Duration) (string, error) {
	return "https://minio.local/" + bucket + "/" + path + "?X-Amz-Signature=abc", nil
}

type fakeAlarmStore struct{ alarms []core.AlarmEvent }

func (f *fakeAlarmStore) RecordAlarm(_ context.Context, ev core.AlarmEvent) error {
	f.alarms = append(f.alarms, ev)
	return nil
}

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeMQTT struct {
	mu   sync.Mutex
	msgs []published
}

func (f *fakeMQTT) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, published{topic, qos, retained, payload})
	return nil
}

func TestSinkDeliverFansOut(t *testing.T) {
	hub := broadcast.New(broadcast.Options{Name: "alarms", Logger: logging.Discard()})
	_, sub := hub.Subscribe()
	defer sub.Close()
	images := &fakeImages{}
	store := &fakeAlarmStore{}
	mq := &fakeMQTT{}
	bus := events.New()
	received := make(chan events.AlarmReceived, 4)
	unsub := events.Subscribe(bus, func(ev events.AlarmReceived) { received <- ev })
	defer unsub()

	sink := NewSink(SinkOptions{
		Hub: hub, Catalog: store, Images: images, MQTT: mq,
		BaseTopic: "aibox/", Logger: logging.Discard(), Bus: bus,
	})
	jpeg := []byte{0xff, 0xd8, 0xff, 0xe0, 0, 0x10, 'J', 'F', 'I', 'F', 0}
	ev := core.AlarmEvent{
		ID: "a1", DeviceID: "box1", Type: "NoHelmet",
		Time:  time.Date(2025, 3, 7, 14, 5, 9, 0, time.UTC),
		Image: jpeg,
	}
	sink.Deliver(context.Background(), ev)

	if images.bucket != "alarm-images" || images.path != "2025/03/07/box1_a1.jpg" || images.contentType != "image/jpeg" {
		t.Errorf("image upload = %s/%s (%s)", images.bucket, images.path, images.contentType)
	}

	select {
	case msg := <-sub.C:
		got := msg.Data.(core.AlarmEvent)
		if msg.Type != broadcast.TypeAlarm || !strings.HasPrefix(got.ImageURL, "https://minio.local/alarm-images/") {
			t.Errorf("hub message = %+v", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("no alarm on hub")
	}

	if len(store.alarms) != 1 || store.alarms[0].ImageURL == "" {
		t.Errorf("catalog = %+v", store.alarms)
	}

	if len(mq.msgs) != 1 {
		t.Fatalf("mqtt = %+v", mq.msgs)
	}
	m := mq.msgs[0]
	if m.topic != "aibox/alarms/box1" || m.retained || m.qos != 1 {
		t.Errorf("mqtt publish = %s qos=%d retained=%v", m.topic, m.qos, m.retained)
	}
	var decoded map[string]any
	if err := json.Unmarshal(m.payload, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["alarm_type"] != "NoHelmet" || decoded["image_url"] == nil {
		t.Errorf("payload = %s", m.payload)
	}
	if _, ok := decoded["Image"]; ok {
		t.Error("raw image bytes must not be serialized")
	}
	select {
	case ev := <-received:
		if ev.DeviceID != "box1" || ev.AlarmType != "NoHelmet" {
			t.Errorf("bus event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("AlarmReceived not published")
	}
}

func TestSinkHandleDropsMalformed(t *testing.T) {
	bus := events.New()
	dropped := make(chan events.MessageDropped, 4)
	unsub := events.Subscribe(bus, func(ev events.MessageDropped) { dropped <- ev })
	defer unsub()
	store := &fakeAlarmStore{}
	sink := NewSink(SinkOptions{Catalog: store, Bus: bus})

	sink.Handle(context.Background(), core.Device{ID: "box1"}, []byte("{"))
	sink.Handle(context.Background(), core.Device{ID: "box1"}, []byte(`{"AlarmId":"ok"}`))

	if len(store.alarms) != 1 || store.alarms[0].ID != "ok" || store.alarms[0].DeviceID != "box1" {
		t.Errorf("catalog = %+v", store.alarms)
	}
	select {
	case ev := <-dropped:
		if ev.DeviceID != "box1" {
			t.Errorf("drop event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("MessageDropped not published")
	}
}

type panicStore struct{}

func (panicStore) RecordAlarm(context.Context, core.AlarmEvent) error { panic("boom") }

func TestSinkHandleRecoversPanic(t *testing.T) {
	sink := NewSink(SinkOptions{Catalog: panicStore{}})
	sink.Handle(context.Background(), core.Device{ID: "box1"}, []byte(`{}`))
}

func TestSinkTopicEscapesWildcards(t *testing.T) {
	sink := NewSink(SinkOptions{BaseTopic: "aibox"})
	if got := sink.Topic("box/+#"); got != "aibox/alarms/box___" {
		t.Errorf("topic = %s", got)
	}
}
