package alarms

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/aibox-bus/internal/core"
)

// ErrParse: o frame não é um alarme JSON válido; só essa mensagem é descartada.
var ErrParse = errors.New("alarms: invalid alarm frame")

// bmappTimeLayout é o campo "Time" do BM-APP, no fuso local da box.
const bmappTimeLayout = "2006-01-02 15:04:05"

var confidenceProps = map[string]bool{"confidence": true, "score": true, "similarity": true, "prob": true}

// Translate converte o JSON de alarme do BM-APP no formato interno fixo.
//
// O BM-APP muda nomes de campo entre versões (Result.Type, AlarmType, type...), então cada
// atributo é resolvido por uma lista de chaves em ordem de prioridade.
func Translate(raw []byte, deviceID string) (core.AlarmEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var data map[string]interface{}
	if err := dec.Decode(&data); err != nil {
		return core.AlarmEvent{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if data == nil {
		return core.AlarmEvent{}, fmt.Errorf("%w: empty object", ErrParse)
	}

	media := getMap(data, "Media")
	result := getMap(data, "Result")

	ev := core.AlarmEvent{
		ID:       firstString(data, "AlarmId", "alarmId", "id", "Id"),
		DeviceID: deviceID,
		Raw:      append([]byte(nil), raw...),
	}

	ev.Type = firstNonEmpty(
		firstString(result, "Type", "type"),
		firstString(data, "AlarmType", "alarmType", "Type", "type"),
		"Unknown",
	)
	ev.Name = firstNonEmpty(
		getString(data, "TaskDesc"),
		firstString(result, "Description", "description"),
		firstString(data, "alarmName", "AlarmName"),
		ev.Type+" Detected",
	)
	ev.CameraID = firstNonEmpty(
		getString(media, "MediaName"),
		firstString(data, "cameraId", "CameraId", "channelId"),
	)
	ev.CameraName = firstNonEmpty(
		firstString(media, "MediaDesc", "MediaName"),
		firstString(data, "cameraName", "CameraName", "TaskDesc"),
	)
	ev.Location = firstNonEmpty(
		firstString(data, "location", "Location"),
		getString(media, "MediaDesc"),
		getString(data, "TaskDesc"),
	)
	ev.ImageURL = firstString(data, "imageUrl", "ImageUrl", "picUrl", "PicUrl", "LocalLabeledPath", "LocalRawPath")
	ev.VideoURL = firstString(data, "VideoFile", "videoUrl", "VideoUrl")
	ev.Description = firstNonEmpty(
		getString(data, "Summary"),
		firstString(result, "Description", "description"),
		getString(data, "description"),
	)
	ev.Confidence = confidence(data, result)
	ev.Time = alarmTime(data)

	// imagem rotulada tem prioridade; o sink sobe pro bucket e troca por URL
	if img := firstString(data, "ImageDataLabeled", "ImageData"); img != "" {
		if b, err := decodeImage(img); err == nil {
			ev.Image = b
		}
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev, nil
}

// confidence: raiz, depois Result.Properties, depois campos alternativos da raiz.
func confidence(data, result map[string]interface{}) float64 {
	if c, ok := firstNumber(data, "Confidence", "confidence"); ok && c != 0 {
		return c
	}
	if props, ok := result["Properties"].([]interface{}); ok {
		for _, p := range props {
			obj, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			key := strings.ToLower(firstString(obj, "property", "Property"))
			if !confidenceProps[key] {
				continue
			}
			if c, ok := firstNumber(obj, "value", "Value"); ok && c != 0 {
				return c
			}
			break
		}
	}
	if c, ok := firstNumber(data, "score", "Score", "probability", "Probability"); ok {
		return c
	}
	return 0
}

func alarmTime(data map[string]interface{}) time.Time {
	if s := getString(data, "Time"); s != "" {
		if t, err := time.ParseInLocation(bmappTimeLayout, s, time.Local); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	// TimeStamp vem em microssegundos
	if us, ok := firstNumber(data, "TimeStamp"); ok && us > 0 {
		return time.UnixMicro(int64(us))
	}
	return time.Now().UTC()
}

func decodeImage(s string) ([]byte, error) {
	if i := strings.Index(s, "base64,"); i >= 0 {
		s = s[i+len("base64,"):]
	}
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func getMap(m map[string]interface{}, key string) map[string]interface{} {
	if v, ok := m[key].(map[string]interface{}); ok {
		return v
	}
	return map[string]interface{}{}
}

// getString aceita string ou número (ids numéricos viram texto).
func getString(m map[string]interface{}, key string) string {
	switch v := m[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}

func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := getString(m, k); s != "" {
			return s
		}
	}
	return ""
}

func firstNumber(m map[string]interface{}, keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
