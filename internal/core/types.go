// internal/core/types.go
package core

import "time"

// CameraHandle identifica uma câmera gravável descoberta no poll das AI boxes.
type CameraHandle struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	StreamURL   string `json:"stream_url"`
	DeviceID    string `json:"device_id"`
	TaskSession string `json:"task_session,omitempty"`
	MediaName   string `json:"media_name,omitempty"`
}

// Device é uma AI box com endpoint de alarmes (websocket).
type Device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	EndpointURL string `json:"endpoint_url"`
	Active      bool   `json:"active"`
}

type Status string

const (
	StatusOnline     Status = "online"
	StatusConnecting Status = "connecting"
	StatusOffline    Status = "offline"
	StatusError      Status = "error"
)

// Fontes de status.
const (
	SourceMediaMTX = "mediamtx"
	SourceBMApp    = "bmapp"
	SourceRemoved  = "removed"
)

// StatusEntry é o valor publicado por chave de stream.
type StatusEntry struct {
	Status   Status         `json:"status"`
	Source   string         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AlarmEvent é o formato interno fixo de um alarme recebido de uma AI box.
type AlarmEvent struct {
	ID          string    `json:"id"`
	DeviceID    string    `json:"device_id"`
	Type        string    `json:"alarm_type"`
	Name        string    `json:"alarm_name"`
	CameraID    string    `json:"camera_id"`
	CameraName  string    `json:"camera_name"`
	Location    string    `json:"location"`
	Confidence  float64   `json:"confidence"`
	ImageURL    string    `json:"image_url,omitempty"`
	VideoURL    string    `json:"video_url,omitempty"`
	Description string    `json:"description,omitempty"`
	Time        time.Time `json:"alarm_time"`

	// Imagem crua (base64 decodificado); não vai pro JSON.
	Image []byte `json:"-"`
	Raw   []byte `json:"-"`
}

type ChunkState string

const (
	ChunkPending   ChunkState = "pending"
	ChunkAvailable ChunkState = "available"
	ChunkFailed    ChunkState = "failed"
)

// ChunkRecord descreve um segmento gravado e seu objeto no blob store.
type ChunkRecord struct {
	ID         string        `json:"id"`
	CameraID   string        `json:"camera_id"`
	CameraName string        `json:"camera_name"`
	FileName   string        `json:"file_name"`
	Bucket     string        `json:"bucket"`
	ObjectPath string        `json:"object_path"`
	Start      time.Time     `json:"start"`
	End        time.Time     `json:"end"`
	Duration   time.Duration `json:"duration"`
	Size       int64         `json:"size"`
	Trigger    string        `json:"trigger"`
	State      ChunkState    `json:"state"`
}
