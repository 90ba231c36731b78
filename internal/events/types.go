package events

import "time"

const (
	TypeResourceStarted uint32 = iota + 1
	TypeResourceStopped
	TypePollFailed
	TypeSpawnFailed
	TypeChunkFinalized
	TypeConnectionState
	TypeAlarmReceived
	TypeMessageDropped
	TypeStatusChanged
)

type Event interface {
	Type() uint32
}

// Nomes de frota usados no campo Fleet.
const (
	FleetRecorder = "recorder"
	FleetAlarms   = "alarms"
	FleetStatus   = "status"
)

// ResourceStarted é publicado quando um reconcile inicia um recurso.
type ResourceStarted struct {
	Fleet string
	ID    string
}

func (e ResourceStarted) Type() uint32 { return TypeResourceStarted }

// ResourceStopped é publicado depois que o recurso foi totalmente encerrado.
type ResourceStopped struct {
	Fleet string
	ID    string
}

func (e ResourceStopped) Type() uint32 { return TypeResourceStopped }

type PollFailed struct {
	Fleet string
	Err   string
}

func (e PollFailed) Type() uint32 { return TypePollFailed }

type SpawnFailed struct {
	CameraID string
	Err      string
	Backoff  time.Duration
}

func (e SpawnFailed) Type() uint32 { return TypeSpawnFailed }

type ChunkFinalized struct {
	CameraID string
	Size     int64
	Duration time.Duration
	Uploaded bool
	Err      string
}

func (e ChunkFinalized) Type() uint32 { return TypeChunkFinalized }

type ConnectionState struct {
	DeviceID string
	State    string
	Attempt  int
}

func (e ConnectionState) Type() uint32 { return TypeConnectionState }

type AlarmReceived struct {
	DeviceID  string
	AlarmType string
}

func (e AlarmReceived) Type() uint32 { return TypeAlarmReceived }

// MessageDropped: frame inválido ignorado numa conexão.
type MessageDropped struct {
	DeviceID string
	Reason   string
}

func (e MessageDropped) Type() uint32 { return TypeMessageDropped }

type StatusChanged struct {
	Changed int
	Total   int
}

func (e StatusChanged) Type() uint32 { return TypeStatusChanged }
