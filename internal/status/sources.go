package status

import (
	"context"
	"strings"

	"github.com/sua-org/aibox-bus/internal/bmapp"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/mediamtx"
)

// MediaMTXSource é a visão do servidor de streams (fonte A).
type MediaMTXSource struct {
	Client *mediamtx.Client
}

func (MediaMTXSource) Name() string { return core.SourceMediaMTX }

func (s MediaMTXSource) Poll(ctx context.Context) (map[string]core.StatusEntry, error) {
	paths, err := s.Client.Paths(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.StatusEntry, len(paths))
	for _, p := range paths {
		if p.Name == "" {
			continue
		}
		out[p.Name] = core.StatusEntry{
			Status: p.Status(),
			Source: core.SourceMediaMTX,
			Metadata: map[string]any{
				"ready":         p.Ready,
				"bytesReceived": p.BytesReceived,
			},
		}
	}
	return out, nil
}

// BMAppSource é a visão das tarefas nas AI boxes (fonte B).
type BMAppSource struct {
	Poller *bmapp.Poller
}

func (BMAppSource) Name() string { return core.SourceBMApp }

// Poll grava cada tarefa em "bmapp:<session>" e também no MediaName, que é o nome do stream.
func (s BMAppSource) Poll(ctx context.Context) (map[string]core.StatusEntry, error) {
	boxes, err := s.Poller.Tasks(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.StatusEntry)
	for _, bt := range boxes {
		for _, t := range bt.Tasks {
			session := strings.TrimSpace(t.Session)
			if session == "" {
				continue
			}
			mediaName := strings.TrimSpace(t.MediaName)
			entry := core.StatusEntry{
				Status: TaskStatus(t.Status.Type),
				Source: core.SourceBMApp,
				Metadata: map[string]any{
					"aibox":       bt.Box.Name,
					"taskSession": session,
					"mediaName":   mediaName,
				},
			}
			if bt.Stale {
				entry.Metadata["stale"] = true
			}
			out[SessionKey(session)] = entry
			if mediaName != "" {
				out[mediaName] = entry
			}
		}
	}
	return out, nil
}

func SessionKey(session string) string {
	return "bmapp:" + session
}

// TaskStatus mapeia AlgTaskStatus.type.
func TaskStatus(t int) core.Status {
	switch t {
	case bmapp.TaskHealthy:
		return core.StatusOnline
	case bmapp.TaskConnecting:
		return core.StatusConnecting
	case bmapp.TaskError:
		return core.StatusError
	default:
		return core.StatusOffline
	}
}
