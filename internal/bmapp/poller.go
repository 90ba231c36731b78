package bmapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
)

// ErrAllBoxesFailed: nenhuma box ativa respondeu; o chamador deve tratar como falha de poll.
var ErrAllBoxesFailed = errors.New("bmapp: all boxes failed")

// BoxTasks é o resultado do /alg_task_fetch de uma box.
type BoxTasks struct {
	Box   Box
	Tasks []Task
	Media map[string]Media
	Stale bool
}

// Poller consulta todas as boxes ativas. Uma box que falha devolve o último resultado bom.
type Poller struct {
	boxes  BoxSource
	client *Client
	logger *slog.Logger

	mu        sync.Mutex
	lastTasks map[string]BoxTasks
}

func NewPoller(boxes BoxSource, client *Client, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Poller{
		boxes:     boxes,
		client:    client,
		logger:    logger,
		lastTasks: make(map[string]BoxTasks),
	}
}

// Tasks busca tarefas (e mídias, se withMedia) de cada box ativa em paralelo.
func (p *Poller) Tasks(ctx context.Context, withMedia bool) ([]BoxTasks, error) {
	boxes, err := p.boxes.Boxes(ctx)
	if err != nil {
		return nil, err
	}
	boxes = activeBoxes(boxes)
	if len(boxes) == 0 {
		return nil, nil
	}

	results := make([]BoxTasks, len(boxes))
	failed := make([]error, len(boxes))

	var g errgroup.Group
	g.SetLimit(8)
	for i, box := range boxes {
		g.Go(func() error {
			bt, err := p.fetchBox(ctx, box, withMedia)
			if err != nil {
				failed[i] = err
				return nil
			}
			results[i] = bt
			return nil
		})
	}
	_ = g.Wait()

	out := make([]BoxTasks, 0, len(boxes))
	nFailed := 0
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, box := range boxes {
		key := cacheKey(box.ID, withMedia)
		if failed[i] == nil {
			p.lastTasks[key] = results[i]
			out = append(out, results[i])
			continue
		}
		nFailed++
		p.logger.Warn("poll da box falhou", "box", box.ID, "err", failed[i])
		if last, ok := p.lastTasks[key]; ok {
			last.Box = box
			last.Stale = true
			out = append(out, last)
		}
	}
	if nFailed == len(boxes) {
		return nil, fmt.Errorf("%w: %w", ErrAllBoxesFailed, errors.Join(failed...))
	}
	return out, nil
}

func (p *Poller) fetchBox(ctx context.Context, box Box, withMedia bool) (BoxTasks, error) {
	tasks, err := p.client.Tasks(ctx, box.APIURL)
	if err != nil {
		return BoxTasks{}, err
	}
	bt := BoxTasks{Box: box, Tasks: tasks}
	if !withMedia {
		return bt, nil
	}
	media, err := p.client.Media(ctx, box.APIURL)
	if err != nil {
		return BoxTasks{}, err
	}
	bt.Media = make(map[string]Media, len(media))
	for _, m := range media {
		bt.Media[m.Name] = m
	}
	return bt, nil
}

// Cameras devolve as câmeras saudáveis (AlgTaskStatus.type == 4) com URL de mídia resolvida.
func (p *Poller) Cameras(ctx context.Context) (map[string]core.CameraHandle, error) {
	all, err := p.Tasks(ctx, true)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.CameraHandle)
	for _, bt := range all {
		for _, t := range bt.Tasks {
			session := strings.TrimSpace(t.Session)
			if session == "" || t.Status.Type != TaskHealthy {
				continue
			}
			media, ok := bt.Media[strings.TrimSpace(t.MediaName)]
			if !ok || media.URL == "" {
				continue
			}
			name := media.Desc
			if name == "" {
				name = media.Name
			}
			if name == "" {
				name = session
			}
			id := CameraID(bt.Box.ID, session)
			out[id] = core.CameraHandle{
				ID:          id,
				DisplayName: name,
				StreamURL:   media.URL,
				DeviceID:    bt.Box.ID,
				TaskSession: session,
				MediaName:   media.Name,
			}
		}
	}
	return out, nil
}

// Devices devolve as boxes ativas com endpoint de alarmes.
func (p *Poller) Devices(ctx context.Context) (map[string]core.Device, error) {
	boxes, err := p.boxes.Boxes(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]core.Device)
	for _, b := range activeBoxes(boxes) {
		if strings.TrimSpace(b.WSURL) == "" {
			continue
		}
		out[b.ID] = core.Device{ID: b.ID, Name: b.Name, EndpointURL: b.WSURL, Active: true}
	}
	return out, nil
}

func cacheKey(boxID string, withMedia bool) string {
	if withMedia {
		return boxID + "|media"
	}
	return boxID
}

func CameraID(boxID, session string) string {
	return boxID + "_" + session
}
