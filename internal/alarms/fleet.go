package alarms

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
)

type connTask struct {
	conn   *Conn
	cancel context.CancelFunc
	done   chan struct{}
}

// Fleet implementa reconcile.Manager[core.Device]: uma Conn por box ativa.
type Fleet struct {
	opts    ConnOptions
	handler MessageHandler
	logger  *slog.Logger

	mu    sync.Mutex
	tasks map[string]*connTask
}

func NewFleet(opts ConnOptions, handler MessageHandler) *Fleet {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Fleet{
		opts:    opts,
		handler: handler,
		logger:  opts.Logger,
		tasks:   make(map[string]*connTask),
	}
}

func (f *Fleet) Start(ctx context.Context, id string, device core.Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[id]; ok {
		return
	}
	if device.ID == "" {
		device.ID = id
	}
	cctx, cancel := context.WithCancel(ctx)
	t := &connTask{conn: NewConn(device, f.opts, f.handler), cancel: cancel, done: make(chan struct{})}
	f.tasks[id] = t
	go func() {
		defer close(t.done)
		t.conn.Run(cctx)
	}()
	f.logger.Info("conexão de alarmes iniciada", "device_id", id, "url", device.EndpointURL)
}

// Stop fecha a conexão e espera a task terminar.
func (f *Fleet) Stop(_ context.Context, id string) {
	f.mu.Lock()
	t, ok := f.tasks[id]
	delete(f.tasks, id)
	f.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
	f.logger.Info("conexão de alarmes encerrada", "device_id", id)
}

func (f *Fleet) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range f.IDs() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Stop(ctx, id)
		}()
	}
	wg.Wait()
}

func (f *Fleet) IDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.tasks))
	for id := range f.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tasks)
}

// Statuses devolve o estado de cada conexão ordenado por device.
func (f *Fleet) Statuses() []ConnStatus {
	f.mu.Lock()
	conns := make([]*Conn, 0, len(f.tasks))
	for _, t := range f.tasks {
		conns = append(conns, t.conn)
	}
	f.mu.Unlock()
	out := make([]ConnStatus, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}
