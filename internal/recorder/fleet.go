// Package recorder mantém um processo de gravação em chunks por câmera saudável e envia cada
// chunk fechado para o blob store.
package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/process"
)

// Uploader é o blob store (storage.MinioStore).
type Uploader interface {
	Upload(ctx context.Context, bucket, objectPath string, r io.Reader, size int64, contentType string) (string, error)
}

// ChunkStore persiste os metadados com intenção gravada antes do upload (catalog.Catalog).
type ChunkStore interface {
	BeginChunk(ctx context.Context, rec core.ChunkRecord) error
	CommitChunk(ctx context.Context, id string, size int64) error
	FailChunk(ctx context.Context, id string, reason string) error
}

// DefaultUploadTimeout é o limite de um upload de chunk quando Options.UploadTimeout é zero.
const DefaultUploadTimeout = 2 * time.Minute

type Options struct {
	ChunkDuration time.Duration
	SpawnBackoff  time.Duration
	UploadTimeout time.Duration
	TempDir       string
	Bucket        string
	Command       CommandFunc
	Logger        *slog.Logger
	Bus           *events.Bus
}

// Fleet implementa reconcile.Manager[core.CameraHandle].
type Fleet struct {
	opts    Options
	procs   *process.Supervisor
	store   Uploader
	catalog ChunkStore
	logger  *slog.Logger

	mu      sync.Mutex
	workers map[string]*worker
}

func NewFleet(opts Options, procs *process.Supervisor, store Uploader, catalog ChunkStore) *Fleet {
	if opts.ChunkDuration <= 0 {
		opts.ChunkDuration = 5 * time.Minute
	}
	if opts.SpawnBackoff <= 0 {
		opts.SpawnBackoff = time.Minute
	}
	if opts.UploadTimeout <= 0 {
		opts.UploadTimeout = DefaultUploadTimeout
	}
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Bucket == "" {
		opts.Bucket = "recordings"
	}
	if opts.Command == nil {
		opts.Command = FFmpegCommand("ffmpeg")
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Fleet{
		opts:    opts,
		procs:   procs,
		store:   store,
		catalog: catalog,
		logger:  opts.Logger,
		workers: make(map[string]*worker),
	}
}

// Start inicia o loop de gravação da câmera e retorna sem esperar.
func (f *Fleet) Start(ctx context.Context, id string, cam core.CameraHandle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.workers[id]; ok {
		f.logger.Warn("gravador já ativo", "camera_id", id)
		return
	}
	if cam.ID == "" {
		cam.ID = id
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &worker{
		cam:    cam,
		cancel: cancel,
		done:   make(chan struct{}),
		logger: f.logger.With("camera_id", id, "camera", cam.DisplayName),
	}
	f.workers[id] = w
	go f.run(wctx, w)
	w.logger.Info("gravador iniciado", "chunk", f.opts.ChunkDuration)
}

// Stop cancela o loop da câmera e espera o chunk em andamento ser finalizado.
func (f *Fleet) Stop(_ context.Context, id string) {
	f.mu.Lock()
	w, ok := f.workers[id]
	delete(f.workers, id)
	f.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("gravador parado", "chunks", w.state().Chunks)
}

// StopAll para todas as câmeras em paralelo.
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
	ids := make([]string, 0, len(f.workers))
	for id := range f.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len é o número de câmeras com loop ativo.
func (f *Fleet) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.workers)
}

// Snapshot devolve o estado de cada câmera, com cpu/mem do processo atual.
func (f *Fleet) Snapshot() []CameraState {
	f.mu.Lock()
	workers := make([]*worker, 0, len(f.workers))
	for _, w := range f.workers {
		workers = append(workers, w)
	}
	f.mu.Unlock()

	out := make([]CameraState, 0, len(workers))
	for _, w := range workers {
		out = append(out, w.state())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f *Fleet) run(ctx context.Context, w *worker) {
	defer close(w.done)
	for ctx.Err() == nil {
		err := f.recordChunk(ctx, w)
		if err == nil {
			continue
		}
		if !errors.Is(err, process.ErrSpawn) && !errors.Is(err, errNoOutput) && !errors.Is(err, errExitedEarly) {
			w.logger.Error("erro inesperado no gravador", "err", err)
		} else {
			w.logger.Warn("falha ao gravar, aguardando para tentar de novo", "err", err, "backoff", f.opts.SpawnBackoff)
		}
		w.recordFailure(err)
		events.Publish(f.opts.Bus, events.SpawnFailed{CameraID: w.cam.ID, Err: err.Error(), Backoff: f.opts.SpawnBackoff})
		if !sleepCtx(ctx, f.opts.SpawnBackoff) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
