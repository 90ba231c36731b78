package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/process"
	"github.com/sua-org/aibox-bus/internal/storage"
)

var (
	// errNoOutput: o chunk terminou sem nenhum byte gravado (URL inacessível, codec...).
	errNoOutput = errors.New("recorder: process exited without output")
	// errExitedEarly: o processo saiu antes do fim do chunk; o parcial é enviado e a câmera espera o backoff.
	errExitedEarly = errors.New("recorder: process exited before end of chunk")
)

// earlyExitSlack: saída sozinha depois de 90% do chunk é o -t do ffmpeg, não queda.
const earlyExitSlack = 10

// Session é o chunk em andamento de uma câmera.
type Session struct {
	CameraID  string
	StartedAt time.Time
	TempPath  string
	Planned   time.Duration
	child     *process.Child
}

type worker struct {
	cam    core.CameraHandle
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger

	mu            sync.Mutex
	session       *Session
	chunks        int
	spawnFailures int
	lastErr       string
}

// CameraState é a visão de introspecção de uma câmera gravando.
type CameraState struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	StreamURL      string         `json:"stream_url"`
	Chunks         int            `json:"chunks"`
	SpawnFailures  int            `json:"spawn_failures"`
	LastError      string         `json:"last_error,omitempty"`
	ChunkStartedAt *time.Time     `json:"chunk_started_at,omitempty"`
	TempPath       string         `json:"temp_path,omitempty"`
	Process        *process.Stats `json:"process,omitempty"`
}

func (w *worker) setSession(s *Session) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.session = s
}

func (w *worker) recordFailure(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.spawnFailures++
	w.lastErr = err.Error()
}

func (w *worker) state() CameraState {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := CameraState{
		ID:            w.cam.ID,
		Name:          w.cam.DisplayName,
		StreamURL:     w.cam.StreamURL,
		Chunks:        w.chunks,
		SpawnFailures: w.spawnFailures,
		LastError:     w.lastErr,
	}
	if s := w.session; s != nil {
		started := s.StartedAt
		st.ChunkStartedAt = &started
		st.TempPath = s.TempPath
		if stats, err := s.child.Stats(); err == nil {
			st.Process = &stats
		}
	}
	return st
}

// recordChunk grava um chunk: inicia o processo, espera a duração do chunk (ou a saída do
// processo, ou o cancelamento), encerra com reap garantido e finaliza o arquivo.
func (f *Fleet) recordChunk(ctx context.Context, w *worker) error {
	start := time.Now()
	tempPath := filepath.Join(f.opts.TempDir, FileName(w.cam.DisplayName, start))
	spec := f.opts.Command(w.cam, tempPath, f.opts.ChunkDuration)

	var child *process.Child
	exitedAlone := false
	err := f.procs.Scope(ctx, spec, func(ctx context.Context, c *process.Child) error {
		child = c
		w.setSession(&Session{
			CameraID:  w.cam.ID,
			StartedAt: start,
			TempPath:  tempPath,
			Planned:   f.opts.ChunkDuration,
			child:     c,
		})
		w.logger.Debug("chunk iniciado", "path", tempPath, "pid", c.PID())

		timer := time.NewTimer(f.opts.ChunkDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.Done():
			exitedAlone = true
		case <-ctx.Done():
			w.logger.Info("câmera removida, finalizando chunk em andamento")
		}
		return nil
	})
	w.setSession(nil)
	end := time.Now()

	if child == nil {
		// nem chegou a iniciar
		return err
	}
	if err != nil {
		w.logger.Error("processo não encerrou", "err", err)
	}
	if err := f.finalize(ctx, w, tempPath, start, end, child); err != nil {
		return err
	}
	if exitedAlone && ctx.Err() == nil {
		minRun := f.opts.ChunkDuration - f.opts.ChunkDuration/earlyExitSlack
		if exitErr := child.ExitErr(); exitErr != nil || end.Sub(start) < minRun {
			return fmt.Errorf("%w: after %s: exit=%v: %s", errExitedEarly,
				end.Sub(start).Round(time.Millisecond), exitErr, lastLine(child.Stderr()))
		}
	}
	return nil
}

// finalize envia o arquivo (se tiver conteúdo) e sempre remove o temporário.
func (f *Fleet) finalize(ctx context.Context, w *worker, tempPath string, start, end time.Time, child *process.Child) error {
	defer func() {
		if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			w.logger.Warn("falha ao remover temporário", "path", tempPath, "err", err)
		}
	}()

	info, err := os.Stat(tempPath)
	if err != nil || info.Size() == 0 {
		if ctx.Err() != nil {
			w.logger.Debug("chunk vazio descartado", "path", tempPath)
			return nil
		}
		return fmt.Errorf("%w: exit=%v: %s", errNoOutput, child.ExitErr(), lastLine(child.Stderr()))
	}

	duration := end.Sub(start)
	if duration > f.opts.ChunkDuration {
		duration = f.opts.ChunkDuration
	}
	fileName := filepath.Base(tempPath)
	rec := core.ChunkRecord{
		ID:         uuid.NewString(),
		CameraID:   w.cam.ID,
		CameraName: w.cam.DisplayName,
		FileName:   fileName,
		Bucket:     f.opts.Bucket,
		ObjectPath: storage.ObjectPath(start.UTC(), fileName),
		Start:      start,
		End:        end,
		Duration:   duration,
		Size:       info.Size(),
		Trigger:    "auto",
		State:      core.ChunkPending,
	}

	// o chunk em andamento é enviado mesmo quando a câmera foi removida
	upCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.UploadTimeout)
	defer cancel()

	uploadErr := f.upload(upCtx, rec, tempPath)

	w.mu.Lock()
	w.chunks++
	w.mu.Unlock()

	ev := events.ChunkFinalized{CameraID: w.cam.ID, Size: rec.Size, Duration: duration, Uploaded: uploadErr == nil}
	if uploadErr != nil {
		ev.Err = uploadErr.Error()
		w.logger.Error("upload do chunk falhou, arquivo descartado", "file", fileName, "size", rec.Size, "err", uploadErr)
	} else {
		w.logger.Info("chunk enviado", "object", rec.Bucket+"/"+rec.ObjectPath, "size", rec.Size, "duration", duration.Round(time.Second))
	}
	events.Publish(f.opts.Bus, ev)
	return nil
}

func (f *Fleet) upload(ctx context.Context, rec core.ChunkRecord, tempPath string) error {
	if f.catalog != nil {
		if err := f.catalog.BeginChunk(ctx, rec); err != nil {
			return fmt.Errorf("gravar intenção: %w", err)
		}
	}

	err := f.putFile(ctx, rec, tempPath)
	if f.catalog == nil {
		return err
	}
	if err != nil {
		if ferr := f.catalog.FailChunk(ctx, rec.ID, err.Error()); ferr != nil {
			f.logger.Warn("falha ao marcar chunk como perdido", "chunk", rec.ID, "err", ferr)
		}
		return err
	}
	if err := f.catalog.CommitChunk(ctx, rec.ID, rec.Size); err != nil {
		// o objeto existe; o sweep resolve a intenção pendente
		return fmt.Errorf("confirmar chunk %s: %w", rec.ID, err)
	}
	return nil
}

func (f *Fleet) putFile(ctx context.Context, rec core.ChunkRecord, tempPath string) error {
	if f.store == nil {
		return errors.New("blob store não configurado")
	}
	file, err := os.Open(tempPath)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = f.store.Upload(ctx, rec.Bucket, rec.ObjectPath, file, rec.Size, "video/mp4")
	return err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
