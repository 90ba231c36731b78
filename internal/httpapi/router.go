// Package httpapi expõe via HTTP health, métricas, os websockets de status e alarmes e o
// estado do gravador.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sua-org/aibox-bus/internal/alarms"
	"github.com/sua-org/aibox-bus/internal/broadcast"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/recorder"
)

// Runtime é a parte do supervisor que a API lê.
type Runtime interface {
	StatusHub() *broadcast.Hub
	AlarmHub() *broadcast.Hub
	Recordings() []recorder.CameraState
	Connections() []alarms.ConnStatus
	Live() (recorders, connections int)
}

// AlarmLister lê os alarmes recentes do catálogo.
type AlarmLister interface {
	RecentAlarms(ctx context.Context, limit int) ([]core.AlarmEvent, error)
}

type Options struct {
	Runtime Runtime
	Alarms  AlarmLister
	Metrics http.Handler
	Logger  *slog.Logger
}

type handler struct {
	rt     Runtime
	alarms AlarmLister
	log    *slog.Logger
}

func NewRouter(opts Options) *chi.Mux {
	log := opts.Logger
	if log == nil {
		log = logging.Discard()
	}
	h := &handler{rt: opts.Runtime, alarms: opts.Alarms, log: log}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	r.Get("/healthz", h.health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}
	r.Get("/api/camera-status", h.cameraStatus)
	r.Get("/api/recorder", h.recorder)
	r.Get("/api/alarms", h.recentAlarms)
	r.Get("/api/alarms/connections", h.connections)
	r.Method(http.MethodGet, "/ws/camera-status", broadcast.ServeWS(opts.Runtime.StatusHub(), broadcast.WSOptions{
		SendSnapshot: true,
		Logger:       log,
	}))
	r.Method(http.MethodGet, "/ws/alarms", broadcast.ServeWS(opts.Runtime.AlarmHub(), broadcast.WSOptions{
		Logger: log,
	}))
	return r
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	recs, conns := h.rt.Live()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"recorders":   recs,
		"connections": conns,
	})
}

func (h *handler) cameraStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.StatusHub().Snapshot())
}

func (h *handler) recorder(w http.ResponseWriter, _ *http.Request) {
	cams := h.rt.Recordings()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":   len(cams),
		"cameras": cams,
	})
}

func (h *handler) connections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.rt.Connections())
}

func (h *handler) recentAlarms(w http.ResponseWriter, r *http.Request) {
	if h.alarms == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "catalog disabled"})
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}
	list, err := h.alarms.RecentAlarms(r.Context(), limit)
	if err != nil {
		h.log.Error("listar alarmes falhou", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if list == nil {
		list = []core.AlarmEvent{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger registra método, path, status e duração. Usa o wrapper do chi para
// manter o Hijacker dos websockets.
func requestLogger(log *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Int("duration_ms", int(time.Since(start).Milliseconds())),
				slog.Int("size", ww.BytesWritten()),
			)
		})
	}
}

// Serve atende em addr até ctx terminar e então faz shutdown gracioso.
func Serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	if log == nil {
		log = logging.Discard()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server iniciado", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("http server encerrado")
	return nil
}
