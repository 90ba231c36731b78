// Package supervisor liga a frota de gravação, a frota de conexões de alarme e o agregador
// de status e os mantém rodando até o shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/aibox-bus/internal/alarms"
	"github.com/sua-org/aibox-bus/internal/bmapp"
	"github.com/sua-org/aibox-bus/internal/broadcast"
	"github.com/sua-org/aibox-bus/internal/config"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/mediamtx"
	"github.com/sua-org/aibox-bus/internal/process"
	"github.com/sua-org/aibox-bus/internal/reconcile"
	"github.com/sua-org/aibox-bus/internal/recorder"
	"github.com/sua-org/aibox-bus/internal/status"
)

// ErrLeak: depois do shutdown ainda havia recurso vivo.
var ErrLeak = errors.New("supervisor: resources still alive after shutdown")

// BlobStore é o que o gravador e os alarmes usam do object storage.
type BlobStore interface {
	recorder.Uploader
	alarms.ImageStore
}

// Catalog é o que o gravador e os alarmes usam do catálogo SQLite.
type Catalog interface {
	recorder.ChunkStore
	alarms.AlarmStore
}

type Deps struct {
	Config  config.Config
	Boxes   bmapp.BoxSource
	Store   BlobStore
	Catalog Catalog
	// MQTT opcional; sem ele não há sink de status, publish de alarmes nem heartbeat.
	MQTT   broadcast.Publisher
	Bus    *events.Bus
	Logger *slog.Logger
	// Command substitui o ffmpeg (testes).
	Command recorder.CommandFunc
}

type Supervisor struct {
	cfg    config.Config
	mqtt   broadcast.Publisher
	logger *slog.Logger

	poller     *bmapp.Poller
	procs      *process.Supervisor
	recorder   *recorder.Fleet
	recLoop    *reconcile.Loop[core.CameraHandle]
	alarmFleet *alarms.Fleet
	alarmLoop  *reconcile.Loop[core.Device]
	aggregator *status.Aggregator
	statusHub  *broadcast.Hub
	alarmHub   *broadcast.Hub
	sink       *broadcast.MQTTSink

	hostname string
	proc     *gopsprocess.Process
}

func New(d Deps) (*Supervisor, error) {
	if d.Boxes == nil {
		return nil, fmt.Errorf("supervisor: registro de boxes não configurado")
	}
	logger := d.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	cfg := d.Config

	s := &Supervisor{
		cfg:    cfg,
		mqtt:   d.MQTT,
		logger: logging.Component(logger, "supervisor"),
	}
	s.hostname, _ = os.Hostname()
	if p, err := gopsprocess.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}

	s.poller = bmapp.NewPoller(d.Boxes, bmapp.NewClient(cfg.HTTPTimeout), logging.Component(logger, "bmapp"))
	s.statusHub = broadcast.New(broadcast.Options{Name: "status", Logger: logger})
	s.alarmHub = broadcast.New(broadcast.Options{Name: "alarms", Logger: logger})

	s.procs = process.NewSupervisor(process.Options{
		TerminateTimeout: cfg.Recorder.TerminateTimeout,
		KillTimeout:      cfg.Recorder.KillTimeout,
		Logger:           logging.Component(logger, "process"),
	})
	command := d.Command
	if command == nil {
		command = recorder.FFmpegCommand(cfg.Recorder.FFmpeg)
	}
	var uploader recorder.Uploader
	var images alarms.ImageStore
	if d.Store != nil {
		uploader, images = d.Store, d.Store
	}
	var chunks recorder.ChunkStore
	var alarmStore alarms.AlarmStore
	if d.Catalog != nil {
		chunks, alarmStore = d.Catalog, d.Catalog
	}
	s.recorder = recorder.NewFleet(recorder.Options{
		ChunkDuration: cfg.Recorder.ChunkDuration,
		SpawnBackoff:  cfg.Recorder.SpawnBackoff,
		TempDir:       cfg.Recorder.TempDir,
		Bucket:        cfg.Recorder.Bucket,
		Command:       command,
		Logger:        logging.Component(logger, "recorder"),
		Bus:           d.Bus,
	}, s.procs, uploader, chunks)
	s.recLoop = reconcile.New[core.CameraHandle](reconcile.Options{
		Name:     events.FleetRecorder,
		Interval: cfg.Recorder.HealthCheck,
		Logger:   logging.Component(logger, "reconcile-recorder"),
		Bus:      d.Bus,
	}, s.poller.Cameras, s.recorder)

	alarmSink := alarms.NewSink(alarms.SinkOptions{
		Hub:         s.alarmHub,
		Catalog:     alarmStore,
		Images:      images,
		ImageBucket: cfg.Alarms.ImageBucket,
		MQTT:        d.MQTT,
		BaseTopic:   cfg.MQTTBaseTopic,
		Logger:      logging.Component(logger, "alarms"),
		Bus:         d.Bus,
	})
	s.alarmFleet = alarms.NewFleet(alarms.ConnOptions{
		BackoffInitial: cfg.Alarms.BackoffInitial,
		BackoffMax:     cfg.Alarms.BackoffMax,
		ReadTimeout:    cfg.Alarms.ReadTimeout,
		Logger:         logging.Component(logger, "alarms"),
		Bus:            d.Bus,
	}, alarmSink.Handle)
	s.alarmLoop = reconcile.New[core.Device](reconcile.Options{
		Name:     events.FleetAlarms,
		Interval: cfg.Alarms.Refresh,
		Logger:   logging.Component(logger, "reconcile-alarms"),
		Bus:      d.Bus,
	}, s.poller.Devices, s.alarmFleet)

	var sources []status.Source
	if cfg.Status.MediaMTXURL != "" {
		mtx := mediamtx.NewClient(cfg.Status.MediaMTXURL, cfg.Status.APIUser, cfg.Status.APIPass, cfg.HTTPTimeout)
		sources = append(sources, status.MediaMTXSource{Client: mtx})
	}
	sources = append(sources, status.BMAppSource{Poller: s.poller})
	s.aggregator = status.NewAggregator(status.Options{
		Interval: cfg.Status.Interval,
		Logger:   logging.Component(logger, "status"),
		Bus:      d.Bus,
	}, s.statusHub, sources...)

	if d.MQTT != nil {
		s.sink = broadcast.NewMQTTSink(d.MQTT, cfg.MQTTBaseTopic, logging.Component(logger, "mqtt-sink"))
	}
	return s, nil
}

// Run bloqueia até ctx terminar. Só retorna depois que gravadores e conexões foram
// todos encerrados.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Info("supervisor iniciado",
		"recorder", s.cfg.Recorder.Enabled,
		"alarms", s.cfg.Alarms.Enabled,
		"mqtt", s.mqtt != nil,
		"hostname", s.hostname,
	)

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Recorder.Enabled {
		g.Go(func() error { return s.recLoop.Run(gctx) })
	}
	if s.cfg.Alarms.Enabled {
		g.Go(func() error { return s.alarmLoop.Run(gctx) })
	}
	g.Go(func() error { return s.aggregator.Run(gctx) })
	if s.sink != nil {
		g.Go(func() error { return s.sink.Run(gctx, s.statusHub) })
	}
	if s.mqtt != nil && s.cfg.Heartbeat > 0 {
		g.Go(func() error {
			s.runHeartbeat(gctx)
			return nil
		})
	}

	err := g.Wait()

	// os loops já chamaram StopAll; isso cobre um loop que saiu com erro
	shutdownCtx := context.WithoutCancel(ctx)
	s.recLoop.StopAll(shutdownCtx)
	s.alarmLoop.StopAll(shutdownCtx)
	s.statusHub.Close()
	s.alarmHub.Close()

	if s.mqtt != nil {
		s.publishHeartbeat("offline", time.Now())
	}

	if n, c, p := s.recorder.Len(), s.alarmFleet.Len(), s.procs.Running(); n+c+p > 0 {
		leak := fmt.Errorf("%w: recorders=%d connections=%d processes=%d", ErrLeak, n, c, p)
		s.logger.Error("shutdown incompleto", "err", leak)
		return errors.Join(err, leak)
	}
	s.logger.Info("supervisor encerrado, nenhum recurso vivo")
	return err
}

func (s *Supervisor) StatusHub() *broadcast.Hub { return s.statusHub }

func (s *Supervisor) AlarmHub() *broadcast.Hub { return s.alarmHub }

// Recordings devolve o estado de cada câmera gravando.
func (s *Supervisor) Recordings() []recorder.CameraState { return s.recorder.Snapshot() }

func (s *Supervisor) Connections() []alarms.ConnStatus { return s.alarmFleet.Statuses() }

// Live devolve quantos gravadores e conexões estão ativos.
func (s *Supervisor) Live() (recorders, connections int) {
	return s.recorder.Len(), s.alarmFleet.Len()
}
