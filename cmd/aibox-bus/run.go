package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sua-org/aibox-bus/internal/bmapp"
	"github.com/sua-org/aibox-bus/internal/broadcast"
	"github.com/sua-org/aibox-bus/internal/catalog"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/httpapi"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/metrics"
	"github.com/sua-org/aibox-bus/internal/mqttclient"
	"github.com/sua-org/aibox-bus/internal/storage"
	"github.com/sua-org/aibox-bus/internal/supervisor"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Inicia gravador, conexões de alarme, status e a API HTTP",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		log := logging.Component(logger, "main")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cat, err := catalog.Open(catalog.Config{Path: cfg.CatalogPath, Logger: logging.Component(logger, "catalog")})
		if err != nil {
			return fmt.Errorf("abrir catálogo: %w", err)
		}
		defer cat.Close()

		// MinIO e MQTT são opcionais: sem eles o serviço continua, só não envia.
		var blobs supervisor.BlobStore
		store, err := storage.NewMinioStoreFromEnv(ctx, logging.Component(logger, "storage"), cfg.Recorder.Bucket, cfg.Alarms.ImageBucket)
		if err != nil {
			log.Warn("MinIO não inicializado, chunks e imagens serão descartados", "err", err)
		} else {
			blobs = store
		}

		var pub broadcast.Publisher
		mqttCli, err := mqttclient.NewClientFromEnv("aibox-bus", logging.Component(logger, "mqtt"))
		if err != nil {
			log.Warn("MQTT não conectado, seguindo sem publicar", "err", err)
		} else {
			pub = mqttCli
			defer mqttCli.Close()
		}

		bus := events.New()
		m := metrics.New(bus)
		defer m.Close()

		sup, err := supervisor.New(supervisor.Deps{
			Config:  cfg,
			Boxes:   bmapp.FileRegistry{Path: cfg.RegistryPath},
			Store:   blobs,
			Catalog: cat,
			MQTT:    pub,
			Bus:     bus,
			Logger:  logger,
		})
		if err != nil {
			return err
		}

		router := httpapi.NewRouter(httpapi.Options{
			Runtime: sup,
			Alarms:  cat,
			Metrics: m.Handler(),
			Logger:  logging.Component(logger, "http"),
		})

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return sup.Run(gctx) })
		g.Go(func() error { return httpapi.Serve(gctx, cfg.HTTPAddr, router, logging.Component(logger, "http")) })

		err = g.Wait()
		if err != nil && ctx.Err() == nil {
			return err
		}
		log.Info("encerrado", "err", err)
		return err
	},
}

func init() {
	runCmd.Flags().StringVar(&httpAddr, "http-addr", "", "endereço da API HTTP (sobrescreve HTTP_ADDR)")
}
