package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sua-org/aibox-bus/internal/catalog"
	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
	"github.com/sua-org/aibox-bus/internal/recorder"
	"github.com/sua-org/aibox-bus/internal/storage"
)

var (
	chunkCamera string
	chunkLimit  int
	sweepMinAge time.Duration
)

var chunksCmd = &cobra.Command{
	Use:   "chunks",
	Short: "Manutenção do catálogo de chunks gravados",
}

var chunksPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Lista chunks que não chegaram a available (pending ou failed)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Open(catalog.Config{Path: cfg.CatalogPath, Logger: logger})
		if err != nil {
			return err
		}
		defer cat.Close()

		var recs []core.ChunkRecord
		for _, state := range []core.ChunkState{core.ChunkPending, core.ChunkFailed} {
			list, err := cat.Chunks(cmd.Context(), catalog.ChunkFilter{State: state, CameraID: chunkCamera, Limit: chunkLimit})
			if err != nil {
				return err
			}
			recs = append(recs, list...)
		}
		sort.Slice(recs, func(i, j int) bool { return recs[i].Start.Before(recs[j].Start) })

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		if len(recs) == 0 {
			fmt.Println("Nenhum chunk pendente.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tCAMERA\tINICIO\tESTADO\tOBJETO")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s/%s\n",
				r.ID, r.CameraID, r.Start.Local().Format(time.DateTime), r.State, r.Bucket, r.ObjectPath)
		}
		return w.Flush()
	},
}

var chunksSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resolve chunks pending conferindo se o objeto existe no MinIO",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		cat, err := catalog.Open(catalog.Config{Path: cfg.CatalogPath, Logger: logger})
		if err != nil {
			return err
		}
		defer cat.Close()

		store, err := storage.NewMinioStoreFromEnv(cmd.Context(), logging.Component(logger, "storage"))
		if err != nil {
			return fmt.Errorf("MinIO: %w", err)
		}
		res, err := cat.Sweep(cmd.Context(), store, sweepMinAge)
		if jsonOutput {
			_ = json.NewEncoder(os.Stdout).Encode(res)
		} else {
			fmt.Printf("available=%d failed=%d erros=%d ignorados=%d\n", res.Available, res.Failed, res.Errors, res.Skipped)
		}
		return err
	},
}

func init() {
	chunksPendingCmd.Flags().StringVar(&chunkCamera, "camera", "", "filtra por camera id")
	chunksPendingCmd.Flags().IntVar(&chunkLimit, "limit", 200, "máximo por estado")
	chunksSweepCmd.Flags().DurationVar(&sweepMinAge, "min-age", recorder.DefaultUploadTimeout, "ignora intenções alteradas há menos que isso (upload em andamento)")
	chunksCmd.AddCommand(chunksPendingCmd, chunksSweepCmd)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
