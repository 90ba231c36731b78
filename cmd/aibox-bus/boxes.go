package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sua-org/aibox-bus/internal/bmapp"
	"github.com/sua-org/aibox-bus/internal/core"
)

var probeBoxes bool

var boxesCmd = &cobra.Command{
	Use:   "boxes",
	Short: "Lista as AI boxes do registro (e, com --probe, as câmeras que seriam gravadas)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		reg := bmapp.FileRegistry{Path: cfg.RegistryPath}
		boxes, err := reg.Boxes(cmd.Context())
		if err != nil {
			return err
		}

		var cameras map[string]core.CameraHandle
		if probeBoxes {
			poller := bmapp.NewPoller(reg, bmapp.NewClient(cfg.HTTPTimeout), logger)
			cameras, err = poller.Cameras(cmd.Context())
			if err != nil {
				return fmt.Errorf("consultar boxes: %w", err)
			}
		}

		if jsonOutput {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"boxes": boxes, "cameras": cameras})
		}

		if len(boxes) == 0 {
			fmt.Println("Nenhuma box cadastrada.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
		fmt.Fprintln(w, "ID\tNOME\tATIVA\tAPI\tWEBSOCKET")
		for _, b := range boxes {
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", b.ID, b.Name, b.Active, b.APIURL, b.WSURL)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if probeBoxes {
			fmt.Println()
			w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "CAMERA\tNOME\tBOX\tURL")
			for _, id := range sortedKeys(cameras) {
				c := cameras[id]
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.DisplayName, c.DeviceID, c.StreamURL)
			}
			return w.Flush()
		}
		return nil
	},
}

func init() {
	boxesCmd.Flags().BoolVar(&probeBoxes, "probe", false, "consulta as tarefas de cada box ativa")
}
