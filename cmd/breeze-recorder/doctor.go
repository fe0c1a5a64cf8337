package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/recorder/internal/health"
)

var doctorOutputDir string

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that this host can record",
	Long:  `Check for ffmpeg, a reachable X display and free disk space. Exits 1 when any check fails.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m := health.Preflight(health.PreflightOptions{
			FFmpegPath:   cfg.FFmpegPath,
			Display:      cfg.Display,
			OutputDir:    doctorOutputDir,
			MinFreeBytes: cfg.MinFreeDiskBytes(),
		})

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, c := range m.All() {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Name, c.Status, c.Message)
		}
		_ = tw.Flush()

		overall := m.Overall()
		fmt.Printf("overall: %s\n", overall)
		if overall != health.Healthy {
			return errors.New("preflight checks failed")
		}
		return nil
	},
}

func init() {
	doctorCmd.Flags().StringVar(&doctorOutputDir, "output-dir", ".", "directory recordings will be written to")
}
