package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-glow/internal/checkpoint"
	"github.com/example/go-glow/internal/flow"
)

func newEncodeCmd() *cobra.Command {
	var imagePath string
	var out string
	var reduceMemory bool

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a PNG into per-level latents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			h := cfg.Model.Hyperparameters()

			model, err := flow.NewInferenceModel(h)
			if err != nil {
				return err
			}

			x, err := loadImageTensor(imagePath, h.SpatialDivisor())
			if err != nil {
				return err
			}

			if !model.RestoreSnapshot(cfg.Paths.SnapshotDir) {
				if err := model.InitializeActnorm(x); err != nil {
					return err
				}

				if err := os.MkdirAll(cfg.Paths.SnapshotDir, 0o755); err != nil {
					return fmt.Errorf("create snapshot dir: %w", err)
				}

				if err := model.SaveSnapshot(cfg.Paths.SnapshotDir); err != nil {
					return err
				}

				slog.Info("initialized actnorm from input and saved snapshot", "dir", cfg.Paths.SnapshotDir)
			}

			result, err := model.ForwardWithOptions(x, flow.ForwardOptions{ReduceMemory: reduceMemory})
			if err != nil {
				return err
			}

			entries := make([]checkpoint.Entry, len(result.Latents))
			for level, latent := range result.Latents {
				entries[level] = checkpoint.Entry{
					Name:  fmt.Sprintf("latent.%d", level),
					Shape: latent.Shape(),
					Data:  latent.Data(),
				}
			}

			dir, file := filepath.Split(out)
			if dir == "" {
				dir = "."
			}

			if err := checkpoint.WriteAtomic(dir, file, entries); err != nil {
				return err
			}

			slog.Info("encoded image",
				"image", imagePath,
				"latents", out,
				"levels", len(result.Latents),
				"logdet", result.LogDet[0])

			return nil
		},
	}

	cmd.Flags().StringVar(&imagePath, "image", "", "Input PNG path")
	cmd.Flags().StringVar(&out, "out", "latents.bin", "Output latents path")
	cmd.Flags().BoolVar(&reduceMemory, "reduce-memory", false, "Skip the per-step activation trace")
	_ = cmd.MarkFlagRequired("image")

	return cmd
}
