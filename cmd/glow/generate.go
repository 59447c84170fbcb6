package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/example/go-glow/internal/checkpoint"
	"github.com/example/go-glow/internal/flow"
	"github.com/example/go-glow/internal/runtime/tensor"
)

func newGenerateCmd() *cobra.Command {
	var latentsPath string
	var out string
	var width, height int64
	var temperature float64
	var seed uint64

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate a PNG from latents or from noise",
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

			if !model.RestoreSnapshot(cfg.Paths.SnapshotDir) {
				slog.Warn("generating with an untrained model", "dir", cfg.Paths.SnapshotDir)
			}

			generator, err := flow.Reverse(model)
			if err != nil {
				return err
			}

			var latents []*tensor.Tensor
			if latentsPath != "" {
				latents, err = loadLatents(latentsPath, h.Levels)
			} else {
				latents, err = sampleLatents(h, height, width, temperature, seed)
			}
			if err != nil {
				return err
			}

			img, err := generator.Generate(latents)
			if err != nil {
				return err
			}

			if err := saveImageTensor(out, img); err != nil {
				return err
			}

			slog.Info("generated image", "out", out, "shape", img.Shape())

			return nil
		},
	}

	cmd.Flags().StringVar(&latentsPath, "latents", "", "Latents file from encode (if empty, sample from noise)")
	cmd.Flags().StringVar(&out, "out", "out.png", "Output PNG path")
	cmd.Flags().Int64Var(&width, "width", 64, "Sampled image width (noise mode)")
	cmd.Flags().Int64Var(&height, "height", 64, "Sampled image height (noise mode)")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "Standard deviation of sampled latents")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Sampling seed (0 picks a random one)")

	return cmd
}

func loadLatents(path string, levels int) ([]*tensor.Tensor, error) {
	store, err := checkpoint.Open(path)
	if err != nil {
		return nil, err
	}

	latents := make([]*tensor.Tensor, levels)

	for level := 0; level < levels; level++ {
		name := fmt.Sprintf("latent.%d", level)

		shape, err := store.ShapeOf(name)
		if err != nil {
			return nil, err
		}

		data, err := store.Floats(name, shape)
		if err != nil {
			return nil, err
		}

		latents[level], err = tensor.New(data, shape)
		if err != nil {
			return nil, err
		}
	}

	return latents, nil
}

func sampleLatents(h flow.Hyperparameters, height, width int64, temperature float64, seed uint64) ([]*tensor.Tensor, error) {
	divisor := h.SpatialDivisor()
	if height%divisor != 0 || width%divisor != 0 {
		return nil, fmt.Errorf("sample dims %dx%d must be divisible by %d", width, height, divisor)
	}

	var src rand.Source
	if seed != 0 {
		src = rand.NewSource(seed)
	}

	normal := distuv.Normal{Mu: 0, Sigma: temperature, Src: src}
	latents := make([]*tensor.Tensor, h.Levels)

	for level := 0; level < h.Levels; level++ {
		shape := h.LatentShape(level, 1, height, width)

		var n int64 = 1
		for _, d := range shape {
			n *= d
		}

		data := make([]float32, n)
		for i := range data {
			data[i] = float32(normal.Rand())
		}

		var err error

		latents[level], err = tensor.New(data, shape)
		if err != nil {
			return nil, err
		}
	}

	return latents, nil
}
