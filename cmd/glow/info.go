package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newInfoCmd() *cobra.Command {
	var width, height int64

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show the configured architecture and latent shapes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			h := cfg.Model.Hyperparameters()
			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "levels:            %d\n", h.Levels)
			fmt.Fprintf(out, "depth per level:   %d\n", h.DepthPerLevel)
			fmt.Fprintf(out, "squeeze factor:    %d\n", h.SqueezeFactor)
			fmt.Fprintf(out, "hidden channels:   %d\n", h.HiddenChannels)
			fmt.Fprintf(out, "lu decomposition:  %v\n", h.LUDecomposition)
			fmt.Fprintf(out, "spatial divisor:   %d\n", h.SpatialDivisor())

			if width%h.SpatialDivisor() != 0 || height%h.SpatialDivisor() != 0 {
				return fmt.Errorf("dims %dx%d must be divisible by %d", width, height, h.SpatialDivisor())
			}

			fmt.Fprintf(out, "\nfor a %dx%d input:\n", width, height)
			for level := 0; level < h.Levels; level++ {
				fmt.Fprintf(out, "  level %d: %4d step channels, latent %v\n",
					level, h.LevelChannels(level), h.LatentShape(level, 1, height, width))
			}

			return nil
		},
	}

	cmd.Flags().Int64Var(&width, "width", 64, "Input width")
	cmd.Flags().Int64Var(&height, "height", 64, "Input height")

	return cmd
}
