package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand(build builder) *cobra.Command {
	var apiURLFlag string
	var thresholdFlag float64

	ctx := newCommandContext(&apiURLFlag, &thresholdFlag, build)

	rootCmd := &cobra.Command{
		Use:           "leafctl",
		Short:         "Rice leaf nutrient deficiency advisor CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			ctx.close()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&apiURLFlag, "api-url", "", "Leaf classification service URL (overrides LEAF_API_URL)")
	rootCmd.PersistentFlags().Float64Var(&thresholdFlag, "threshold", -1, "Confidence threshold as a fraction or percentage (overrides DEFAULT_THRESHOLD)")

	rootCmd.AddCommand(newModelsCommand(ctx))
	rootCmd.AddCommand(newPredictCommand(ctx))
	rootCmd.AddCommand(newBatchCommand(ctx))
	rootCmd.AddCommand(newHistoryCommand(ctx))
	rootCmd.AddCommand(newExportCommand(ctx))

	return rootCmd
}
