package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/usecase"
)

func newPredictCommand(ctx *commandContext) *cobra.Command {
	var model string
	var out string

	cmd := &cobra.Command{
		Use:   "predict <image>",
		Short: "Classify a single leaf image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := submitFile(cmd, svc.Single, model, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderResults(svc.Models.Catalog(), outcome))
			for _, r := range outcome.Results {
				if r.Actionable() && r.Advice != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Advice: %s\n", r.Advice)
				}
			}
			return writeResultsCSV(cmd, svc.Exporter, outcome, out)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model key (required)")
	cmd.Flags().StringVar(&out, "csv", "", "Also write the result as CSV into this directory")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func newBatchCommand(ctx *commandContext) *cobra.Command {
	var model string
	var out string

	cmd := &cobra.Command{
		Use:   "batch <archive.zip>",
		Short: "Classify every image in a zip archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			outcome, err := submitFile(cmd, svc.Batch, model, args[0])
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderResults(svc.Models.Catalog(), outcome))
			if outcome.Stats != nil {
				fmt.Fprint(cmd.OutOrStdout(), renderDistribution(*outcome.Stats))
				fmt.Fprintln(cmd.OutOrStdout(), outcome.Stats.Summary())
			}
			return writeResultsCSV(cmd, svc.Exporter, outcome, out)
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "Model key (required)")
	cmd.Flags().StringVar(&out, "csv", "", "Also write the results as CSV into this directory")
	_ = cmd.MarkFlagRequired("model")
	return cmd
}

func submitFile(cmd *cobra.Command, workflow *usecase.Workflow, model, path string) (*usecase.Outcome, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	return workflow.Submit(cmd.Context(), usecase.Submission{
		ModelKey: model,
		FileName: filepath.Base(path),
		Body:     file,
	})
}

func renderResults(catalog *domain.ModelCatalog, outcome *usecase.Outcome) string {
	rows := make([][]string, 0, len(outcome.Results))
	for _, r := range outcome.Results {
		note, confidence := "Success", domain.FormatConfidence(r.Confidence)
		if r.Err() != nil {
			note, confidence = r.Error, "-"
		}
		rows = append(rows, []string{
			r.FileName,
			domain.LabelDisplayName(r.LabelName),
			confidence,
			r.Threshold.String(),
			note,
		})
	}
	header := fmt.Sprintf("Model: %s\n", catalog.DisplayName(outcome.Request.ModelKey))
	return header + renderTable(
		[]column{left("File"), left("Label"), right("Confidence"), right("Threshold"), left("Notes")},
		rows,
	)
}

func renderDistribution(stats domain.BatchStats) string {
	slices := stats.Distribution()
	rows := make([][]string, 0, len(slices))
	for _, s := range slices {
		rows = append(rows, []string{s.Name, fmt.Sprintf("%d", s.Count), fmt.Sprintf("%.1f%%", s.Proportion*100)})
	}
	return renderTable([]column{left("Class"), right("Count"), right("Share")}, rows)
}

func writeResultsCSV(cmd *cobra.Command, exporter *usecase.Exporter, outcome *usecase.Outcome, dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	artifact, err := exporter.ResultsCSV(outcome.Results, domain.RowContext{
		ModelKey:  outcome.Request.ModelKey,
		CreatedAt: outcome.Request.SubmittedAt,
	})
	if err != nil {
		return err
	}
	return saveArtifact(cmd, artifact, filepath.Join(dir, artifact.Name))
}
