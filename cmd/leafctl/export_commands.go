package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

func newExportCommand(ctx *commandContext) *cobra.Command {
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Download history as CSV, XLSX or images",
	}
	exportCmd.AddCommand(newExportHistoryCommand(ctx))
	exportCmd.AddCommand(newExportRecordCommand(ctx))
	exportCmd.AddCommand(newExportImageCommand(ctx))
	return exportCmd
}

func newExportHistoryCommand(ctx *commandContext) *cobra.Command {
	q := &historyQuery{}
	var format string
	var dir string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Export the filtered history table",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			records, err := loadHistory(cmd, svc, q)
			if err != nil {
				return err
			}

			var artifact domain.Artifact
			switch strings.ToLower(strings.TrimSpace(format)) {
			case "", "csv":
				artifact, err = svc.Exporter.RecordsCSV(records)
			case "xlsx":
				artifact, err = svc.Exporter.RecordsXLSX(records)
			default:
				return domain.WrapError(domain.ErrInvalidInput, "export history", fmt.Errorf("unsupported format %q", format))
			}
			if err != nil {
				return err
			}
			return saveArtifact(cmd, artifact, filepath.Join(dir, artifact.Name))
		},
	}

	q.bindTo(cmd)
	cmd.Flags().StringVar(&format, "format", "csv", "Output format: csv or xlsx")
	cmd.Flags().StringVarP(&dir, "out", "o", ".", "Directory to write into")
	return cmd
}

func newExportRecordCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "record <id>",
		Short: "Export one history record as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := svc.History.Get(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			artifact, err := svc.Exporter.RecordCSV(rec)
			if err != nil {
				return err
			}
			return saveArtifact(cmd, artifact, filepath.Join(dir, artifact.Name))
		},
	}

	cmd.Flags().StringVarP(&dir, "out", "o", ".", "Directory to write into")
	return cmd
}

func newExportImageCommand(ctx *commandContext) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "image <id>",
		Short: "Download the stored leaf image of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			artifact, err := svc.Exporter.ExportImage(cmd.Context(), ids[0])
			if err != nil {
				if domain.IsKind(err, domain.ErrNoImageAvailable) {
					return fmt.Errorf("record %d has no image available", ids[0])
				}
				return err
			}
			return saveArtifact(cmd, artifact, filepath.Join(dir, artifact.Name))
		},
	}

	cmd.Flags().StringVarP(&dir, "out", "o", ".", "Directory to write into")
	return cmd
}

func saveArtifact(cmd *cobra.Command, artifact domain.Artifact, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%d bytes)\n", path, len(artifact.Data))
	return nil
}
