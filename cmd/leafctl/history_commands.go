package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kirillkom/leaf-nutrient-advisor/internal/core/domain"
)

const adviceColumnLimit = 50

var historyColumns = []column{
	right("ID"),
	left("File"),
	left("Label"),
	right("Confidence"),
	left("Model"),
	left("Advice"),
	left("Created"),
}

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and prune prediction history",
	}
	historyCmd.AddCommand(newHistoryListCommand(ctx))
	historyCmd.AddCommand(newHistoryDeleteCommand(ctx))
	return historyCmd
}

type historyQuery struct {
	query  string
	labels []string
	sort   string
	order  string
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	q := &historyQuery{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored predictions",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}
			records, err := loadHistory(cmd, svc, q)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No history records")
				return nil
			}

			rows := make([][]string, 0, len(records))
			for _, rec := range records {
				rows = append(rows, []string{
					strconv.FormatInt(rec.ID, 10),
					rec.FileName,
					domain.LabelDisplayName(rec.LabelName),
					domain.FormatConfidence(rec.Confidence),
					svc.Models.Catalog().DisplayName(rec.ModelKey),
					domain.TruncateAdvice(rec.AdviceOrDefault(), adviceColumnLimit),
					rec.CreatedAt.Format("2006-01-02 15:04"),
				})
			}
			fmt.Fprint(cmd.OutOrStdout(), renderTable(historyColumns, rows))
			return nil
		},
	}
	q.bindTo(cmd)
	return cmd
}

func (q *historyQuery) bindTo(cmd *cobra.Command) {
	cmd.Flags().StringVar(&q.query, "query", "", "Case-insensitive match on file name or label")
	cmd.Flags().StringSliceVar(&q.labels, "label", nil, "Only show these labels (repeatable)")
	cmd.Flags().StringVar(&q.sort, "sort", "", "Sort by fileName, label_name, confidence or created_at")
	cmd.Flags().StringVar(&q.order, "order", "", "Sort order: asc or desc")
}

func loadHistory(cmd *cobra.Command, svc *services, q *historyQuery) ([]domain.HistoryRecord, error) {
	spec, err := domain.ParseSortSpec(q.sort, q.order)
	if err != nil {
		return nil, err
	}
	records, err := svc.History.List(cmd.Context())
	if err != nil {
		return nil, err
	}
	records = domain.FilterRecords(records, q.query)
	records = domain.FilterLabels(records, q.labels...)
	records = domain.SortRecords(records, spec)

	out := make([]domain.HistoryRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

func newHistoryDeleteCommand(ctx *commandContext) *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete history records after confirmation",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIDs(args)
			if err != nil {
				return err
			}
			svc, err := ctx.services(cmd.Context())
			if err != nil {
				return err
			}

			if !assumeYes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), deletePrompt(ids))
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "Aborted")
					return nil
				}
			}

			grant, err := svc.History.ConfirmDelete(ids...)
			if err != nil {
				return err
			}
			if len(grant.IDs) == 1 {
				if err := svc.History.DeleteOne(cmd.Context(), grant.Token, grant.IDs[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted record %d\n", grant.IDs[0])
				return nil
			}

			result, err := svc.History.DeleteMany(cmd.Context(), grant.Token, grant.IDs)
			if err != nil && !errors.Is(err, domain.ErrPartialBatchDelete) {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d of %d records\n", len(result.Succeeded), len(grant.IDs))
			if result.Partial() {
				rows := make([][]string, 0, len(result.Failed))
				for _, f := range result.Failed {
					rows = append(rows, []string{strconv.FormatInt(f.ID, 10), f.Err.Error()})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{right("ID"), left("Error")}, rows))
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Skip the confirmation prompt")
	return cmd
}

func parseIDs(args []string) ([]int64, error) {
	ids := make([]int64, 0, len(args))
	for _, arg := range args {
		id, err := strconv.ParseInt(strings.TrimSpace(arg), 10, 64)
		if err != nil || id <= 0 {
			return nil, domain.WrapError(domain.ErrInvalidInput, "parse record id", fmt.Errorf("invalid id %q", arg))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func deletePrompt(ids []int64) string {
	if len(ids) == 1 {
		return fmt.Sprintf("Delete record %d? This cannot be undone.", ids[0])
	}
	return fmt.Sprintf("Delete %d records? This cannot be undone.", len(ids))
}

// confirm reads a y/N answer. EOF counts as no.
func confirm(in io.Reader, out io.Writer, prompt string) (bool, error) {
	fmt.Fprintf(out, "%s [y/N]: ", prompt)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
