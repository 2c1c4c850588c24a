package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/checkpoint"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CHECKPOINT",
		Short: "Print a checkpoint's manifest and parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := checkpoint.Load(args[0])
			if err != nil {
				return err
			}
			renderCheckpoint(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func renderCheckpoint(w io.Writer, st *checkpoint.State) {
	m := st.Meta
	info := tablewriter.NewWriter(w)
	info.SetAlignment(tablewriter.ALIGN_LEFT)
	info.SetBorder(false)
	info.SetColumnSeparator("")
	info.AppendBulk([][]string{
		{"run", m.RunID},
		{"model", m.ModelID},
		{"unit", m.Unit},
		{"granularity", m.Granularity},
		{"method", m.Method},
		{"outlier fraction", checkpoint.FormatFraction(m.OutlierFraction)},
		{"created", m.CreatedAt.Format(time.RFC3339)},
		{"modules", strconv.Itoa(len(m.Modules))},
		{"size", fmt.Sprintf("%d bytes", st.Bytes())},
	})
	info.Render()
	fmt.Fprintln(w)

	var data [][]string
	for _, t := range st.Tensors {
		data = append(data, []string{t.Module, t.Kind, t.Name, fmt.Sprint(t.Shape), strconv.FormatBool(t.Trainable)})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"MODULE", "KIND", "PARAM", "SHAPE", "TRAINABLE"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
