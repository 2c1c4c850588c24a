package main

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-binarize/internal/nn"
	"github.com/23skdu/longbow-binarize/internal/plan"
)

func newPlanCmd() *cobra.Command {
	var mf modelFlags
	var opts plan.Options
	var granularity, order string

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the units a run would process, in order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			model, _, err := mf.load()
			if err != nil {
				return err
			}
			if opts.Granularity, err = plan.ParseGranularity(granularity); err != nil {
				return err
			}
			if opts.Order, err = plan.ParseOrder(order); err != nil {
				return err
			}
			units, err := plan.Build(model, opts)
			if err != nil {
				return err
			}
			return renderPlan(cmd.OutOrStdout(), units)
		},
	}
	mf.register(cmd)
	f := cmd.Flags()
	f.StringVar(&granularity, "granularity", string(plan.PerBlock), "Unit granularity (whole_model, per_block, per_linear)")
	f.StringVar(&order, "order", string(plan.Forward), "Unit order (forward, reverse)")
	f.StringSliceVar(&opts.BlockPaths, "block-paths", nil, "Candidate paths of the decoder layer list")
	return cmd
}

func renderPlan(w io.Writer, units []plan.Unit) error {
	var data [][]string
	for i, u := range units {
		linears, err := nn.DenseLinears(u.Module)
		if err != nil {
			return err
		}
		path := u.Path
		if path == "" {
			path = "(root)"
		}
		data = append(data, []string{strconv.Itoa(i), u.Name, path, strconv.Itoa(len(linears))})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "UNIT", "PATH", "LINEARS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
	return nil
}
