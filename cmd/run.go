package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/leftmike/coredb/execute"
	"github.com/leftmike/coredb/plan"
	"github.com/leftmike/coredb/row"
)

var (
	showRows bool
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run plan.yaml ...",
		Short: "Run plans against the database",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().BoolVar(&showRows, "rows", false, "print the rows fetched and scanned")

	coredbCmd.AddCommand(runCmd)
}

func printRows(w io.Writer, rows []row.Row) {
	var cols int
	for _, r := range rows {
		if len(r) > cols {
			cols = len(r)
		}
	}
	header := make([]string, cols)
	for cdx := range header {
		header[cdx] = fmt.Sprintf("%d", cdx)
	}

	tw := newTable(w, header...)
	for _, r := range rows {
		vals := make([]string, cols)
		for cdx, v := range r {
			if s, ok := v.(row.StringValue); ok {
				vals[cdx] = string(s)
			} else {
				vals[cdx] = row.Format(v)
			}
		}
		tw.Append(vals)
	}
	tw.Render()
	fmt.Fprintf(w, "(%d rows)\n", tw.NumLines())
}

func runRun(cmd *cobra.Command, args []string) error {
	var plans []*plan.Plan
	for _, arg := range args {
		p, err := plan.Load(arg)
		if err != nil {
			return err
		}
		plans = append(plans, p)
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	w := cmd.OutOrStdout()
	for _, p := range plans {
		res, err := execute.Run(context.Background(), e, p)
		if res != nil {
			fmt.Fprintf(w, "%s: %d committed, %d aborted, %d steps\n", p.Name, res.Committed,
				res.Aborted, res.Steps)
			if showRows && len(res.Rows) > 0 {
				printRows(w, res.Rows)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
