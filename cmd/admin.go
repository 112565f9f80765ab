package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/leftmike/coredb/engine"
)

var (
	keyColumns int
	uniqueKey  bool
	baseHeap   string
)

func init() {
	indexCmd := &cobra.Command{
		Use:   "index name",
		Short: "Create a B-tree index, optionally of the rows of a heap",
		Args:  cobra.ExactArgs(1),
		RunE:  indexRun,
	}
	indexCmd.Flags().IntVar(&keyColumns, "key-columns", 1, "number of key columns")
	indexCmd.Flags().BoolVar(&uniqueKey, "unique", false, "keys must be unique")
	indexCmd.Flags().StringVar(&baseHeap, "base", "",
		"`heap` whose row locations the index holds")

	coredbCmd.AddCommand(
		&cobra.Command{
			Use:   "heap name",
			Short: "Create a heap",
			Args:  cobra.ExactArgs(1),
			RunE:  heapRun,
		},
		indexCmd,
		&cobra.Command{
			Use:   "create",
			Short: "Create a new database in the data directory",
			Args:  cobra.NoArgs,
			RunE:  createRun,
		},
		&cobra.Command{
			Use:   "recover",
			Short: "Open the database, recovering it if necessary, and shut it down cleanly",
			Args:  cobra.NoArgs,
			RunE:  recoverRun,
		},
		&cobra.Command{
			Use:   "checkpoint",
			Short: "Take a checkpoint and truncate the log",
			Args:  cobra.NoArgs,
			RunE:  checkpointRun,
		})
}

func createRun(cmd *cobra.Command, args []string) error {
	e, err := engine.Create(context.Background(), *dataDir, engineOptions())
	if err != nil {
		return err
	}
	ctl := e.Control()
	err = e.Close()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s: uuid %s, page size %d\n", *dataDir, ctl.UUID,
		ctl.PageSize)
	return nil
}

// openEngine opens the database in the data directory; the caller must close it.
func openEngine() (*engine.Engine, error) {
	return engine.Open(context.Background(), *dataDir, engineOptions())
}

func recoverRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	res := e.Recovery()
	err = e.Close()
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "checkpoint: %d\n", res.Checkpoint)
	fmt.Fprintf(w, "redo: %d to %d: %d records, %d pages redone\n", res.RedoStart, res.End,
		res.Records, res.Redone)
	fmt.Fprintf(w, "transactions: %d committed, %d rolled back (%d records undone)\n",
		res.Winners, res.Losers, res.Undone)
	return nil
}

func checkpointRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	lsn, err := e.Checkpoint()
	size := e.Stats().LogSize
	cerr := e.Close()
	if err != nil {
		return err
	} else if cerr != nil {
		return cerr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "checkpoint: %d: log size %d\n", lsn, size)
	return nil
}

func heapRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	h, err := e.CreateHeap(args[0])
	cerr := e.Close()
	if err != nil {
		return err
	} else if cerr != nil {
		return cerr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created heap %s: container %d\n", args[0], h.ID())
	return nil
}

func indexRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	t, err := e.CreateIndex(args[0], keyColumns, uniqueKey, baseHeap)
	cerr := e.Close()
	if err != nil {
		return err
	} else if cerr != nil {
		return cerr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created index %s: container %d\n", args[0], t.ID())
	return nil
}
