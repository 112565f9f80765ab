package cmd

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/leftmike/coredb/engine"
	"github.com/leftmike/coredb/storage/vfs"
	"github.com/leftmike/coredb/wal"
)

var (
	inspectCmd = &cobra.Command{
		Use:   "inspect",
		Short: "Show the control file, log, catalog or config",
	}

	logFrom    uint64
	logArchive bool
)

func init() {
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "List the records of the log",
		Args:  cobra.NoArgs,
		RunE:  inspectLogRun,
	}
	logCmd.Flags().Uint64Var(&logFrom, "from", 0, "first `lsn` to list")
	logCmd.Flags().BoolVar(&logArchive, "archive", false, "list the archived segments instead")

	inspectCmd.AddCommand(
		&cobra.Command{
			Use:   "control",
			Short: "Show the control file",
			Args:  cobra.NoArgs,
			RunE:  inspectControlRun,
		},
		logCmd,
		&cobra.Command{
			Use:   "catalog",
			Short: "List the conglomerates; the database is opened and recovered",
			Args:  cobra.NoArgs,
			RunE:  inspectCatalogRun,
		},
		&cobra.Command{
			Use:   "config",
			Short: "List the config params and how they were set",
			Args:  cobra.NoArgs,
			RunE:  inspectConfigRun,
		})

	coredbCmd.AddCommand(inspectCmd)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tw := tablewriter.NewWriter(w)
	tw.SetAutoFormatHeaders(false)
	tw.SetAutoWrapText(false)
	tw.SetHeader(header)
	return tw
}

func inspectControlRun(cmd *cobra.Command, args []string) error {
	ctl, err := engine.ReadControl(vfs.OSFS{}, *dataDir)
	if err != nil {
		return err
	}

	tw := newTable(cmd.OutOrStdout(), "field", "value")
	tw.Append([]string{"version", strconv.Itoa(ctl.Version)})
	tw.Append([]string{"uuid", ctl.UUID})
	tw.Append([]string{"page_size", strconv.Itoa(ctl.PageSize)})
	tw.Append([]string{"created", ctl.Created.Format("2006-01-02 15:04:05")})
	tw.Append([]string{"checkpoint", strconv.FormatUint(ctl.Checkpoint, 10)})
	tw.Append([]string{"clean", strconv.FormatBool(ctl.Clean)})
	tw.Render()
	return nil
}

func recordRow(rec *wal.Record) []string {
	var tx, prev, op, pg string
	if rec.TxID != 0 {
		tx = strconv.FormatUint(rec.TxID, 10)
		prev = strconv.FormatUint(uint64(rec.PrevLSN), 10)
	}
	if rec.Kind != 0 {
		op = fmt.Sprintf("%d/%d", rec.Kind, rec.Op)
	}
	if len(rec.Images) > 0 {
		var ids []string
		for _, img := range rec.Images {
			ids = append(ids, img.Page.String())
		}
		pg = strings.Join(ids, " ")
	} else if rec.Page.Container != 0 || rec.Page.Number != 0 {
		pg = fmt.Sprintf("%s:%d", rec.Page, rec.Slot)
	}
	size := len(rec.Before) + len(rec.After) + len(rec.Payload)
	for _, img := range rec.Images {
		size += len(img.Data)
	}
	return []string{
		strconv.FormatUint(uint64(rec.LSN), 10),
		rec.Type.String(),
		tx,
		prev,
		op,
		pg,
		strconv.Itoa(size),
	}
}

func inspectLogRun(cmd *cobra.Command, args []string) error {
	fs := vfs.OSFS{}
	dir := filepath.Join(*dataDir, engine.LogDir)
	tw := newTable(cmd.OutOrStdout(), "lsn", "type", "tx", "prev", "kind/op", "page", "bytes")

	if logArchive {
		adir := wal.ArchiveDir(dir)
		names, err := fs.List(adir)
		if err != nil {
			return fmt.Errorf("coredb: %s", err)
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".xz") {
				continue
			}
			recs, err := wal.ReadArchive(fs, filepath.Join(adir, name))
			if err != nil {
				return err
			}
			for _, rec := range recs {
				if uint64(rec.LSN) >= logFrom {
					tw.Append(recordRow(rec))
				}
			}
		}
		tw.Render()
		return nil
	}

	l, err := wal.Open(fs, dir, wal.Options{})
	if err != nil {
		return err
	}
	defer l.Close()

	r := l.Scan(wal.LSN(logFrom))
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		tw.Append(recordRow(rec))
	}
	tw.Render()
	fmt.Fprintf(cmd.OutOrStdout(), "(%d records)\n", tw.NumLines())
	return nil
}

func inspectCatalogRun(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	ents, err := e.List()
	if err != nil {
		return err
	}
	tw := newTable(cmd.OutOrStdout(), "name", "id", "kind", "pages")
	for _, ent := range ents {
		var pages string
		c, err := e.Env().Containers.Get(ent.ID)
		if err == nil {
			pages = strconv.FormatUint(uint64(c.PageCount()), 10)
		}
		tw.Append([]string{ent.Name, strconv.FormatUint(uint64(ent.ID), 10),
			ent.Kind.String(), pages})
	}
	tw.Render()
	return nil
}

func inspectConfigRun(cmd *cobra.Command, args []string) error {
	tw := newTable(cmd.OutOrStdout(), "name", "by", "value")
	for _, param := range cfg.AllParams() {
		tw.Append([]string{param.Name, param.By(), param.Val.String()})
	}
	tw.Render()
	return nil
}
