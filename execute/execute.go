// Package execute runs plans against a database.
package execute

import (
	"context"
	"errors"
	"fmt"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/plan"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/tx"
)

// Engine is what running a plan needs of a database.
type Engine interface {
	Begin(iso access.Isolation) (*tx.Txn, error)
	Conglomerate(name string) (access.Conglomerate, error)
	ConglomerateID(id uint32) (access.Conglomerate, error)
}

type Result struct {
	Committed int
	Aborted   int
	Steps     int
	// Rows are the rows returned by fetch, lookup and scan steps, in order.
	Rows      []row.Row
	Locations map[string]access.RowLocation
}

type runner struct {
	e          Engine
	txn        *tx.Txn
	res        *Result
	savepoints map[string]int
}

// Run runs each transaction of p in turn; a transaction whose step fails is aborted and
// the failure returned.
func Run(ctx context.Context, e Engine, p *plan.Plan) (*Result, error) {
	res := &Result{
		Locations: map[string]access.RowLocation{},
	}
	for tdx, ptx := range p.Transactions {
		err := runTransaction(ctx, e, ptx, res)
		if err != nil {
			return res, fmt.Errorf("execute: %s: transaction %d: %w", p.Name, tdx+1, err)
		}
	}
	return res, nil
}

func runTransaction(ctx context.Context, e Engine, ptx plan.Transaction, res *Result) error {
	iso, err := access.ParseIsolation(ptx.Isolation)
	if err != nil {
		return err
	}
	txn, err := e.Begin(iso)
	if err != nil {
		return err
	}

	r := runner{
		e:          e,
		txn:        txn,
		res:        res,
		savepoints: map[string]int{},
	}
	expected := false
	for sdx, s := range ptx.Steps {
		err = r.step(ctx, s)
		res.Steps += 1
		if s.Error != "" {
			if !errors.Is(err, plan.Errors[s.Error]) {
				err = fmt.Errorf("step %d: %s: got %v want %s", sdx+1, s.Op, err, s.Error)
			} else {
				err = nil
				expected = true
			}
		} else if err != nil {
			err = fmt.Errorf("step %d: %s: %w", sdx+1, s.Op, err)
		}
		if err != nil {
			if aerr := txn.Abort(); aerr != nil {
				log.WithError(aerr).Warn("execute: abort failed")
			}
			res.Aborted += 1
			return err
		}
	}

	if ptx.Abort || expected {
		err = txn.Abort()
		if err != nil {
			return err
		}
		res.Aborted += 1
		return nil
	}
	err = txn.Commit()
	if err != nil {
		return err
	}
	res.Committed += 1
	return nil
}

func (r *runner) location(s plan.Step) (access.RowLocation, error) {
	loc, ok := r.res.Locations[s.Location]
	if !ok {
		return access.RowLocation{}, fmt.Errorf("no location in register %s", s.Location)
	}
	return loc, nil
}

func check(got, want row.Row) error {
	if row.CompareRows(got, want) != 0 {
		return fmt.Errorf("got %s want %s", got, want)
	}
	return nil
}

func (r *runner) step(ctx context.Context, s plan.Step) error {
	switch s.Op {
	case plan.Savepoint:
		id, err := r.txn.SetSavepoint()
		if err != nil {
			return err
		}
		r.savepoints[s.Savepoint] = id
		return nil
	case plan.Rollback, plan.Release:
		id, ok := r.savepoints[s.Savepoint]
		if !ok {
			return dberr.Wrap(fmt.Sprintf("savepoint %s", s.Savepoint), dberr.ErrBadSavepoint)
		}
		if s.Op == plan.Rollback {
			return r.txn.RollbackToSavepoint(id)
		}
		delete(r.savepoints, s.Savepoint)
		return r.txn.ReleaseSavepoint(id)
	}

	c, err := r.e.Conglomerate(s.Conglomerate)
	if err != nil {
		return err
	}
	vals, err := plan.Values(s.Row)
	if err != nil {
		return err
	}

	switch s.Op {
	case plan.Insert:
		loc, err := c.Insert(ctx, r.txn, vals)
		if err != nil {
			return err
		}
		if s.Location != "" {
			r.res.Locations[s.Location] = loc
		}
	case plan.Fetch:
		loc, err := r.location(s)
		if err != nil {
			return err
		}
		got, err := c.Fetch(ctx, r.txn, loc)
		if err != nil {
			return err
		}
		r.res.Rows = append(r.res.Rows, got)
		if s.Want != nil {
			want, _ := plan.Values(s.Want)
			return check(got, want)
		}
	case plan.Update:
		loc, err := r.location(s)
		if err != nil {
			return err
		}
		return c.Update(ctx, r.txn, loc, vals)
	case plan.Delete:
		loc, err := r.location(s)
		if err != nil {
			return err
		}
		return c.Delete(ctx, r.txn, loc)
	case plan.DeleteKey:
		idx, ok := c.(access.Index)
		if !ok {
			return dberr.Wrap(fmt.Sprintf("%s: delete key", s.Conglomerate),
				dberr.ErrNotSupported)
		}
		return idx.DeleteKey(ctx, r.txn, vals)
	case plan.Index:
		sec, err := secondary(c, s)
		if err != nil {
			return err
		}
		loc, err := r.location(s)
		if err != nil {
			return err
		}
		return sec.InsertLocation(ctx, r.txn, vals, loc)
	case plan.Lookup:
		return r.lookup(ctx, c, s, vals)
	case plan.Scan:
		return r.scan(ctx, c, s)
	default:
		return fmt.Errorf("unknown op: %q", s.Op)
	}
	return nil
}

func secondary(c access.Conglomerate, s plan.Step) (access.Secondary, error) {
	sec, ok := c.(access.Secondary)
	if !ok {
		return nil, dberr.Wrap(fmt.Sprintf("%s: %s", s.Conglomerate, s.Op),
			dberr.ErrNotSupported)
	}
	return sec, nil
}

// lookup finds key in the index c, and then fetches the row it locates from the base heap.
func (r *runner) lookup(ctx context.Context, c access.Conglomerate, s plan.Step,
	key row.Row) error {

	sec, err := secondary(c, s)
	if err != nil {
		return err
	}
	loc, err := sec.Lookup(ctx, r.txn, key)
	if err != nil {
		return err
	}
	base, err := r.e.ConglomerateID(sec.Base())
	if err != nil {
		return err
	}
	got, err := base.Fetch(ctx, r.txn, loc)
	if err != nil {
		return err
	}
	if s.Location != "" {
		r.res.Locations[s.Location] = loc
	}
	r.res.Rows = append(r.res.Rows, got)
	if s.Want != nil {
		want, _ := plan.Values(s.Want)
		return check(got, want)
	}
	return nil
}

func (r *runner) scan(ctx context.Context, c access.Conglomerate, s plan.Step) error {
	rng, err := s.Range()
	if err != nil {
		return err
	}
	scan, err := c.OpenScan(ctx, r.txn, rng)
	if err != nil {
		return err
	}
	defer scan.Close()

	var rows []row.Row
	for {
		_, got, err := scan.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		rows = append(rows, got)
	}
	r.res.Rows = append(r.res.Rows, rows...)

	if s.Count != nil && len(rows) != *s.Count {
		return fmt.Errorf("got %d rows want %d", len(rows), *s.Count)
	}
	if s.WantRows != nil {
		if len(rows) != len(s.WantRows) {
			return fmt.Errorf("got %d rows want %d", len(rows), len(s.WantRows))
		}
		for i, vals := range s.WantRows {
			want, _ := plan.Values(vals)
			err := check(rows[i], want)
			if err != nil {
				return fmt.Errorf("row %d: %w", i+1, err)
			}
		}
	}
	return nil
}
