package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/engine"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
)

const (
	stressHeap = "stress"
)

var (
	stressWorkers = 8
	stressRows    = 100
	stressTxns    = 100
)

func init() {
	stressCmd := &cobra.Command{
		Use:   "stress",
		Short: "Run concurrent transactions which increment counters",
		Args:  cobra.NoArgs,
		RunE:  stressRun,
	}
	fs := stressCmd.Flags()
	fs.IntVar(&stressWorkers, "workers", stressWorkers, "number of concurrent workers")
	fs.IntVar(&stressRows, "rows", stressRows, "number of counters")
	fs.IntVar(&stressTxns, "transactions", stressTxns, "transactions to commit per worker")

	coredbCmd.AddCommand(stressCmd)
}

type stressResult struct {
	Commits   uint64
	Aborts    uint64
	Deadlocks uint64
	Timeouts  uint64
	Elapsed   time.Duration
}

type stressTest struct {
	e    *engine.Engine
	h    access.Conglomerate
	locs []access.RowLocation
	res  stressResult
}

// setup creates the counters, or finds them if they already exist.
func (st *stressTest) setup(ctx context.Context, rows int) error {
	h, err := st.e.Conglomerate(stressHeap)
	if errors.Is(err, dberr.ErrNoConglomerate) {
		h, err = st.e.CreateHeap(stressHeap)
	}
	if err != nil {
		return err
	}
	st.h = h

	txn, err := st.e.Begin(access.RepeatableRead)
	if err != nil {
		return err
	}
	scan, err := h.OpenScan(ctx, txn, access.ScanRange{})
	if err != nil {
		txn.Abort()
		return err
	}
	for {
		loc, _, err := scan.Next(ctx)
		if err == io.EOF {
			break
		} else if err != nil {
			scan.Close()
			txn.Abort()
			return err
		}
		st.locs = append(st.locs, loc)
	}
	scan.Close()

	for n := len(st.locs); n < rows; n++ {
		loc, err := h.Insert(ctx, txn, row.Row{row.Int64Value(n), row.Int64Value(0)})
		if err != nil {
			txn.Abort()
			return err
		}
		st.locs = append(st.locs, loc)
	}
	return txn.Commit()
}

func (st *stressTest) increment(ctx context.Context, r *rand.Rand) error {
	txn, err := st.e.Begin(access.RepeatableRead)
	if err != nil {
		return err
	}

	for i := 0; i < 2; i++ {
		loc := st.locs[r.Intn(len(st.locs))]
		var cur row.Row
		cur, err = st.h.Fetch(ctx, txn, loc)
		if err != nil {
			break
		}
		cnt, ok := cur[1].(row.Int64Value)
		if !ok {
			err = fmt.Errorf("stress: %s: bad counter: %s", loc, cur)
			break
		}
		err = st.h.Update(ctx, txn, loc, row.Row{cur[0], cnt + 1})
		if err != nil {
			break
		}
	}

	if err != nil {
		aerr := txn.Abort()
		if aerr != nil {
			return aerr
		}
		atomic.AddUint64(&st.res.Aborts, 1)
		return err
	}
	err = txn.Commit()
	if err == nil {
		atomic.AddUint64(&st.res.Commits, 1)
	}
	return err
}

func (st *stressTest) worker(ctx context.Context, seed int64, txns int) error {
	r := rand.New(rand.NewSource(seed))
	for n := 0; n < txns; {
		err := st.increment(ctx, r)
		if err == nil {
			n += 1
			continue
		}
		if errors.Is(err, dberr.ErrDeadlock) {
			atomic.AddUint64(&st.res.Deadlocks, 1)
		} else if errors.Is(err, dberr.ErrLockTimeout) {
			atomic.AddUint64(&st.res.Timeouts, 1)
		} else if !dberr.IsRetryable(err) {
			return err
		}
	}
	return nil
}

// total returns the sum of the counters.
func (st *stressTest) total(ctx context.Context) (int64, error) {
	txn, err := st.e.Begin(access.ReadCommitted)
	if err != nil {
		return 0, err
	}
	defer txn.Commit()

	var sum int64
	for _, loc := range st.locs {
		r, err := st.h.Fetch(ctx, txn, loc)
		if err != nil {
			return 0, err
		}
		sum += int64(r[1].(row.Int64Value))
	}
	return sum, nil
}

func runStress(ctx context.Context, e *engine.Engine, workers, rows, txns int) (stressResult,
	error) {

	st := &stressTest{e: e}
	err := st.setup(ctx, rows)
	if err != nil {
		return st.res, err
	}
	before, err := st.total(ctx)
	if err != nil {
		return st.res, err
	}

	start := time.Now()
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for wdx := 0; wdx < workers; wdx++ {
		wg.Add(1)
		go func(wdx int) {
			defer wg.Done()
			errs[wdx] = st.worker(ctx, start.UnixNano()+int64(wdx), txns)
		}(wdx)
	}
	wg.Wait()
	st.res.Elapsed = time.Since(start)

	err = errors.Join(errs...)
	if err != nil {
		return st.res, err
	}

	after, err := st.total(ctx)
	if err != nil {
		return st.res, err
	}
	if want := before + 2*int64(st.res.Commits); after != want {
		return st.res, fmt.Errorf("stress: counters total %d want %d", after, want)
	}
	log.WithFields(log.Fields{
		"commits":   st.res.Commits,
		"aborts":    st.res.Aborts,
		"deadlocks": st.res.Deadlocks,
		"timeouts":  st.res.Timeouts,
	}).Info("stress done")
	return st.res, nil
}

func stressRun(cmd *cobra.Command, args []string) error {
	if stressWorkers < 1 || stressRows < 1 || stressTxns < 1 {
		return fmt.Errorf("coredb: workers, rows and transactions must be at least 1")
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := runStress(context.Background(), e, stressWorkers, stressRows, stressTxns)
	if err != nil {
		return err
	}

	lst := e.Stats().Lock
	tw := newTable(cmd.OutOrStdout(), "commits", "aborts", "deadlocks", "timeouts",
		"lock waits", "escalations", "elapsed")
	tw.Append([]string{
		fmt.Sprint(res.Commits),
		fmt.Sprint(res.Aborts),
		fmt.Sprint(res.Deadlocks),
		fmt.Sprint(res.Timeouts),
		fmt.Sprint(lst.Waits),
		fmt.Sprint(lst.Escalations),
		res.Elapsed.Round(time.Millisecond).String(),
	})
	tw.Render()
	return nil
}
