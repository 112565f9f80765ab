package execute_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/leftmike/coredb/engine"
	"github.com/leftmike/coredb/execute"
	"github.com/leftmike/coredb/plan"
	"github.com/leftmike/coredb/row"
)

func openEngine(t *testing.T) *engine.Engine {
	t.Helper()

	e, err := engine.Create(context.Background(), t.TempDir(), engine.Options{
		PageSize:    4096,
		Frames:      32,
		LockTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Create() failed with %s", err)
	}
	_, err = e.CreateHeap("accounts")
	if err != nil {
		t.Fatalf("CreateHeap() failed with %s", err)
	}
	_, err = e.CreateIndex("accounts_by_id", 1, true, "")
	if err != nil {
		t.Fatalf("CreateIndex() failed with %s", err)
	}
	_, err = e.CreateIndex("accounts_by_name", 1, true, "accounts")
	if err != nil {
		t.Fatalf("CreateIndex(accounts_by_name) failed with %s", err)
	}
	return e
}

const accountsPlan = `
name: accounts
transactions:
  - steps:
      - op: insert
        conglomerate: accounts
        row: [1, "alice", 100]
        location: alice
      - op: insert
        conglomerate: accounts_by_id
        row: [1, "alice"]
      - op: insert
        conglomerate: accounts
        row: [2, "bob", 20]
        location: bob
      - op: insert
        conglomerate: accounts_by_id
        row: [2, "bob"]
      - op: savepoint
        savepoint: before
      - op: update
        conglomerate: accounts
        location: alice
        row: [1, "alice", 0]
      - op: delete
        conglomerate: accounts
        location: bob
      - op: rollback
        savepoint: before
  - isolation: read-committed
    steps:
      - op: fetch
        conglomerate: accounts
        location: alice
        want: [1, "alice", 100]
      - op: fetch
        conglomerate: accounts
        location: bob
        want: [2, "bob", 20]
      - op: scan
        conglomerate: accounts_by_id
        start: [1]
        start_exclusive: true
        want_rows:
          - [2, "bob"]
      - op: scan
        conglomerate: accounts
        where:
          - {column: 2, op: ">", value: 50}
        count: 1
  - steps:
      - op: insert
        conglomerate: accounts_by_id
        row: [2, "robert"]
        error: duplicate-key
  - steps:
      - op: delete-key
        conglomerate: accounts_by_id
        row: [1, "alice"]
      - op: delete-key
        conglomerate: accounts
        row: [1]
        error: not-supported
`

func TestRun(t *testing.T) {
	e := openEngine(t)
	defer e.Close()

	p, err := plan.Parse([]byte(accountsPlan))
	if err != nil {
		t.Fatalf("Parse() failed with %s", err)
	}
	res, err := execute.Run(context.Background(), e, p)
	if err != nil {
		t.Fatalf("Run() failed with %s", err)
	}
	if res.Committed != 2 || res.Aborted != 2 || res.Steps != 15 {
		t.Errorf("Run() got %+v", res)
	}
	if len(res.Rows) != 4 {
		t.Errorf("Run() got %d rows want 4", len(res.Rows))
	}
	if _, ok := res.Locations["alice"]; !ok {
		t.Errorf("Run() locations got %v", res.Locations)
	}

	// The delete-key was aborted.
	p = &plan.Plan{
		Name: "check",
		Transactions: []plan.Transaction{
			{
				Steps: []plan.Step{
					{
						Op:           plan.Scan,
						Conglomerate: "accounts_by_id",
						WantRows:     [][]interface{}{{1, "alice"}, {2, "bob"}},
					},
				},
			},
		},
	}
	_, err = execute.Run(context.Background(), e, p)
	if err != nil {
		t.Errorf("Run(%s) failed with %s", p.Name, err)
	}
}

func TestRunFails(t *testing.T) {
	e := openEngine(t)
	defer e.Close()

	cases := []struct {
		s    string
		fail string
	}{
		{
			s: `
transactions:
  - steps:
      - op: insert
        conglomerate: accounts
        row: [1]
        location: one
      - op: fetch
        conglomerate: accounts
        location: one
        want: [2]`,
			fail: "got (1) want (2)",
		},
		{
			s: `
transactions:
  - steps:
      - op: fetch
        conglomerate: accounts
        location: nowhere`,
			fail: "no location",
		},
		{
			s: `
transactions:
  - steps:
      - op: insert
        conglomerate: missing
        row: [1]`,
			fail: "no such conglomerate",
		},
		{
			s: `
transactions:
  - steps:
      - op: insert
        conglomerate: accounts_by_id
        row: [1]
        error: duplicate-key`,
			fail: "want duplicate-key",
		},
		{
			s: `
transactions:
  - steps:
      - op: release
        savepoint: never`,
			fail: "unknown savepoint",
		},
	}

	for _, c := range cases {
		p, err := plan.Parse([]byte(c.s))
		if err != nil {
			t.Fatalf("Parse(%q) failed with %s", c.s, err)
		}
		res, err := execute.Run(context.Background(), e, p)
		if err == nil {
			t.Errorf("Run(%q) did not fail", c.s)
		} else if !strings.Contains(err.Error(), c.fail) {
			t.Errorf("Run(%q) got %s want %s", c.s, err, c.fail)
		}
		if res.Aborted != 1 || res.Committed != 0 {
			t.Errorf("Run(%q) got %+v", c.s, res)
		}
	}
}

func TestAbortedRelocation(t *testing.T) {
	e := openEngine(t)
	defer e.Close()

	big := func(c string, n int) string {
		return strings.Repeat(c, n)
	}
	p := &plan.Plan{
		Name: "relocate",
		Transactions: []plan.Transaction{
			{
				Steps: []plan.Step{
					{Op: plan.Insert, Conglomerate: "accounts", Location: "l1",
						Row: []interface{}{1, big("a", 1000)}},
					{Op: plan.Insert, Conglomerate: "accounts", Location: "l2",
						Row: []interface{}{2, big("b", 1000)}},
					{Op: plan.Insert, Conglomerate: "accounts", Location: "l3",
						Row: []interface{}{3, big("c", 1000)}},
				},
			},
			{
				Abort: true,
				Steps: []plan.Step{
					{Op: plan.Update, Conglomerate: "accounts", Location: "l1",
						Row: []interface{}{1, big("z", 2500)}},
					{Op: plan.Fetch, Conglomerate: "accounts", Location: "l1",
						Want: []interface{}{1, big("z", 2500)}},
				},
			},
			{
				Steps: []plan.Step{
					{Op: plan.Fetch, Conglomerate: "accounts", Location: "l1",
						Want: []interface{}{1, big("a", 1000)}},
					{Op: plan.Scan, Conglomerate: "accounts", Count: new(int)},
				},
			},
		},
	}
	*p.Transactions[2].Steps[1].Count = 3

	res, err := execute.Run(context.Background(), e, p)
	if err != nil {
		t.Fatalf("Run() failed with %s", err)
	}
	if res.Committed != 2 || res.Aborted != 1 {
		t.Errorf("Run() got %+v", res)
	}
	last := res.Rows[len(res.Rows)-1]
	if row.CompareRows(last[:1], row.Row{row.Int64Value(3)}) != 0 {
		t.Errorf("Run() last row got %s", last[:1])
	}
}

const lookupPlan = `
name: lookup
transactions:
  - steps:
      - op: insert
        conglomerate: accounts
        row: [1, "alice", 100]
        location: alice
      - op: index
        conglomerate: accounts_by_name
        row: ["alice"]
        location: alice
      - op: insert
        conglomerate: accounts
        row: [2, "bob", 20]
        location: bob
      - op: index
        conglomerate: accounts_by_name
        row: ["bob"]
        location: bob
  - steps:
      - op: lookup
        conglomerate: accounts_by_name
        row: ["bob"]
        location: found
        want: [2, "bob", 20]
      - op: update
        conglomerate: accounts
        location: found
        row: [2, "bob", 30]
      - op: lookup
        conglomerate: accounts_by_name
        row: ["bob"]
        want: [2, "bob", 30]
  - steps:
      - op: lookup
        conglomerate: accounts_by_name
        row: ["carol"]
        error: row-not-found
  - steps:
      - op: index
        conglomerate: accounts_by_name
        row: ["alice"]
        location: bob
        error: duplicate-key
  - steps:
      - op: lookup
        conglomerate: accounts_by_id
        row: [1]
        error: not-supported
  - steps:
      - op: delete-key
        conglomerate: accounts_by_name
        row: ["alice"]
      - op: lookup
        conglomerate: accounts_by_name
        row: ["alice"]
        error: row-not-found
  - isolation: read-committed
    steps:
      - op: lookup
        conglomerate: accounts_by_name
        row: ["alice"]
        want: [1, "alice", 100]
`

func TestLookup(t *testing.T) {
	e := openEngine(t)
	defer e.Close()

	p, err := plan.Parse([]byte(lookupPlan))
	if err != nil {
		t.Fatalf("Parse() failed with %s", err)
	}
	res, err := execute.Run(context.Background(), e, p)
	if err != nil {
		t.Fatalf("Run() failed with %s", err)
	}
	if res.Committed != 3 || res.Aborted != 4 || res.Steps != 13 {
		t.Errorf("Run() got %+v", res)
	}
	if res.Locations["found"] != res.Locations["bob"] {
		t.Errorf("Run() found %s want %s", res.Locations["found"], res.Locations["bob"])
	}
}
