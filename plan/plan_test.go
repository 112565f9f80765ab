package plan_test

import (
	"strings"
	"testing"

	"github.com/leftmike/coredb/plan"
	"github.com/leftmike/coredb/row"
)

const testPlan = `
name: accounts
transactions:
  - isolation: serializable
    steps:
      - op: insert
        conglomerate: accounts
        row: [1, "alice", 100.5, true]
        location: a
      - op: savepoint
        savepoint: sp1
      - op: update
        conglomerate: accounts
        location: a
        row: [1, "alice", 50.5, null]
      - op: rollback
        savepoint: sp1
  - steps:
      - op: fetch
        conglomerate: accounts
        location: a
        want: [1, "alice", 100.5, true]
      - op: scan
        conglomerate: accounts_by_id
        start: [1]
        end: [10]
        end_exclusive: true
        where:
          - {column: 1, op: ">=", value: "b"}
          - {column: 0, op: "=", value: 3, not: true}
        count: 0
    abort: true
`

func TestParse(t *testing.T) {
	p, err := plan.Parse([]byte(testPlan))
	if err != nil {
		t.Fatalf("Parse() failed with %s", err)
	}
	if p.Name != "accounts" || len(p.Transactions) != 2 {
		t.Fatalf("Parse() got %+v", p)
	}
	tx1, tx2 := p.Transactions[0], p.Transactions[1]
	if tx1.Isolation != "serializable" || tx1.Abort || len(tx1.Steps) != 4 {
		t.Errorf("Parse() transaction 1 got %+v", tx1)
	}
	if !tx2.Abort || len(tx2.Steps) != 2 {
		t.Errorf("Parse() transaction 2 got %+v", tx2)
	}

	r, err := plan.Values(tx1.Steps[0].Row)
	if err != nil {
		t.Fatalf("Values() failed with %s", err)
	}
	want := row.Row{row.Int64Value(1), row.StringValue("alice"), row.Float64Value(100.5),
		row.BoolValue(true)}
	if row.CompareRows(r, want) != 0 {
		t.Errorf("Values() got %s want %s", r, want)
	}
	r, err = plan.Values(tx1.Steps[2].Row)
	if err != nil {
		t.Fatalf("Values() failed with %s", err)
	}
	if len(r) != 4 || r[3] != nil {
		t.Errorf("Values() got %s want NULL last", r)
	}

	rng, err := tx2.Steps[1].Range()
	if err != nil {
		t.Fatalf("Range() failed with %s", err)
	}
	if rng.StartExclusive || !rng.EndExclusive || len(rng.Start) != 1 || len(rng.End) != 1 {
		t.Errorf("Range() got %+v", rng)
	}
	if len(rng.Qualifiers) != 2 {
		t.Fatalf("Range() got %d qualifiers want 2", len(rng.Qualifiers))
	}
	q := rng.Qualifiers[1]
	if q.Column != 0 || q.Op != row.EQ || !q.Negate {
		t.Errorf("Range() qualifier got %s", q)
	}
	if !rng.Qualifiers[0].Match(row.Row{row.Int64Value(2), row.StringValue("bob")}) {
		t.Errorf("Match(bob) got false want true")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		s    string
		fail string
	}{
		{s: `transactions: []`, fail: "no transactions"},
		{s: `
transactions:
  - isolation: snapshot
    steps: []`, fail: "isolation"},
		{s: `
transactions:
  - steps:
      - op: frobnicate`, fail: "unknown op"},
		{s: `
transactions:
  - steps:
      - op: insert
        conglomerate: t`, fail: "missing row"},
		{s: `
transactions:
  - steps:
      - op: fetch
        conglomerate: t`, fail: "missing location"},
		{s: `
transactions:
  - steps:
      - op: rollback`, fail: "missing savepoint"},
		{s: `
transactions:
  - steps:
      - op: scan
        conglomerate: t
        where:
          - {column: 0, op: "~", value: 1}`, fail: "unknown comparison"},
		{s: `
transactions:
  - steps:
      - op: insert
        conglomerate: t
        row: [1]
        error: on-fire`, fail: "unknown error"},
		{s: `
transactions:
  - steps:
      - op: insert
        conglomerate: t
        row: [1]
        error: duplicate-key
      - op: insert
        conglomerate: t
        row: [2]`, fail: "must be last"},
		{s: `
transactions:
  - steps:
      - op: insert
        conglomerate: t
        row: [[1, 2]]`, fail: "unsupported value"},
		{s: `
transactions:
  - steps:
      - op: delete-key
        conglomerate: t
        row: [1]
        error: row-not-found`},
	}

	for _, c := range cases {
		_, err := plan.Parse([]byte(c.s))
		if c.fail == "" {
			if err != nil {
				t.Errorf("Parse(%q) failed with %s", c.s, err)
			}
		} else if err == nil {
			t.Errorf("Parse(%q) did not fail", c.s)
		} else if !strings.Contains(err.Error(), c.fail) {
			t.Errorf("Parse(%q) got %s want %s", c.s, err, c.fail)
		}
	}
}
