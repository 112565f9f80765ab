// Package plan describes storage operations to run against a database: a plan is a list of
// transactions, each a list of steps. Plans are usually loaded from YAML files.
package plan

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/storage/access"
)

type Op string

const (
	Insert    Op = "insert"
	Fetch     Op = "fetch"
	Update    Op = "update"
	Delete    Op = "delete"
	DeleteKey Op = "delete-key"
	Scan      Op = "scan"
	// Index adds the key in row and the location in a register to an index of a heap;
	// lookup finds a key in such an index and fetches the heap row it locates.
	Index     Op = "index"
	Lookup    Op = "lookup"
	Savepoint Op = "savepoint"
	Rollback  Op = "rollback"
	Release   Op = "release"
)

// Errors are the names a step may use for the error it expects.
var Errors = map[string]error{
	"row-not-found":  dberr.ErrRowNotFound,
	"duplicate-key":  dberr.ErrDuplicateKey,
	"not-supported":  dberr.ErrNotSupported,
	"key-too-large":  dberr.ErrKeyTooLarge,
	"row-too-large":  dberr.ErrRowTooLarge,
	"lock-timeout":   dberr.ErrLockTimeout,
	"deadlock":       dberr.ErrDeadlock,
	"bad-savepoint":  dberr.ErrBadSavepoint,
	"container-full": dberr.ErrContainerFull,
	"closed":         dberr.ErrClosed,
}

type Qualifier struct {
	Column int         `yaml:"column"`
	Op     string      `yaml:"op"`
	Value  interface{} `yaml:"value"`
	Not    bool        `yaml:"not,omitempty"`
}

type Step struct {
	Op           Op            `yaml:"op"`
	Conglomerate string        `yaml:"conglomerate,omitempty"`
	Row          []interface{} `yaml:"row,omitempty"`
	// Location names a register holding a row location: insert and lookup set it, and
	// fetch, update, delete and index use it. Registers are shared by all the transactions
	// of a plan.
	Location  string `yaml:"location,omitempty"`
	Savepoint string `yaml:"savepoint,omitempty"`

	Start          []interface{} `yaml:"start,omitempty"`
	StartExclusive bool          `yaml:"start_exclusive,omitempty"`
	End            []interface{} `yaml:"end,omitempty"`
	EndExclusive   bool          `yaml:"end_exclusive,omitempty"`
	Where          []Qualifier   `yaml:"where,omitempty"`
	ForUpdate      bool          `yaml:"for_update,omitempty"`

	// Want is the row a fetch or lookup must return; WantRows are the rows a scan must return.
	Want     []interface{}   `yaml:"want,omitempty"`
	WantRows [][]interface{} `yaml:"want_rows,omitempty"`
	Count    *int            `yaml:"count,omitempty"`
	// Error is the name of the error the step must fail with; the transaction is doomed
	// by the failure, so it must be the last step and the transaction is aborted.
	Error string `yaml:"error,omitempty"`
}

type Transaction struct {
	Isolation string `yaml:"isolation,omitempty"`
	// Abort rolls the transaction back after its steps instead of committing it.
	Abort bool   `yaml:"abort,omitempty"`
	Steps []Step `yaml:"steps"`
}

type Plan struct {
	Name         string        `yaml:"name,omitempty"`
	Transactions []Transaction `yaml:"transactions"`
}

func Parse(b []byte) (*Plan, error) {
	var p Plan
	err := yaml.Unmarshal(b, &p)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	err = p.Validate()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func Load(name string) (*Plan, error) {
	b, err := os.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}
	p, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

func (p *Plan) Validate() error {
	if len(p.Transactions) == 0 {
		return fmt.Errorf("plan: no transactions")
	}
	for tdx, tx := range p.Transactions {
		_, err := access.ParseIsolation(tx.Isolation)
		if err != nil {
			return fmt.Errorf("plan: transaction %d: %w", tdx+1, err)
		}
		for sdx, s := range tx.Steps {
			err := s.validate()
			if err == nil && s.Error != "" && sdx != len(tx.Steps)-1 {
				err = fmt.Errorf("step expecting an error must be last")
			}
			if err != nil {
				return fmt.Errorf("plan: transaction %d: step %d: %w", tdx+1, sdx+1, err)
			}
		}
	}
	return nil
}

func (s Step) validate() error {
	need := func(what string, ok bool) error {
		if !ok {
			return fmt.Errorf("%s: missing %s", s.Op, what)
		}
		return nil
	}

	var err error
	switch s.Op {
	case Insert, DeleteKey:
		err = need("conglomerate", s.Conglomerate != "")
		if err == nil {
			err = need("row", len(s.Row) > 0)
		}
	case Fetch, Delete:
		err = need("conglomerate", s.Conglomerate != "")
		if err == nil {
			err = need("location", s.Location != "")
		}
	case Index:
		err = need("conglomerate", s.Conglomerate != "")
		if err == nil {
			err = need("row", len(s.Row) > 0)
		}
		if err == nil {
			err = need("location", s.Location != "")
		}
	case Lookup:
		err = need("conglomerate", s.Conglomerate != "")
		if err == nil {
			err = need("row", len(s.Row) > 0)
		}
	case Update:
		err = need("conglomerate", s.Conglomerate != "")
		if err == nil {
			err = need("location", s.Location != "")
		}
		if err == nil {
			err = need("row", len(s.Row) > 0)
		}
	case Scan:
		err = need("conglomerate", s.Conglomerate != "")
		for _, q := range s.Where {
			if err == nil {
				_, err = q.Qualifier()
			}
		}
	case Savepoint, Rollback, Release:
		err = need("savepoint", s.Savepoint != "")
	default:
		err = fmt.Errorf("unknown op: %q", s.Op)
	}
	if err != nil {
		return err
	}

	for _, vals := range append([][]interface{}{s.Row, s.Start, s.End, s.Want}, s.WantRows...) {
		_, err := Values(vals)
		if err != nil {
			return err
		}
	}
	if s.Error != "" {
		if _, ok := Errors[s.Error]; !ok {
			return fmt.Errorf("unknown error: %q", s.Error)
		}
	}
	return nil
}

// Value converts a value decoded from YAML into a column value.
func Value(v interface{}) (row.Value, error) {
	switch v := v.(type) {
	case nil:
		return nil, nil
	case bool:
		return row.BoolValue(v), nil
	case int:
		return row.Int64Value(v), nil
	case int64:
		return row.Int64Value(v), nil
	case uint64:
		return row.Int64Value(int64(v)), nil
	case float64:
		return row.Float64Value(v), nil
	case string:
		return row.StringValue(v), nil
	}
	return nil, fmt.Errorf("unsupported value: %v (%T)", v, v)
}

// Values converts a list of values decoded from YAML into a row; nil stays nil.
func Values(vals []interface{}) (row.Row, error) {
	if vals == nil {
		return nil, nil
	}
	r := make(row.Row, 0, len(vals))
	for _, v := range vals {
		val, err := Value(v)
		if err != nil {
			return nil, err
		}
		r = append(r, val)
	}
	return r, nil
}

var qualifierOps = map[string]row.Op{
	"=":  row.EQ,
	"==": row.EQ,
	"!=": row.NE,
	"<>": row.NE,
	"<":  row.LT,
	"<=": row.LE,
	">":  row.GT,
	">=": row.GE,
}

func (q Qualifier) Qualifier() (row.Qualifier, error) {
	op, ok := qualifierOps[strings.TrimSpace(q.Op)]
	if !ok {
		return row.Qualifier{}, fmt.Errorf("unknown comparison: %q", q.Op)
	}
	if q.Column < 0 {
		return row.Qualifier{}, fmt.Errorf("bad column: %d", q.Column)
	}
	val, err := Value(q.Value)
	if err != nil {
		return row.Qualifier{}, err
	}
	return row.Qualifier{
		Column: q.Column,
		Op:     op,
		Value:  val,
		Negate: q.Not,
	}, nil
}

// Range returns the scan range of a scan step.
func (s Step) Range() (access.ScanRange, error) {
	var rng access.ScanRange
	var err error
	rng.Start, err = Values(s.Start)
	if err != nil {
		return rng, err
	}
	rng.End, err = Values(s.End)
	if err != nil {
		return rng, err
	}
	rng.StartExclusive = s.StartExclusive
	rng.EndExclusive = s.EndExclusive
	rng.ForUpdate = s.ForUpdate
	for _, q := range s.Where {
		qual, err := q.Qualifier()
		if err != nil {
			return rng, err
		}
		rng.Qualifiers = append(rng.Qualifiers, qual)
	}
	return rng, nil
}
