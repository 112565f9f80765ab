package row_test

import (
	"bytes"
	"math"
	"testing"

	"github.com/leftmike/coredb/row"
	"github.com/leftmike/coredb/testutil"
)

func TestEncodeDecode(t *testing.T) {
	cases := []row.Row{
		{},
		{nil},
		{row.Int64Value(1), nil, row.StringValue("abc")},
		{row.BoolValue(true), row.BoolValue(false), row.Float64Value(-1.5),
			row.BytesValue{0, 1, 2}},
		{nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil, nil,
			row.Int64Value(-12345)},
	}

	for _, c := range cases {
		r := row.Decode(row.Encode(c))
		var trc string
		if !testutil.DeepEqual(r, c, &trc) {
			t.Errorf("Decode(Encode(%v)) got %v want %v\n%s", c, r, c, trc)
		}
	}

	for _, buf := range [][]byte{{}, {2, 0x22}, {1, 0x1F}, {1, 0x04, 10, 'a'}} {
		if r := row.Decode(buf); r != nil {
			t.Errorf("Decode(%v) got %v want nil", buf, r)
		}
	}
}

func TestKeyOrder(t *testing.T) {
	vals := []row.Value{
		nil,
		row.BoolValue(false),
		row.BoolValue(true),
		row.Int64Value(math.MinInt64),
		row.Int64Value(-1),
		row.Int64Value(0),
		row.Int64Value(1),
		row.Int64Value(math.MaxInt64),
		row.StringValue(""),
		row.StringValue("\x00"),
		row.StringValue("\x00\x01"),
		row.StringValue("a"),
		row.StringValue("ab"),
		row.StringValue("b"),
		row.BytesValue{},
		row.BytesValue{0},
		row.BytesValue{1, 0},
		row.BytesValue{255},
	}

	for i := 1; i < len(vals); i++ {
		k1 := row.MakeKey(row.Row{vals[i-1]})
		k2 := row.MakeKey(row.Row{vals[i]})
		if bytes.Compare(k1, k2) >= 0 {
			t.Errorf("MakeKey(%v) >= MakeKey(%v)", vals[i-1], vals[i])
		}
		if row.Compare(vals[i-1], vals[i]) >= 0 {
			t.Errorf("Compare(%v, %v) >= 0", vals[i-1], vals[i])
		}
	}

	floats := []float64{math.Inf(-1), -100.5, -1, 0, 0.25, 1, 1e300, math.Inf(1)}
	for i := 1; i < len(floats); i++ {
		k1 := row.MakeKey(row.Row{row.Float64Value(floats[i-1])})
		k2 := row.MakeKey(row.Row{row.Float64Value(floats[i])})
		if bytes.Compare(k1, k2) >= 0 {
			t.Errorf("MakeKey(%v) >= MakeKey(%v)", floats[i-1], floats[i])
		}
	}

	k1 := row.MakeKey(row.Row{row.StringValue("a"), row.Int64Value(9)})
	k2 := row.MakeKey(row.Row{row.StringValue("ab"), row.Int64Value(1)})
	if bytes.Compare(k1, k2) >= 0 {
		t.Errorf("multi column key ('a', 9) >= ('ab', 1)")
	}
}

func TestQualifier(t *testing.T) {
	r := row.Row{row.Int64Value(10), nil, row.StringValue("m")}
	cases := []struct {
		q row.Qualifier
		b bool
	}{
		{row.Qualifier{Column: 0, Op: row.EQ, Value: row.Int64Value(10)}, true},
		{row.Qualifier{Column: 0, Op: row.EQ, Value: row.Int64Value(10), Negate: true}, false},
		{row.Qualifier{Column: 0, Op: row.LT, Value: row.Float64Value(10.5)}, true},
		{row.Qualifier{Column: 0, Op: row.GE, Value: row.Int64Value(11)}, false},
		{row.Qualifier{Column: 1, Op: row.EQ, Value: row.Int64Value(1)}, false},
		{row.Qualifier{Column: 1, Op: row.EQ, Value: row.Int64Value(1), Negate: true}, false},
		{row.Qualifier{Column: 2, Op: row.GT, Value: row.StringValue("a")}, true},
		{row.Qualifier{Column: 2, Op: row.NE, Value: row.StringValue("m")}, false},
		{row.Qualifier{Column: 5, Op: row.EQ, Value: row.Int64Value(1)}, false},
	}

	for _, c := range cases {
		if b := c.q.Match(r); b != c.b {
			t.Errorf("%s.Match(%s) got %v want %v", c.q, r, b, c.b)
		}
	}

	if !row.Qualify(nil, r) {
		t.Errorf("Qualify(nil, %s) got false want true", r)
	}
}
