package dberr_test

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/leftmike/coredb/dberr"
)

func TestClassOf(t *testing.T) {
	cases := []struct {
		err       error
		cls       dberr.Class
		retryable bool
		fatal     bool
	}{
		{err: dberr.ErrDeadlock, cls: dberr.Contention, retryable: true},
		{err: dberr.ErrLockTimeout, cls: dberr.Contention, retryable: true},
		{err: dberr.ErrLogFull, cls: dberr.Resource},
		{err: dberr.ErrPageCorrupt, cls: dberr.Corruption, fatal: true},
		{err: dberr.ErrRowNotFound, cls: dberr.Logic},
		{err: fmt.Errorf("heap: fetch: %w", dberr.ErrDeadlock), cls: dberr.Contention,
			retryable: true},
		{err: dberr.Wrap("wal: flush", dberr.ErrLogFull), cls: dberr.Resource},
		{err: dberr.Wrap("wal: flush", io.ErrUnexpectedEOF), cls: dberr.Unknown},
		{err: dberr.New(dberr.Corruption, "wal", "bad crc at %d", 10), cls: dberr.Corruption,
			fatal: true},
		{err: io.EOF, cls: dberr.Unknown},
	}

	for _, c := range cases {
		if cls := dberr.ClassOf(c.err); cls != c.cls {
			t.Errorf("ClassOf(%v) got %s want %s", c.err, cls, c.cls)
		}
		if r := dberr.IsRetryable(c.err); r != c.retryable {
			t.Errorf("IsRetryable(%v) got %v want %v", c.err, r, c.retryable)
		}
		if f := dberr.IsFatal(c.err); f != c.fatal {
			t.Errorf("IsFatal(%v) got %v want %v", c.err, f, c.fatal)
		}
	}
}

func TestWrap(t *testing.T) {
	err := dberr.Wrap("heap: insert", dberr.ErrContainerFull)
	if !errors.Is(err, dberr.ErrContainerFull) {
		t.Errorf("errors.Is(%v, ErrContainerFull) got false want true", err)
	}
	if s := err.Error(); s != "heap: insert: container full" {
		t.Errorf("Error() got %q want %q", s, "heap: insert: container full")
	}
	if dberr.Wrap("op", nil) != nil {
		t.Errorf("Wrap(op, nil) got non-nil want nil")
	}
}
