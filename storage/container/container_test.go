package container_test

import (
	"errors"
	"testing"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
)

const pageSize = 4096

func TestContainer(t *testing.T) {
	fs := vfs.NewMemFS()
	fs.MkdirAll("seg0")

	c, err := container.Create(fs, "seg0", 7, pageSize, 2, []byte("meta"))
	if err != nil {
		t.Fatalf("Create() failed with %s", err)
	}
	if c.PageCount() != 1 {
		t.Errorf("PageCount() got %d want 1", c.PageCount())
	}

	for want := uint32(1); want <= 3; want++ {
		num, err := c.Allocate()
		if err != nil {
			t.Fatalf("Allocate() failed with %s", err)
		}
		if num != want {
			t.Errorf("Allocate() got %d want %d", num, want)
		}
	}

	pg := make(page.Page, pageSize)
	pg.Format(page.Heap)
	pg.SetLSN(99)
	pg.SetSlot(0, []byte("hello"))
	err = c.WritePage(2, pg.Copy())
	if err != nil {
		t.Fatalf("WritePage() failed with %s", err)
	}
	c.Note(2, pg)

	pg.Format(page.Free)
	c.Note(3, pg)

	buf := make(page.Page, pageSize)
	err = c.ReadPage(1, buf)
	if err != nil || buf.Type() != page.Unformatted {
		t.Errorf("ReadPage(1) got %s, %v want unformatted", buf.Type(), err)
	}

	err = c.Close()
	if err != nil {
		t.Fatalf("Close() failed with %s", err)
	}

	c, err = container.Open(fs, "seg0", 7, pageSize)
	if err != nil {
		t.Fatalf("Open() failed with %s", err)
	}
	if c.Kind() != 2 || string(c.Meta()) != "meta" || c.PageCount() != 4 {
		t.Errorf("Open() got kind %d, meta %q, %d pages", c.Kind(), c.Meta(), c.PageCount())
	}
	err = c.ReadPage(2, buf)
	if err != nil {
		t.Fatalf("ReadPage(2) failed with %s", err)
	}
	if buf.LSN() != 99 || string(buf.Slot(0)) != "hello" {
		t.Errorf("ReadPage(2) got LSN %d, slot %q", buf.LSN(), buf.Slot(0))
	}
	if num := c.FindSpace(4000, 1); num != 2 {
		t.Errorf("FindSpace(4000) got %d want 2", num)
	}
	if num := c.FindSpace(4090, 1); num != 0 {
		t.Errorf("FindSpace(4090) got %d want 0", num)
	}
	if !c.IsFree(3) || c.IsFree(2) {
		t.Errorf("IsFree() got wrong answer")
	}
	num, err := c.Allocate()
	if err != nil || num != 3 {
		t.Errorf("Allocate() got %d, %v want free page 3", num, err)
	}
	c.Close()
}

func TestCorruptPage(t *testing.T) {
	fs := vfs.NewMemFS()
	fs.MkdirAll("seg0")

	c, err := container.Create(fs, "seg0", 1, pageSize, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	num, _ := c.Allocate()
	pg := make(page.Page, pageSize)
	pg.Format(page.Heap)
	pg.SetSlot(0, []byte("row"))
	c.WritePage(num, pg.Copy())
	c.Close()

	f, err := fs.OpenFile(container.FileName("seg0", 1), false)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteAt([]byte{0xFF}, int64(num)*pageSize+100)

	c, err = container.Open(fs, "seg0", 1, pageSize)
	if err != nil {
		t.Fatal(err)
	}
	err = c.ReadPage(num, pg)
	if !errors.Is(err, dberr.ErrPageCorrupt) {
		t.Errorf("ReadPage(corrupt) got %v want %v", err, dberr.ErrPageCorrupt)
	}
	if c.Halted() == nil {
		t.Errorf("Halted() got nil after corruption")
	}
	_, err = c.Allocate()
	if !dberr.IsFatal(err) {
		t.Errorf("Allocate() on halted container got %v", err)
	}
}

func TestContainerFull(t *testing.T) {
	fs := vfs.NewMemFS()
	fs.MkdirAll("seg0")

	c, err := container.Create(fs, "seg0", 1, pageSize, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	for n := 1; n < container.MaxPages(pageSize); n++ {
		_, err = c.Allocate()
		if err != nil {
			t.Fatalf("Allocate() of page %d failed with %s", n, err)
		}
	}
	_, err = c.Allocate()
	if !errors.Is(err, dberr.ErrContainerFull) || dberr.ClassOf(err) != dberr.Resource {
		t.Errorf("Allocate() got %v want %v", err, dberr.ErrContainerFull)
	}
}

func TestSet(t *testing.T) {
	fs := vfs.NewMemFS()
	fs.MkdirAll("seg0")

	set := container.NewSet(fs, "seg0", pageSize)
	c, err := set.Create(3, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	num, _ := c.Allocate()
	id := page.ID{Container: 3, Number: num}

	pg := make(page.Page, pageSize)
	pg.Format(page.Heap)
	err = set.WritePage(id, pg.Copy())
	if err != nil {
		t.Fatal(err)
	}
	err = set.SyncAll()
	if err != nil {
		t.Fatal(err)
	}

	c2, err := set.Create(3, 1, nil)
	if err != nil || c2 != c {
		t.Errorf("Create() of existing container got %v, %v", c2, err)
	}
	_, err = set.Create(0x1234, 2, []byte("meta"))
	if err != nil {
		t.Fatal(err)
	}
	ids, err := set.List()
	if err != nil {
		t.Fatalf("List() failed with %s", err)
	}
	if len(ids) != 2 || ids[0] != 3 || ids[1] != 0x1234 {
		t.Errorf("List() got %v want [3 4660]", ids)
	}

	err = set.Drop(3)
	if err != nil {
		t.Fatalf("Drop() failed with %s", err)
	}
	ok, _ := set.Exists(3)
	if ok {
		t.Errorf("Exists() after Drop got true")
	}
	err = set.Drop(3)
	if err != nil {
		t.Errorf("Drop() of a dropped container failed with %s", err)
	}
}
