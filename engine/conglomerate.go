package engine

import (
	"context"
	"fmt"

	"github.com/leftmike/coredb/catalog"
	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/lock"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/btree"
	"github.com/leftmike/coredb/storage/heap"
)

// openID returns the conglomerate stored in container id, opening it if necessary.
func (e *Engine) openID(id uint32) (access.Conglomerate, error) {
	e.mutex.Lock()
	c, ok := e.conglomerates[id]
	e.mutex.Unlock()
	if ok {
		return c, nil
	}

	ent, err := e.cat.ByID(id)
	if err != nil {
		return nil, err
	}
	return e.openEntry(ent)
}

func (e *Engine) openEntry(ent catalog.Entry) (access.Conglomerate, error) {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	if c, ok := e.conglomerates[ent.ID]; ok {
		return c, nil
	}

	var c access.Conglomerate
	var err error
	switch ent.Kind {
	case access.HeapKind:
		c, err = heap.Open(e.env, ent.ID)
	case access.BTreeKind:
		c, err = btree.Open(e.env, ent.ID)
	default:
		err = fmt.Errorf("engine: %s: unknown kind", ent)
	}
	if err != nil {
		return nil, err
	}
	e.conglomerates[ent.ID] = c
	return c, nil
}

// ConglomerateID returns the conglomerate stored in container id.
func (e *Engine) ConglomerateID(id uint32) (access.Conglomerate, error) {
	err := e.check("open")
	if err != nil {
		return nil, err
	}
	return e.openID(id)
}

// Conglomerate returns the conglomerate called name.
func (e *Engine) Conglomerate(name string) (access.Conglomerate, error) {
	err := e.check("open")
	if err != nil {
		return nil, err
	}
	ent, err := e.cat.Lookup(name)
	if err != nil {
		return nil, err
	}
	return e.openEntry(ent)
}

func (e *Engine) Heap(name string) (*heap.Heap, error) {
	c, err := e.Conglomerate(name)
	if err != nil {
		return nil, err
	}
	h, ok := c.(*heap.Heap)
	if !ok {
		return nil, fmt.Errorf("engine: %s: not a heap: %s", name, c.Kind())
	}
	return h, nil
}

func (e *Engine) Index(name string) (*btree.Tree, error) {
	c, err := e.Conglomerate(name)
	if err != nil {
		return nil, err
	}
	t, ok := c.(*btree.Tree)
	if !ok {
		return nil, fmt.Errorf("engine: %s: not an index: %s", name, c.Kind())
	}
	return t, nil
}

func (e *Engine) List() ([]catalog.Entry, error) {
	err := e.check("list")
	if err != nil {
		return nil, err
	}
	return e.cat.List()
}

// CreateHeap creates an empty heap called name. Creating and dropping conglomerates is not
// part of any transaction: once it returns, the heap exists.
func (e *Engine) CreateHeap(name string) (*heap.Heap, error) {
	err := e.check("create heap")
	if err != nil {
		return nil, err
	}
	ent, err := e.cat.Create(name, access.HeapKind, nil, nil)
	if err != nil {
		return nil, err
	}
	c, err := e.openEntry(ent)
	if err != nil {
		return nil, err
	}
	return c.(*heap.Heap), nil
}

// CreateIndex creates an empty B-tree called name whose keys are the first keyColumns
// columns of its rows. If base is not empty, it names the heap the tree indexes: each row of
// the tree is a key followed by the location of the heap row with that key.
func (e *Engine) CreateIndex(name string, keyColumns int, unique bool,
	base string) (*btree.Tree, error) {

	err := e.check("create index")
	if err != nil {
		return nil, err
	}
	if keyColumns < 1 {
		return nil, fmt.Errorf("engine: %s: key columns must be at least 1: %d", name,
			keyColumns)
	}

	meta := btree.Meta{KeyColumns: keyColumns, Unique: unique}
	if base != "" {
		bent, err := e.cat.Lookup(base)
		if err != nil {
			return nil, err
		}
		if bent.Kind != access.HeapKind {
			return nil, fmt.Errorf("engine: %s: base %s is not a heap: %s", name, base,
				bent.Kind)
		}
		meta.Base = bent.ID
	}

	var t *btree.Tree
	ent, err := e.cat.Create(name, access.BTreeKind, meta.Encode(),
		func(id uint32) error {
			var err error
			t, err = btree.Create(e.env, id)
			return err
		})
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	e.conglomerates[ent.ID] = t
	e.mutex.Unlock()
	return t, nil
}

// Drop waits until no transaction is using the conglomerate called name, and then drops it.
func (e *Engine) Drop(ctx context.Context, name string) error {
	err := e.check("drop")
	if err != nil {
		return err
	}
	ent, err := e.cat.Lookup(name)
	if err != nil {
		return err
	}

	txn, err := e.txns.Begin(access.Serializable)
	if err != nil {
		return err
	}
	defer txn.Abort()

	err = txn.Lock(ctx, lock.Container(ent.ID), lock.X)
	if err != nil {
		return fmt.Errorf("engine: drop %s: %w", name, err)
	}

	e.mutex.Lock()
	if c, ok := e.conglomerates[ent.ID]; ok {
		c.Close()
		delete(e.conglomerates, ent.ID)
	}
	e.mutex.Unlock()

	_, err = e.cat.Drop(name)
	if err != nil {
		if dberr.IsFatal(err) {
			e.shutdown(err)
		}
		return err
	}
	return nil
}
