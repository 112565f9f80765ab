package btree

import (
	"bytes"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/storage/buffer"
	"github.com/leftmike/coredb/storage/page"
)

// smoImages collects the new contents of the pages changed by a structure modification,
// which are logged together as a single record.
type smoImages struct {
	frames []*buffer.Frame
	images []page.Page
}

func (si *smoImages) stage(f *buffer.Frame, typ page.Type, lvl int, right uint32,
	ents [][]byte) error {

	img := f.Page().Copy()
	err := writeNode(img, typ, lvl, right, ents)
	if err != nil {
		return err
	}
	si.frames = append(si.frames, f)
	si.images = append(si.images, img)
	return nil
}

func (t *Tree) newPage(lp *latchedPath, typ page.Type, lvl int) (*buffer.Frame, error) {
	f, err := t.env.NewPage(t.id, typ, uint64(lvl))
	if err != nil {
		return nil, err
	}
	lp.added = append(lp.added, f)
	return f, nil
}

// split splits the full leaf at the end of lp, and as many of its ancestors as are needed
// to hold the new separators. It returns the half of the leaf which covers key; lp must be
// released by the caller.
func (t *Tree) split(lp *latchedPath, key []byte) (*buffer.Frame, error) {
	var (
		si       smoImages
		target   *buffer.Frame
		sep      []byte
		newChild uint32
	)

	for i := len(lp.frames) - 1; i >= 0; i-- {
		f := lp.frames[i]
		pg := f.Page()
		typ := pg.Type()
		lvl := level(pg)
		ents := entries(pg)

		if typ == page.Internal {
			pos := childIndex(pg, sep) + 1
			ents = insertEntry(ents, pos, makeChild(sep, newChild))
			if entriesSize(ents) <= pg.Usable() {
				err := si.stage(f, typ, lvl, rightSibling(pg), ents)
				if err != nil {
					return nil, err
				}
				break
			}
		}

		mid := splitPoint(ents)
		sepKey := append([]byte(nil), entryKey(ents[mid])...)
		left := ents[:mid]
		right := ents[mid:]
		if typ == page.Internal {
			// The separator moves up; the first child of the right half covers every key
			// below the next separator.
			right = append([][]byte{makeChild(nil, entryChild(ents[mid]))}, ents[mid+1:]...)
		}

		if i == 0 {
			// The root stays at the same page: its entries move to two new pages and it
			// becomes an internal node one level higher.
			lf, err := t.newPage(lp, typ, lvl)
			if err != nil {
				return nil, err
			}
			rf, err := t.newPage(lp, typ, lvl)
			if err != nil {
				return nil, err
			}
			err = si.stage(lf, typ, lvl, rf.ID().Number, left)
			if err != nil {
				return nil, err
			}
			err = si.stage(rf, typ, lvl, 0, right)
			if err != nil {
				return nil, err
			}
			err = si.stage(f, page.Internal, lvl+1, 0,
				[][]byte{makeChild(nil, lf.ID().Number), makeChild(sepKey, rf.ID().Number)})
			if err != nil {
				return nil, err
			}
			if typ == page.Leaf {
				target = lf
				if bytes.Compare(key, sepKey) >= 0 {
					target = rf
				}
			}
			log.WithFields(log.Fields{"btree": t.id, "level": lvl + 1}).Debug("root split")
			break
		}

		rf, err := t.newPage(lp, typ, lvl)
		if err != nil {
			return nil, err
		}
		err = si.stage(rf, typ, lvl, rightSibling(pg), right)
		if err != nil {
			return nil, err
		}
		err = si.stage(f, typ, lvl, rf.ID().Number, left)
		if err != nil {
			return nil, err
		}
		if typ == page.Leaf {
			target = f
			if bytes.Compare(key, sepKey) >= 0 {
				target = rf
			}
		}
		sep = sepKey
		newChild = rf.ID().Number
	}

	err := t.env.LogImages(si.frames, si.images)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"btree": t.id, "pages": len(si.frames)}).Debug("split")
	return target, nil
}

// merge combines the under-full leaf covering key with a sibling under the same parent if
// their entries fit in one page. A root left with a single child takes over the contents of
// that child.
func (t *Tree) merge(key []byte) error {
	t.smo.Lock()
	defer t.smo.Unlock()

	lp, err := t.descendPath(key)
	if err != nil {
		return err
	}
	defer lp.release()

	n := len(lp.frames)
	if n == 1 {
		return nil
	}
	leaf := lp.leaf()
	if used(leaf.Page()) >= leaf.Page().Usable()/4 {
		return nil
	}
	parent := lp.frames[n-2]
	ppg := parent.Page()
	idx := childIndex(ppg, key)

	var li, ri int
	if idx+1 < ppg.NumSlots() {
		li, ri = idx, idx+1
	} else if idx > 0 {
		li, ri = idx-1, idx
	} else {
		return nil
	}

	sibling := func(slot int) (*buffer.Frame, error) {
		if slot == idx {
			return leaf, nil
		}
		f, err := t.fetch(entryChild(ppg.Slot(slot)), buffer.Exclusive)
		if err != nil {
			return nil, err
		}
		lp.added = append(lp.added, f)
		return f, nil
	}
	lf, err := sibling(li)
	if err != nil {
		return err
	}
	rf, err := sibling(ri)
	if err != nil {
		return err
	}
	lpg, rpg := lf.Page(), rf.Page()
	if lpg.Type() != page.Leaf || rpg.Type() != page.Leaf {
		return t.corrupt(parent, "children are not leaves")
	}
	ents := append(entries(lpg), entries(rpg)...)
	if entriesSize(ents) > lpg.Usable() {
		return nil
	}

	var si smoImages
	pents := entries(ppg)
	pents = append(pents[:ri], pents[ri+1:]...)
	err = si.stage(rf, page.Free, 0, 0, nil)
	if err != nil {
		return err
	}
	if n == 2 && len(pents) == 1 {
		// Collapse the root into a leaf.
		err = si.stage(lf, page.Free, 0, 0, nil)
		if err != nil {
			return err
		}
		err = si.stage(parent, page.Leaf, 0, 0, ents)
	} else {
		err = si.stage(lf, page.Leaf, 0, rightSibling(rpg), ents)
		if err != nil {
			return err
		}
		err = si.stage(parent, page.Internal, level(ppg), rightSibling(ppg), pents)
	}
	if err != nil {
		return err
	}

	err = t.env.LogImages(si.frames, si.images)
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{"btree": t.id, "pages": len(si.frames)}).Debug("merge")
	return nil
}
