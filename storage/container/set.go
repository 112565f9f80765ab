package container

import (
	"fmt"
	"os"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
)

// Set is the collection of open containers of one database; it reads and writes pages for
// the buffer pool.
type Set struct {
	fs       vfs.FS
	dir      string
	pageSize int

	mutex      sync.Mutex
	containers map[uint32]*Container
}

func NewSet(fs vfs.FS, dir string, pageSize int) *Set {
	return &Set{
		fs:         fs,
		dir:        dir,
		pageSize:   pageSize,
		containers: map[uint32]*Container{},
	}
}

func (set *Set) PageSize() int {
	return set.pageSize
}

// Get returns the container with id, opening it if necessary.
func (set *Set) Get(id uint32) (*Container, error) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	if c, ok := set.containers[id]; ok {
		return c, nil
	}
	c, err := Open(set.fs, set.dir, id, set.pageSize)
	if err != nil {
		return nil, err
	}
	set.containers[id] = c
	return c, nil
}

// Exists reports whether the file for container id exists.
func (set *Set) Exists(id uint32) (bool, error) {
	set.mutex.Lock()
	_, ok := set.containers[id]
	set.mutex.Unlock()
	if ok {
		return true, nil
	}
	return set.fs.Exists(FileName(set.dir, id))
}

// Create makes a new container; if its file already exists, as it may when redo repeats
// a create, the existing container is returned.
func (set *Set) Create(id uint32, kind byte, meta []byte) (*Container, error) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	if c, ok := set.containers[id]; ok {
		return c, nil
	}
	c, err := Open(set.fs, set.dir, id, set.pageSize)
	if err == nil {
		set.containers[id] = c
		return c, nil
	}
	c, err = Create(set.fs, set.dir, id, set.pageSize, kind, meta)
	if err != nil {
		return nil, err
	}
	set.containers[id] = c
	return c, nil
}

// Drop closes and removes container id; a missing container is not an error.
func (set *Set) Drop(id uint32) error {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	if c, ok := set.containers[id]; ok {
		c.file.Close()
		delete(set.containers, id)
	}
	err := set.fs.Remove(FileName(set.dir, id))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("container: drop %d: %w", id, err)
	}
	log.WithField("container", id).Debug("container dropped")
	return nil
}

func (set *Set) ReadPage(id page.ID, buf page.Page) error {
	c, err := set.Get(id.Container)
	if err != nil {
		return err
	}
	return c.ReadPage(id.Number, buf)
}

func (set *Set) WritePage(id page.ID, buf page.Page) error {
	c, err := set.Get(id.Container)
	if err != nil {
		return err
	}
	return c.WritePage(id.Number, buf)
}

// Note records the state of page id in its container's free-space map.
func (set *Set) Note(id page.ID, pg page.Page) {
	c, err := set.Get(id.Container)
	if err == nil {
		c.Note(id.Number, pg)
	}
}

// List returns the ids of the containers with files in the data directory.
func (set *Set) List() ([]uint32, error) {
	names, err := set.fs.List(set.dir)
	if err != nil {
		return nil, fmt.Errorf("container: list: %w", err)
	}
	var ids []uint32
	for _, name := range names {
		var id uint32
		if len(name) != 13 {
			continue
		}
		_, err := fmt.Sscanf(name, "c%08x.dat", &id)
		if err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (set *Set) open() []*Container {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	cs := make([]*Container, 0, len(set.containers))
	for _, c := range set.containers {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool {
		return cs[i].id < cs[j].id
	})
	return cs
}

// SyncAll writes every container header and syncs every container file.
func (set *Set) SyncAll() error {
	for _, c := range set.open() {
		err := c.Sync()
		if err != nil {
			return err
		}
	}
	return nil
}

// Halted returns the first halted container's error.
func (set *Set) Halted() error {
	for _, c := range set.open() {
		if err := c.Halted(); err != nil {
			return err
		}
	}
	return nil
}

func (set *Set) CloseAll() error {
	var err error
	for _, c := range set.open() {
		cerr := c.Close()
		if cerr != nil && err == nil && dberr.ClassOf(cerr) != dberr.Corruption {
			err = cerr
		}
	}

	set.mutex.Lock()
	set.containers = map[uint32]*Container{}
	set.mutex.Unlock()
	return err
}
