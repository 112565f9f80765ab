package vfs

import (
	"errors"
	"os"
	"path"
	"sort"
	"sync"

	"github.com/dsnet/golib/memfile"
)

var errCrashed = errors.New("vfs: file invalidated by crash")

// MemFS is an in memory file system which models what survives a crash: only data that
// was synced. Creating, removing and renaming files are durable immediately.
type MemFS struct {
	mu    sync.Mutex
	gen   int
	nodes map[string]*memNode
	dirs  map[string]struct{}
}

type memNode struct {
	mu      sync.Mutex
	data    *memfile.File
	durable []byte
}

type memFile struct {
	fs   *MemFS
	gen  int
	node *memNode
}

func NewMemFS() *MemFS {
	return &MemFS{
		nodes: map[string]*memNode{},
		dirs:  map[string]struct{}{".": {}, "/": {}},
	}
}

func clean(name string) string {
	return path.Clean(name)
}

func (fs *MemFS) OpenFile(name string, create bool) (File, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	nd, ok := fs.nodes[name]
	if !ok {
		if !create {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		if _, ok := fs.dirs[path.Dir(name)]; !ok {
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrNotExist}
		}
		nd = &memNode{
			data:    memfile.New(nil),
			durable: []byte{},
		}
		fs.nodes[name] = nd
	}
	return &memFile{fs: fs, gen: fs.gen, node: nd}, nil
}

func (fs *MemFS) Remove(name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	if _, ok := fs.nodes[name]; !ok {
		return &os.PathError{Op: "remove", Path: name, Err: os.ErrNotExist}
	}
	delete(fs.nodes, name)
	return nil
}

func (fs *MemFS) Rename(oldname, newname string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	oldname = clean(oldname)
	nd, ok := fs.nodes[oldname]
	if !ok {
		return &os.LinkError{Op: "rename", Old: oldname, New: newname, Err: os.ErrNotExist}
	}
	delete(fs.nodes, oldname)
	fs.nodes[clean(newname)] = nd
	return nil
}

func (fs *MemFS) MkdirAll(dir string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for dir = clean(dir); ; dir = path.Dir(dir) {
		fs.dirs[dir] = struct{}{}
		if dir == "." || dir == "/" {
			break
		}
	}
	return nil
}

func (fs *MemFS) List(dir string) ([]string, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	dir = clean(dir)
	if _, ok := fs.dirs[dir]; !ok {
		return nil, &os.PathError{Op: "open", Path: dir, Err: os.ErrNotExist}
	}

	m := map[string]struct{}{}
	add := func(name string) {
		if name != dir && path.Dir(name) == dir {
			m[path.Base(name)] = struct{}{}
		}
	}
	for name := range fs.nodes {
		add(name)
	}
	for name := range fs.dirs {
		add(name)
	}

	var names []string
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (fs *MemFS) Exists(name string) (bool, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	name = clean(name)
	if _, ok := fs.nodes[name]; ok {
		return true, nil
	}
	_, ok := fs.dirs[name]
	return ok, nil
}

// Crash throws away everything that was written but not synced. Files opened before the
// crash return errors from then on.
func (fs *MemFS) Crash() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.gen += 1
	for name, nd := range fs.nodes {
		nd.mu.Lock()
		fs.nodes[name] = &memNode{
			data:    memfile.New(append([]byte{}, nd.durable...)),
			durable: nd.durable,
		}
		nd.mu.Unlock()
	}
}

// Files returns the names of all files, for tests.
func (fs *MemFS) Files() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var names []string
	for name := range fs.nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (mf *memFile) valid() bool {
	mf.fs.mu.Lock()
	defer mf.fs.mu.Unlock()
	return mf.gen == mf.fs.gen
}

func (mf *memFile) ReadAt(b []byte, off int64) (int, error) {
	if !mf.valid() {
		return 0, errCrashed
	}
	mf.node.mu.Lock()
	defer mf.node.mu.Unlock()
	return mf.node.data.ReadAt(b, off)
}

func (mf *memFile) WriteAt(b []byte, off int64) (int, error) {
	if !mf.valid() {
		return 0, errCrashed
	}
	mf.node.mu.Lock()
	defer mf.node.mu.Unlock()
	return mf.node.data.WriteAt(b, off)
}

func (mf *memFile) Sync() error {
	if !mf.valid() {
		return errCrashed
	}
	mf.node.mu.Lock()
	defer mf.node.mu.Unlock()
	mf.node.durable = append([]byte{}, mf.node.data.Bytes()...)
	return nil
}

func (mf *memFile) Truncate(size int64) error {
	if !mf.valid() {
		return errCrashed
	}
	mf.node.mu.Lock()
	defer mf.node.mu.Unlock()
	return mf.node.data.Truncate(size)
}

func (mf *memFile) Size() (int64, error) {
	if !mf.valid() {
		return 0, errCrashed
	}
	mf.node.mu.Lock()
	defer mf.node.mu.Unlock()
	return int64(len(mf.node.data.Bytes())), nil
}

func (mf *memFile) Close() error {
	return nil
}

