// Package container manages container files: fixed size pages addressed by page number,
// with page 0 holding the container header, page count and free-space map.
package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/storage/vfs"
)

const (
	headerMagic   = "coredbc\x00"
	headerVersion = 1

	magicOffset   = page.HeaderSize
	versionOffset = magicOffset + 8
	kindOffset    = versionOffset + 1
	metaLenOffset = kindOffset + 1
	idOffset      = metaLenOffset + 2
	countOffset   = idOffset + 4
	metaOffset    = countOffset + 4
	MaxMetaSize   = 256
	fsmOffset     = metaOffset + MaxMetaSize

	// FreePage marks a page in the free-space map which may be reused.
	FreePage = 0xFF
	// Space categories are in units of pageSize / spaceUnits.
	spaceUnits = 128
)

type Container struct {
	id       uint32
	name     string
	file     vfs.File
	pageSize int

	mutex  sync.Mutex
	kind   byte
	meta   []byte
	count  uint32
	fsm    []byte
	dirty  bool
	halted error
}

func FileName(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("c%08x.dat", id))
}

// MaxPages is the number of pages, including the header page, a container may have.
func MaxPages(pageSize int) int {
	return pageSize - fsmOffset
}

// Create makes a new container file holding only the header page and syncs it.
func Create(fs vfs.FS, dir string, id uint32, pageSize int, kind byte,
	meta []byte) (*Container, error) {

	if len(meta) > MaxMetaSize {
		return nil, fmt.Errorf("container: metadata too large: %d bytes", len(meta))
	}

	name := FileName(dir, id)
	f, err := fs.OpenFile(name, true)
	if err != nil {
		return nil, fmt.Errorf("container: create %s: %w", name, err)
	}
	err = f.Truncate(0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("container: create %s: %w", name, err)
	}

	c := &Container{
		id:       id,
		name:     name,
		file:     f,
		pageSize: pageSize,
		kind:     kind,
		meta:     append([]byte(nil), meta...),
		count:    1,
		fsm:      make([]byte, MaxPages(pageSize)),
		dirty:    true,
	}
	err = c.Sync()
	if err != nil {
		f.Close()
		return nil, err
	}

	log.WithFields(log.Fields{"container": id, "kind": kind}).Debug("container created")
	return c, nil
}

// Open opens an existing container file and loads its header.
func Open(fs vfs.FS, dir string, id uint32, pageSize int) (*Container, error) {
	name := FileName(dir, id)
	f, err := fs.OpenFile(name, false)
	if err != nil {
		return nil, fmt.Errorf("container: open %s: %w", name, err)
	}

	c := &Container{
		id:       id,
		name:     name,
		file:     f,
		pageSize: pageSize,
	}
	hdr := make(page.Page, pageSize)
	err = c.readPage(0, hdr)
	if err == nil {
		err = c.decodeHeader(hdr)
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

func (c *Container) decodeHeader(hdr page.Page) error {
	if hdr.Type() != page.Header || !bytes.Equal(hdr[magicOffset:versionOffset],
		[]byte(headerMagic)) {

		return dberr.New(dberr.Corruption, "container", "%s: bad header", c.name)
	}
	if hdr[versionOffset] != headerVersion {
		return fmt.Errorf("container: %s: unsupported version: %d", c.name,
			hdr[versionOffset])
	}
	if id := binary.BigEndian.Uint32(hdr[idOffset:]); id != c.id {
		return dberr.New(dberr.Corruption, "container", "%s: header has id %d", c.name, id)
	}

	c.kind = hdr[kindOffset]
	metaLen := int(binary.BigEndian.Uint16(hdr[metaLenOffset:]))
	if metaLen > MaxMetaSize {
		return dberr.New(dberr.Corruption, "container", "%s: bad metadata length", c.name)
	}
	c.meta = append([]byte(nil), hdr[metaOffset:metaOffset+metaLen]...)
	c.count = binary.BigEndian.Uint32(hdr[countOffset:])
	if c.count < 1 || int(c.count) > MaxPages(c.pageSize) {
		return dberr.New(dberr.Corruption, "container", "%s: bad page count: %d", c.name,
			c.count)
	}
	c.fsm = append([]byte(nil), hdr[fsmOffset:fsmOffset+MaxPages(c.pageSize)]...)
	return nil
}

func (c *Container) encodeHeader() page.Page {
	hdr := make(page.Page, c.pageSize)
	hdr.Format(page.Header)
	copy(hdr[magicOffset:], headerMagic)
	hdr[versionOffset] = headerVersion
	hdr[kindOffset] = c.kind
	binary.BigEndian.PutUint16(hdr[metaLenOffset:], uint16(len(c.meta)))
	binary.BigEndian.PutUint32(hdr[idOffset:], c.id)
	binary.BigEndian.PutUint32(hdr[countOffset:], c.count)
	copy(hdr[metaOffset:], c.meta)
	copy(hdr[fsmOffset:], c.fsm)
	return hdr
}

func (c *Container) ID() uint32 {
	return c.id
}

func (c *Container) Kind() byte {
	return c.kind
}

func (c *Container) Meta() []byte {
	return c.meta
}

func (c *Container) PageSize() int {
	return c.pageSize
}

// PageCount returns the number of pages, including the header page.
func (c *Container) PageCount() uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.count
}

func (c *Container) Halt(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.halted == nil {
		log.WithField("container", c.id).WithError(err).Error("container halted")
		c.halted = err
	}
}

func (c *Container) Halted() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.halted
}

func (c *Container) readPage(num uint32, buf page.Page) error {
	n, err := c.file.ReadAt(buf, int64(num)*int64(c.pageSize))
	if err == io.EOF {
		// Pages past the end of the file have never been written.
		clear(buf[n:])
		err = nil
	}
	if err != nil {
		return fmt.Errorf("container: read page %d:%d: %w", c.id, num, err)
	}
	if !buf.VerifyChecksum() {
		return dberr.Wrap(fmt.Sprintf("container: read page %d:%d", c.id, num),
			dberr.ErrPageCorrupt)
	}
	return nil
}

// ReadPage reads page num into buf. A page which has never been written reads as zeros.
func (c *Container) ReadPage(num uint32, buf page.Page) error {
	if err := c.Halted(); err != nil {
		return err
	}
	if num == 0 {
		return fmt.Errorf("container: %d: page 0 is the header", c.id)
	}
	err := c.readPage(num, buf)
	if dberr.IsFatal(err) {
		c.Halt(err)
	}
	return err
}

// WritePage checksums buf, which must be a private copy, and writes it as page num.
func (c *Container) WritePage(num uint32, buf page.Page) error {
	if err := c.Halted(); err != nil {
		return err
	}
	buf.SetChecksum()
	_, err := c.file.WriteAt(buf, int64(num)*int64(c.pageSize))
	if err != nil {
		return fmt.Errorf("container: write page %d:%d: %w", c.id, num, err)
	}
	return nil
}

// Sync writes the header page if it changed and syncs the file.
func (c *Container) Sync() error {
	c.mutex.Lock()
	var hdr page.Page
	if c.dirty {
		hdr = c.encodeHeader()
		c.dirty = false
	}
	c.mutex.Unlock()

	if hdr != nil {
		hdr.SetChecksum()
		_, err := c.file.WriteAt(hdr, 0)
		if err != nil {
			c.mutex.Lock()
			c.dirty = true
			c.mutex.Unlock()
			return fmt.Errorf("container: write header %d: %w", c.id, err)
		}
	}
	err := c.file.Sync()
	if err != nil {
		return fmt.Errorf("container: sync %d: %w", c.id, err)
	}
	return nil
}

// Allocate returns a page number for a new page: a free page if there is one, otherwise
// the container grows by one page. The caller formats the page with a logged action.
func (c *Container) Allocate() (uint32, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.halted != nil {
		return 0, c.halted
	}
	for num := uint32(1); num < c.count; num++ {
		if c.fsm[num] == FreePage {
			c.fsm[num] = 0
			c.dirty = true
			return num, nil
		}
	}
	if int(c.count) >= len(c.fsm) {
		return 0, dberr.Wrap(fmt.Sprintf("container: %d", c.id), dberr.ErrContainerFull)
	}
	num := c.count
	c.count += 1
	c.fsm[num] = 0
	c.dirty = true
	return num, nil
}

// Extend makes sure the container has page num; it is used by redo.
func (c *Container) Extend(num uint32) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if num >= c.count && int(num) < len(c.fsm) {
		for n := c.count; n < num; n++ {
			c.fsm[n] = FreePage
		}
		c.count = num + 1
		c.dirty = true
	}
}

func (c *Container) category(free int) byte {
	cat := free / (c.pageSize / spaceUnits)
	if cat >= FreePage {
		cat = FreePage - 1
	}
	return byte(cat)
}

// Note records the state of page num in the free-space map.
func (c *Container) Note(num uint32, pg page.Page) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if int(num) >= len(c.fsm) || num == 0 {
		return
	}
	if num >= c.count {
		for n := c.count; n < num; n++ {
			c.fsm[n] = FreePage
		}
		c.count = num + 1
	}

	var v byte
	switch pg.Type() {
	case page.Free:
		v = FreePage
	case page.Heap:
		v = c.category(pg.FreeSpace())
	}
	if c.fsm[num] != v {
		c.fsm[num] = v
		c.dirty = true
	}
}

// FindSpace returns the first in use page at or after start whose free space is at least
// need bytes, or 0 if there is none.
func (c *Container) FindSpace(need int, start uint32) uint32 {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	unit := c.pageSize / spaceUnits
	want := (need + unit - 1) / unit
	if start < 1 {
		start = 1
	}
	for num := start; num < c.count; num++ {
		if v := c.fsm[num]; v != FreePage && int(v) >= want {
			return num
		}
	}
	return 0
}

// IsFree reports whether the free-space map has num as a free page.
func (c *Container) IsFree(num uint32) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return num >= c.count || c.fsm[num] == FreePage
}

func (c *Container) Close() error {
	err := c.Sync()
	cerr := c.file.Close()
	if err == nil {
		err = cerr
	}
	return err
}

func (c *Container) String() string {
	return fmt.Sprintf("container %d (%s)", c.id, c.name)
}
