package vfs

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ncw/directio"
)

// OSFS is the operating system's file system. When DirectIO is set, files whose names end
// with one of DirectSuffixes are opened with O_DIRECT; all reads and writes to them must be
// whole blocks at block aligned offsets.
type OSFS struct {
	DirectIO       bool
	DirectSuffixes []string
}

type osFile struct {
	*os.File
}

func (f osFile) Size() (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// directFile copies through aligned buffers; callers' buffers are not aligned in memory.
type directFile struct {
	osFile
}

// DirectBlockSize is the unit of I/O for files opened with O_DIRECT.
const DirectBlockSize = directio.BlockSize

func (f directFile) ReadAt(b []byte, off int64) (int, error) {
	blk := directio.AlignedBlock(len(b))
	n, err := f.osFile.ReadAt(blk, off)
	copy(b, blk[:n])
	return n, err
}

func (f directFile) WriteAt(b []byte, off int64) (int, error) {
	blk := directio.AlignedBlock(len(b))
	copy(blk, b)
	return f.osFile.WriteAt(blk, off)
}

func (fs OSFS) direct(name string) bool {
	if !fs.DirectIO {
		return false
	}
	for _, sfx := range fs.DirectSuffixes {
		if strings.HasSuffix(name, sfx) {
			return true
		}
	}
	return false
}

func (fs OSFS) OpenFile(name string, create bool) (File, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}

	if fs.direct(name) {
		f, err := directio.OpenFile(name, flag, 0666)
		if err != nil {
			return nil, err
		}
		return directFile{osFile{f}}, nil
	}

	f, err := os.OpenFile(name, flag, 0666)
	if err != nil {
		return nil, err
	}
	return osFile{f}, nil
}

func (OSFS) Remove(name string) error {
	return os.Remove(name)
}

func (OSFS) Rename(oldname, newname string) error {
	err := os.Rename(oldname, newname)
	if err != nil {
		return err
	}
	return syncDir(filepath.Dir(newname))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (OSFS) MkdirAll(dir string) error {
	return os.MkdirAll(dir, 0755)
}

func (OSFS) List(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	names, err := d.Readdirnames(-1)
	d.Close()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (OSFS) Exists(name string) (bool, error) {
	_, err := os.Stat(name)
	if err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}
