// Package vfs abstracts the files the storage kernel keeps: container files, log segments
// and the control file.
package vfs

import (
	"io"
	"os"
)

type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Truncate(size int64) error
	Size() (int64, error)
}

type FS interface {
	// OpenFile opens name, creating it if create is true.
	OpenFile(name string, create bool) (File, error)
	Remove(name string) error
	Rename(oldname, newname string) error
	MkdirAll(dir string) error
	// List returns the names of the entries in dir, sorted.
	List(dir string) ([]string, error)
	Exists(name string) (bool, error)
}

// ReadFile reads the whole of name.
func ReadFile(fs FS, name string) ([]byte, error) {
	f, err := fs.OpenFile(name, false)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sz, err := f.Size()
	if err != nil {
		return nil, err
	}
	b := make([]byte, sz)
	n, err := f.ReadAt(b, 0)
	if err == io.EOF && int64(n) == sz {
		err = nil
	}
	return b, err
}

// WriteFileAtomic replaces name with b: b is written and synced to a temporary file which is
// then renamed over name.
func WriteFileAtomic(fs FS, name string, b []byte) error {
	tmp := name + ".tmp"
	f, err := fs.OpenFile(tmp, true)
	if err != nil {
		return err
	}
	err = f.Truncate(0)
	if err == nil {
		_, err = f.WriteAt(b, 0)
	}
	if err == nil {
		err = f.Sync()
	}
	cerr := f.Close()
	if err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return fs.Rename(tmp, name)
}

func IsNotExist(err error) bool {
	return os.IsNotExist(err)
}
