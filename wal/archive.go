package wal

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"

	"github.com/ulikunitz/xz"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/vfs"
)

func ArchiveDir(dir string) string {
	return filepath.Join(dir, "archive")
}

func archiveSegment(fs vfs.FS, dir string, seg *segment) error {
	buf := make([]byte, seg.size)
	_, err := seg.file.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return fmt.Errorf("wal: archive %s: %w", seg.name, err)
	}

	var zbuf bytes.Buffer
	w, err := xz.NewWriter(&zbuf)
	if err != nil {
		return fmt.Errorf("wal: archive %s: %w", seg.name, err)
	}
	_, err = w.Write(buf)
	if err == nil {
		err = w.Close()
	}
	if err != nil {
		return fmt.Errorf("wal: archive %s: %w", seg.name, err)
	}

	adir := ArchiveDir(dir)
	err = fs.MkdirAll(adir)
	if err != nil {
		return fmt.Errorf("wal: archive %s: %w", seg.name, err)
	}
	name := filepath.Join(adir, filepath.Base(seg.name)+".xz")
	err = vfs.WriteFileAtomic(fs, name, zbuf.Bytes())
	if err != nil {
		return fmt.Errorf("wal: archive %s: %w", seg.name, err)
	}
	return nil
}

// ReadArchive returns the records of an archived segment.
func ReadArchive(fs vfs.FS, name string) ([]*Record, error) {
	zbuf, err := vfs.ReadFile(fs, name)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", name, err)
	}
	r, err := xz.NewReader(bytes.NewReader(zbuf))
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", name, err)
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", name, err)
	}
	return ReadSegment(buf)
}

// ReadSegment decodes the records of the segment in buf.
func ReadSegment(buf []byte) ([]*Record, error) {
	if len(buf) < headerSize || !bytes.Equal(buf[0:8], walHeaderSignature[:]) {
		return nil, dberr.Wrap("wal: bad segment header", dberr.ErrLogCorrupt)
	}

	var recs []*Record
	buf = buf[headerSize:]
	for len(buf) > 0 {
		data, err := readFrame(buf)
		if err != nil {
			return recs, err
		}
		rec, err := decodeRecord(data)
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
		buf = buf[frameSize+len(data):]
	}
	return recs, nil
}
