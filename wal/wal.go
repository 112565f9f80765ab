// Package wal is the write-ahead log: an append only sequence of typed records in segment
// files, numbered by gapless log sequence numbers starting at 1.
package wal

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/vfs"
)

const (
	walVersion = 1

	headerSize = 24
	frameSize  = 8

	DefaultSegmentSize = 16 * 1024 * 1024
	DefaultBufferSize  = 256 * 1024
)

var (
	walHeaderSignature = [8]byte{'c', 'o', 'r', 'e', 'd', 'b', 'w', 'l'}
	crcTable           = crc32.MakeTable(crc32.Castagnoli)
)

type Options struct {
	// SegmentSize is the size at which a new segment is started.
	SegmentSize int64
	// MaxSize limits the total size of the log; 0 means no limit. Only Begin and Update
	// records are refused when the log is full.
	MaxSize int64
	// BufferSize is the amount of buffered log which wakes the background flusher.
	BufferSize int
	// Archive keeps an xz compressed copy of each truncated segment in the archive
	// directory.
	Archive bool
}

type segment struct {
	name  string
	file  vfs.File
	first LSN
	last  LSN
	size  int64
	offs  []int64
}

type batch struct {
	first LSN
	buf   []byte
	offs  []int
}

func (b *batch) contains(lsn LSN) bool {
	return lsn >= b.first && lsn < b.first+LSN(len(b.offs))
}

func (b *batch) record(lsn LSN) []byte {
	n := int(lsn - b.first)
	end := len(b.buf)
	if n+1 < len(b.offs) {
		end = b.offs[n+1]
	}
	return b.buf[b.offs[n]+frameSize : end]
}

type Log struct {
	fs   vfs.FS
	dir  string
	opts Options

	mutex   sync.Mutex
	buffer  batch
	writing *batch
	nextLSN LSN
	size    int64
	err     error
	closed  bool

	flushMutex sync.Mutex
	flushed    atomic.Uint64

	segMutex sync.RWMutex
	segments []*segment

	flushCh chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
}

func SegmentName(dir string, first LSN) string {
	return filepath.Join(dir, fmt.Sprintf("%016x.log", uint64(first)))
}

func segmentLSN(name string) (LSN, bool) {
	if !strings.HasSuffix(name, ".log") || len(name) != 20 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[:16], 16, 64)
	if err != nil {
		return 0, false
	}
	return LSN(n), true
}

// Open opens the log in dir, creating the directory if necessary. A torn record at the end
// of the last segment is discarded; damage anywhere else is corruption.
func Open(fs vfs.FS, dir string, opts Options) (*Log, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}

	err := fs.MkdirAll(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", dir, err)
	}
	names, err := fs.List(dir)
	if err != nil {
		return nil, fmt.Errorf("wal: %s: %w", dir, err)
	}

	var firsts []LSN
	for _, name := range names {
		if first, ok := segmentLSN(name); ok {
			firsts = append(firsts, first)
		}
	}
	sort.Slice(firsts, func(i, j int) bool {
		return firsts[i] < firsts[j]
	})

	l := &Log{
		fs:      fs,
		dir:     dir,
		opts:    opts,
		nextLSN: 1,
		flushCh: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for i, first := range firsts {
		last := i == len(firsts)-1
		if len(l.segments) > 0 && first != l.nextLSN {
			l.closeSegments()
			return nil, dberr.Wrap(fmt.Sprintf("wal: segment %s: want first LSN %d",
				SegmentName(dir, first), l.nextLSN), dberr.ErrLogCorrupt)
		}
		seg, err := l.openSegment(first, last)
		if err != nil {
			l.closeSegments()
			return nil, err
		}
		if seg == nil {
			continue
		}
		l.segments = append(l.segments, seg)
		l.nextLSN = seg.last + 1
		l.size += seg.size
	}

	l.buffer.first = l.nextLSN
	l.flushed.Store(uint64(l.nextLSN - 1))
	l.wg.Add(1)
	go l.flusher()

	log.WithFields(log.Fields{
		"dir":      dir,
		"segments": len(l.segments),
		"next":     l.nextLSN,
	}).Info("log opened")
	return l, nil
}

func (l *Log) openSegment(first LSN, last bool) (*segment, error) {
	name := SegmentName(l.dir, first)
	f, err := l.fs.OpenFile(name, false)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", name, err)
	}
	sz, err := f.Size()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: open %s: %w", name, err)
	}
	buf := make([]byte, sz)
	n, err := f.ReadAt(buf, 0)
	if err != nil && !(err == io.EOF && int64(n) == sz) {
		f.Close()
		return nil, fmt.Errorf("wal: read %s: %w", name, err)
	}

	if len(buf) < headerSize || !bytes.Equal(buf[0:8], walHeaderSignature[:]) ||
		LSN(binary.BigEndian.Uint64(buf[16:])) != first {

		if last {
			// The segment was created but its header was never synced.
			f.Close()
			log.WithField("segment", name).Warn("removing torn log segment")
			return nil, l.fs.Remove(name)
		}
		f.Close()
		return nil, dberr.Wrap(fmt.Sprintf("wal: %s: bad header", name), dberr.ErrLogCorrupt)
	}
	if buf[8] > walVersion {
		f.Close()
		return nil, fmt.Errorf("wal: %s: bad version: %d", name, buf[8])
	}

	seg := &segment{
		name:  name,
		file:  f,
		first: first,
		last:  first - 1,
		size:  headerSize,
	}
	off := int64(headerSize)
	for off < sz {
		data, err := readFrame(buf[off:])
		if err == nil {
			var rec *Record
			rec, err = decodeRecord(data)
			if err == nil && rec.LSN != seg.last+1 {
				err = dberr.ErrLogCorrupt
			}
		}
		if err != nil {
			if !last {
				f.Close()
				return nil, dberr.Wrap(fmt.Sprintf("wal: %s: offset %d", name, off), err)
			}
			log.WithFields(log.Fields{
				"segment": name,
				"offset":  off,
				"lsn":     seg.last + 1,
			}).Warn("truncating torn log tail")
			err = f.Truncate(off)
			if err == nil {
				err = f.Sync()
			}
			if err != nil {
				f.Close()
				return nil, fmt.Errorf("wal: truncate %s: %w", name, err)
			}
			break
		}
		seg.offs = append(seg.offs, off)
		seg.last += 1
		off += frameSize + int64(len(data))
	}
	seg.size = off
	return seg, nil
}

func readFrame(buf []byte) ([]byte, error) {
	if len(buf) < frameSize {
		return nil, dberr.ErrLogCorrupt
	}
	n := binary.BigEndian.Uint32(buf)
	if n == 0 || uint64(n) > uint64(len(buf)-frameSize) {
		return nil, dberr.ErrLogCorrupt
	}
	data := buf[frameSize : frameSize+n]
	if crc32.Checksum(data, crcTable) != binary.BigEndian.Uint32(buf[4:]) {
		return nil, dberr.ErrLogCorrupt
	}
	return data, nil
}

func appendFrame(buf []byte, data []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(data)))
	buf = binary.BigEndian.AppendUint32(buf, crc32.Checksum(data, crcTable))
	return append(buf, data...)
}

// Append assigns the next LSN to rec, sets rec.LSN and buffers the record. It does not wait
// for the record to be written; use Flush for that.
func (l *Log) Append(rec *Record) (LSN, error) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.closed {
		return 0, dberr.Wrap("wal: append", dberr.ErrClosed)
	}
	if l.err != nil {
		return 0, l.err
	}

	rec.LSN = l.nextLSN
	data := rec.encode(nil)
	sz := int64(frameSize + len(data))
	if l.opts.MaxSize > 0 && rec.limited() && l.size+sz > l.opts.MaxSize {
		rec.LSN = 0
		return 0, dberr.Wrap("wal: append", dberr.ErrLogFull)
	}

	l.buffer.offs = append(l.buffer.offs, len(l.buffer.buf))
	l.buffer.buf = appendFrame(l.buffer.buf, data)
	l.nextLSN += 1
	l.size += sz

	if len(l.buffer.buf) >= l.opts.BufferSize {
		select {
		case l.flushCh <- struct{}{}:
		default:
		}
	}
	return rec.LSN, nil
}

// Flush returns once every record up to and including upto is durable. Concurrent callers
// share a single write and sync.
func (l *Log) Flush(upto LSN) error {
	if LSN(l.flushed.Load()) >= upto {
		return nil
	}

	l.flushMutex.Lock()
	defer l.flushMutex.Unlock()

	if LSN(l.flushed.Load()) >= upto {
		return nil
	}

	l.mutex.Lock()
	if l.err != nil {
		l.mutex.Unlock()
		return l.err
	}
	if len(l.buffer.offs) == 0 {
		l.mutex.Unlock()
		if upto >= l.NextLSN() {
			return fmt.Errorf("wal: flush %d: past end of log", upto)
		}
		return nil
	}
	b := l.buffer
	l.writing = &b
	l.buffer = batch{first: l.nextLSN}
	l.mutex.Unlock()

	err := l.write(&b)

	l.mutex.Lock()
	l.writing = nil
	if err != nil {
		l.err = err
	}
	l.mutex.Unlock()

	if err != nil {
		log.WithError(err).Error("log write failed")
		return err
	}
	l.flushed.Store(uint64(b.first) + uint64(len(b.offs)) - 1)
	return nil
}

func (l *Log) write(b *batch) error {
	l.segMutex.RLock()
	var seg *segment
	if len(l.segments) > 0 {
		seg = l.segments[len(l.segments)-1]
	}
	l.segMutex.RUnlock()

	if seg == nil || seg.size >= l.opts.SegmentSize {
		var err error
		seg, err = l.newSegment(b.first)
		if err != nil {
			return err
		}
	}

	_, err := seg.file.WriteAt(b.buf, seg.size)
	if err == nil {
		err = seg.file.Sync()
	}
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return dberr.Wrap(fmt.Sprintf("wal: write %s", seg.name), dberr.ErrLogFull)
		}
		return fmt.Errorf("wal: write %s: %w", seg.name, err)
	}

	l.segMutex.Lock()
	for _, off := range b.offs {
		seg.offs = append(seg.offs, seg.size+int64(off))
	}
	seg.size += int64(len(b.buf))
	seg.last = b.first + LSN(len(b.offs)) - 1
	l.segMutex.Unlock()
	return nil
}

func (l *Log) newSegment(first LSN) (*segment, error) {
	name := SegmentName(l.dir, first)
	f, err := l.fs.OpenFile(name, true)
	if err != nil {
		return nil, fmt.Errorf("wal: create %s: %w", name, err)
	}

	buf := make([]byte, 0, headerSize)
	buf = append(buf, walHeaderSignature[:]...)
	buf = append(buf, walVersion, 0, 0, 0, 0, 0, 0, 0)
	buf = binary.BigEndian.AppendUint64(buf, uint64(first))
	_, err = f.WriteAt(buf, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: create %s: %w", name, err)
	}

	seg := &segment{
		name:  name,
		file:  f,
		first: first,
		last:  first - 1,
		size:  headerSize,
	}
	l.segMutex.Lock()
	l.segments = append(l.segments, seg)
	l.segMutex.Unlock()

	l.mutex.Lock()
	l.size += headerSize
	l.mutex.Unlock()

	log.WithField("segment", name).Debug("log segment started")
	return seg, nil
}

func (l *Log) flusher() {
	defer l.wg.Done()

	for {
		select {
		case <-l.done:
			return
		case <-l.flushCh:
			err := l.Flush(l.NextLSN() - 1)
			if err != nil {
				log.WithError(err).Error("background log flush failed")
			}
		}
	}
}

// FlushedLSN returns the highest durable LSN.
func (l *Log) FlushedLSN() LSN {
	return LSN(l.flushed.Load())
}

// NextLSN returns the LSN the next appended record will get.
func (l *Log) NextLSN() LSN {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.nextLSN
}

// FirstLSN returns the oldest LSN which is still in the log.
func (l *Log) FirstLSN() LSN {
	l.segMutex.RLock()
	defer l.segMutex.RUnlock()

	if len(l.segments) == 0 {
		return l.NextLSN()
	}
	return l.segments[0].first
}

// Size returns the size of the log in bytes, including buffered records.
func (l *Log) Size() int64 {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.size
}

// Read returns the record with lsn.
func (l *Log) Read(lsn LSN) (*Record, error) {
	l.mutex.Lock()
	if lsn >= l.nextLSN || lsn == 0 {
		l.mutex.Unlock()
		return nil, fmt.Errorf("wal: read %d: no such record", lsn)
	}
	var data []byte
	if l.buffer.contains(lsn) {
		data = l.buffer.record(lsn)
	} else if l.writing != nil && l.writing.contains(lsn) {
		data = l.writing.record(lsn)
	}
	if data != nil {
		rec, err := decodeRecord(data)
		l.mutex.Unlock()
		return rec, err
	}
	l.mutex.Unlock()

	l.segMutex.RLock()
	defer l.segMutex.RUnlock()

	i := sort.Search(len(l.segments), func(i int) bool {
		return l.segments[i].last >= lsn
	})
	if i == len(l.segments) || l.segments[i].first > lsn {
		return nil, fmt.Errorf("wal: read %d: truncated", lsn)
	}
	seg := l.segments[i]
	off := seg.offs[lsn-seg.first]
	end := seg.size
	if n := int(lsn-seg.first) + 1; n < len(seg.offs) {
		end = seg.offs[n]
	}

	buf := make([]byte, end-off)
	_, err := seg.file.ReadAt(buf, off)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("wal: read %d: %w", lsn, err)
	}
	data, err = readFrame(buf)
	if err != nil {
		return nil, dberr.Wrap(fmt.Sprintf("wal: read %d", lsn), err)
	}
	rec, err := decodeRecord(data)
	if err != nil {
		return nil, dberr.Wrap(fmt.Sprintf("wal: read %d", lsn), err)
	}
	if rec.LSN != lsn {
		return nil, dberr.Wrap(fmt.Sprintf("wal: read %d: got %d", lsn, rec.LSN),
			dberr.ErrLogCorrupt)
	}
	return rec, nil
}

type Reader struct {
	l    *Log
	next LSN
}

// Scan returns a reader of the records starting with from.
func (l *Log) Scan(from LSN) *Reader {
	if first := l.FirstLSN(); from < first {
		from = first
	}
	return &Reader{
		l:    l,
		next: from,
	}
}

// Next returns the next record or io.EOF at the end of the log.
func (r *Reader) Next() (*Record, error) {
	if r.next >= r.l.NextLSN() {
		return nil, io.EOF
	}
	rec, err := r.l.Read(r.next)
	if err != nil {
		return nil, err
	}
	r.next += 1
	return rec, nil
}

// Truncate removes the segments all of whose records are before lsn; the current segment
// is never removed.
func (l *Log) Truncate(before LSN) error {
	l.segMutex.Lock()
	var drop []*segment
	for len(l.segments) > 1 && l.segments[0].last < before {
		drop = append(drop, l.segments[0])
		l.segments = l.segments[1:]
	}
	l.segMutex.Unlock()

	for _, seg := range drop {
		if l.opts.Archive {
			err := archiveSegment(l.fs, l.dir, seg)
			if err != nil {
				return err
			}
		}
		seg.file.Close()
		err := l.fs.Remove(seg.name)
		if err != nil {
			return fmt.Errorf("wal: truncate: %w", err)
		}

		l.mutex.Lock()
		l.size -= seg.size
		l.mutex.Unlock()

		log.WithFields(log.Fields{
			"segment": seg.name,
			"first":   seg.first,
			"last":    seg.last,
		}).Info("log segment truncated")
	}
	return nil
}

func (l *Log) closeSegments() {
	for _, seg := range l.segments {
		seg.file.Close()
	}
	l.segments = nil
}

func (l *Log) stop() {
	l.mutex.Lock()
	if l.closed {
		l.mutex.Unlock()
		return
	}
	l.closed = true
	l.mutex.Unlock()

	close(l.done)
	l.wg.Wait()
}

// Close flushes the log and closes it.
func (l *Log) Close() error {
	err := l.Flush(l.NextLSN() - 1)
	l.stop()

	l.segMutex.Lock()
	l.closeSegments()
	l.segMutex.Unlock()
	return err
}

// Abandon stops the log without flushing; buffered records are lost, as they would be in a
// crash.
func (l *Log) Abandon() {
	l.stop()

	l.segMutex.Lock()
	l.closeSegments()
	l.segMutex.Unlock()
}
