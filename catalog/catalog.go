// Package catalog maps conglomerate names to the containers which store them. The map is
// kept in a bbolt database; creating and dropping containers are logged so that recovery
// can repeat them.
package catalog

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.etcd.io/bbolt"

	"github.com/leftmike/coredb/dberr"
	"github.com/leftmike/coredb/storage/access"
	"github.com/leftmike/coredb/storage/container"
	"github.com/leftmike/coredb/storage/page"
	"github.com/leftmike/coredb/wal"
)

const (
	opCreate byte = iota + 1
	opDrop
)

// FirstID is the first container id given to a conglomerate.
const FirstID = 16

var (
	namesBucket = []byte("names")
	idsBucket   = []byte("ids")
)

type Entry struct {
	Name string
	ID   uint32
	Kind access.Kind
	Meta []byte
}

func (ent Entry) String() string {
	return fmt.Sprintf("%s (%s %d)", ent.Name, ent.Kind, ent.ID)
}

func encodeEntry(ent Entry) []byte {
	buf := make([]byte, 5, 5+len(ent.Meta))
	binary.BigEndian.PutUint32(buf, ent.ID)
	buf[4] = byte(ent.Kind)
	return append(buf, ent.Meta...)
}

func decodeEntry(name string, buf []byte) (Entry, error) {
	if len(buf) < 5 {
		return Entry{}, fmt.Errorf("catalog: %s: bad entry: %v", name, buf)
	}
	return Entry{
		Name: name,
		ID:   binary.BigEndian.Uint32(buf),
		Kind: access.Kind(buf[4]),
		Meta: append([]byte(nil), buf[5:]...),
	}, nil
}

func idKey(id uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return buf[:]
}

type Catalog struct {
	db  *bbolt.DB
	env *access.Env

	// mutex serializes creating and dropping conglomerates.
	mutex sync.Mutex
}

// Open opens the catalog in the bbolt file at path, creating it if necessary.
func Open(path string, env *access.Env) (*Catalog, error) {
	db, err := bbolt.Open(path, 0644, nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{namesBucket, idsBucket} {
			_, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	return &Catalog{
		db:  db,
		env: env,
	}, nil
}

func (cat *Catalog) Close() error {
	return cat.db.Close()
}

func noConglomerate(name string) error {
	return dberr.Wrap(fmt.Sprintf("catalog: %s", name), dberr.ErrNoConglomerate)
}

func (cat *Catalog) Lookup(name string) (Entry, error) {
	var ent Entry
	err := cat.db.View(func(tx *bbolt.Tx) error {
		buf := tx.Bucket(namesBucket).Get([]byte(name))
		if buf == nil {
			return noConglomerate(name)
		}
		var err error
		ent, err = decodeEntry(name, buf)
		return err
	})
	return ent, err
}

// ByID returns the entry of the conglomerate stored in container id.
func (cat *Catalog) ByID(id uint32) (Entry, error) {
	var ent Entry
	err := cat.db.View(func(tx *bbolt.Tx) error {
		name := tx.Bucket(idsBucket).Get(idKey(id))
		if name == nil {
			return noConglomerate(fmt.Sprintf("container %d", id))
		}
		buf := tx.Bucket(namesBucket).Get(name)
		if buf == nil {
			return fmt.Errorf("catalog: container %d: missing name %s", id, name)
		}
		var err error
		ent, err = decodeEntry(string(name), buf)
		return err
	})
	return ent, err
}

// List returns every entry, ordered by name.
func (cat *Catalog) List() ([]Entry, error) {
	var ents []Entry
	err := cat.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(namesBucket).ForEach(func(key, val []byte) error {
			ent, err := decodeEntry(string(key), val)
			if err != nil {
				return err
			}
			ents = append(ents, ent)
			return nil
		})
	})
	return ents, err
}

func (cat *Catalog) logContainer(op byte, id uint32, kind access.Kind, meta []byte) error {
	payload := append([]byte{byte(kind)}, meta...)
	lsn, err := cat.env.LogRedo(&wal.Record{
		Kind:    byte(access.ContainerKind),
		Op:      op,
		Page:    page.ID{Container: id},
		Payload: payload,
	})
	if err != nil {
		return err
	}
	return cat.env.Log.Flush(lsn)
}

// Create makes a new container for a conglomerate called name. The container is created,
// and init is run on it, before name is added to the catalog; if anything fails, or the
// database crashes part way, the container is left for Reconcile to remove.
func (cat *Catalog) Create(name string, kind access.Kind, meta []byte,
	init func(id uint32) error) (Entry, error) {

	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	if len(meta) > container.MaxMetaSize {
		return Entry{}, fmt.Errorf("catalog: %s: metadata too large: %d bytes", name,
			len(meta))
	}

	tx, err := cat.db.Begin(true)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: create %s: %w", name, err)
	}
	defer tx.Rollback()

	names := tx.Bucket(namesBucket)
	if names.Get([]byte(name)) != nil {
		return Entry{}, dberr.Wrap(fmt.Sprintf("catalog: %s", name),
			dberr.ErrConglomerateExists)
	}
	seq, err := names.NextSequence()
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: create %s: %w", name, err)
	}
	ent := Entry{
		Name: name,
		ID:   uint32(seq) + FirstID - 1,
		Kind: kind,
		Meta: meta,
	}

	err = cat.logContainer(opCreate, ent.ID, kind, meta)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: create %s: %w", name, err)
	}
	err = cat.createContainer(ent, init)
	if err == nil {
		err = names.Put([]byte(name), encodeEntry(ent))
	}
	if err == nil {
		err = tx.Bucket(idsBucket).Put(idKey(ent.ID), []byte(name))
	}
	if err == nil {
		err = tx.Commit()
	}
	if err != nil {
		// The id will be given out again, so the container must go.
		derr := cat.logContainer(opDrop, ent.ID, kind, nil)
		if derr == nil {
			derr = cat.dropContainer(ent.ID)
		}
		if derr != nil {
			log.WithField("container", ent.ID).WithError(derr).Warn("catalog: drop failed")
		}
		return Entry{}, fmt.Errorf("catalog: create %s: %w", name, err)
	}

	log.WithFields(log.Fields{"name": name, "container": ent.ID, "kind": kind}).
		Info("conglomerate created")
	return ent, nil
}

// Drop removes name from the catalog and drops its container. The caller must make sure
// that no transaction is using the conglomerate.
func (cat *Catalog) Drop(name string) (Entry, error) {
	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	ent, err := cat.Lookup(name)
	if err != nil {
		return Entry{}, err
	}

	err = cat.logContainer(opDrop, ent.ID, ent.Kind, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: drop %s: %w", name, err)
	}
	err = cat.dropContainer(ent.ID)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: drop %s: %w", name, err)
	}
	err = cat.remove(ent)
	if err != nil {
		return Entry{}, fmt.Errorf("catalog: drop %s: %w", name, err)
	}

	log.WithFields(log.Fields{"name": name, "container": ent.ID}).Info("conglomerate dropped")
	return ent, nil
}

func (cat *Catalog) createContainer(ent Entry, init func(id uint32) error) error {
	_, err := cat.env.Containers.Create(ent.ID, byte(ent.Kind), ent.Meta)
	if err != nil || init == nil {
		return err
	}
	err = init(ent.ID)
	if err != nil {
		return err
	}
	return cat.env.Log.Flush(cat.env.Log.NextLSN() - 1)
}

func (cat *Catalog) dropContainer(id uint32) error {
	err := cat.env.Pool.Discard(id)
	if err != nil {
		return err
	}
	return cat.env.Containers.Drop(id)
}

func (cat *Catalog) remove(ent Entry) error {
	return cat.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(namesBucket).Delete([]byte(ent.Name))
		if err != nil {
			return err
		}
		return tx.Bucket(idsBucket).Delete(idKey(ent.ID))
	})
}

// Redo repeats the creation or drop of a container logged in rec; it is used by recovery.
func (cat *Catalog) Redo(rec *wal.Record) error {
	if access.Kind(rec.Kind) != access.ContainerKind || len(rec.Payload) < 1 {
		return dberr.New(dberr.Corruption, "catalog", "redo %s: not a container record", rec)
	}

	id := rec.Page.Container
	switch rec.Op {
	case opCreate:
		_, err := cat.env.Containers.Create(id, rec.Payload[0], rec.Payload[1:])
		return err
	case opDrop:
		return cat.dropContainer(id)
	}
	return dberr.New(dberr.Corruption, "catalog", "redo %s: unknown op", rec)
}

// Reconcile makes the catalog and the containers agree after recovery: containers with no
// entry were being created when the database crashed and are dropped, and entries with no
// container were being dropped and are removed.
func (cat *Catalog) Reconcile() error {
	cat.mutex.Lock()
	defer cat.mutex.Unlock()

	ids, err := cat.env.Containers.List()
	if err != nil {
		return err
	}
	have := map[uint32]bool{}
	for _, id := range ids {
		have[id] = true
	}

	ents, err := cat.List()
	if err != nil {
		return err
	}
	known := map[uint32]bool{}
	for _, ent := range ents {
		known[ent.ID] = true
		if !have[ent.ID] {
			log.WithFields(log.Fields{"name": ent.Name, "container": ent.ID}).
				Warn("catalog entry without container removed")
			err = cat.remove(ent)
			if err != nil {
				return err
			}
		}
	}

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	for _, id := range ids {
		if !known[id] && id >= FirstID {
			log.WithField("container", id).Warn("container without catalog entry dropped")
			err = cat.dropContainer(id)
			if err != nil {
				return err
			}
		}
	}
	return nil
}
