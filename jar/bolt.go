package jar

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

var cookiesBucket = []byte("cookies")

// lockTable hands out per-id locks so that writes to the same
// document serialize and observe each other's appends.
//
// The table itself is guarded: creating an entry, taking a reference
// to it, and collecting it when the last holder releases are all
// indivisible with respect to the table mutex.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*idLock
}

type idLock struct {
	sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{
		locks: make(map[string]*idLock, 32),
	}
}

// acquire returns the id's lock, locked.
func (t *lockTable) acquire(id string) *idLock {
	t.mu.Lock()
	l, have := t.locks[id]
	if !have {
		l = &idLock{}
		t.locks[id] = l
	}
	l.refs++
	t.mu.Unlock()

	l.Lock()
	return l
}

// release unlocks the id's lock and collects it if no one else holds
// a reference.
func (t *lockTable) release(id string, l *idLock) {
	l.Unlock()

	t.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(t.locks, id)
	}
	t.mu.Unlock()
}

// BoltStore is a DocumentStore backed by a bbolt file: one bucket,
// one JSON document per cookie.
type BoltStore struct {
	Debug bool

	filename string
	db       *bolt.DB
	locks    *lockTable
}

// NewBoltStore opens (or creates) the store at the given file.
func NewBoltStore(filename string) (*BoltStore, error) {
	opts := &bolt.Options{
		Timeout: time.Second,
	}

	db, err := bolt.Open(filename, 0644, opts)
	if err != nil {
		return nil, err
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(cookiesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		filename: filename,
		db:       db,
		locks:    newLockTable(),
	}, nil
}

func (s *BoltStore) logf(format string, args ...interface{}) {
	if s.Debug {
		log.Printf("BoltStore."+format, args...)
	}
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Get(id string) (*Document, error) {
	s.logf("Get %s", id)

	var d *Document
	err := s.db.View(func(tx *bolt.Tx) error {
		bs := tx.Bucket(cookiesBucket).Get([]byte(id))
		if bs == nil {
			return ErrNotFound
		}
		d = &Document{}
		return json.Unmarshal(bs, d)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (s *BoltStore) Put(d *Document) (uint64, error) {
	s.logf("Put %s rev %d", d.Id, d.Rev)

	l := s.locks.acquire(d.Id)
	defer s.locks.release(d.Id, l)

	var rev uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var (
			b   = tx.Bucket(cookiesBucket)
			key = []byte(d.Id)
		)

		var stored uint64
		if bs := b.Get(key); bs != nil {
			var prior Document
			if err := json.Unmarshal(bs, &prior); err != nil {
				return err
			}
			stored = prior.Rev
		}
		if d.Rev != stored {
			return ErrConflict
		}

		acc := *d
		acc.Rev = stored + 1
		bs, err := json.Marshal(&acc)
		if err != nil {
			return err
		}
		if err = b.Put(key, bs); err != nil {
			return err
		}
		rev = acc.Rev
		return nil
	})
	if err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *BoltStore) Delete(id string) error {
	s.logf("Delete %s", id)

	l := s.locks.acquire(id)
	defer s.locks.release(id, l)

	return s.db.Update(func(tx *bolt.Tx) error {
		var (
			b   = tx.Bucket(cookiesBucket)
			key = []byte(id)
		)
		if b.Get(key) == nil {
			return ErrNotFound
		}
		return b.Delete(key)
	})
}

func (s *BoltStore) Scan(fn func(d *Document) error) error {
	s.logf("Scan")

	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(cookiesBucket).Cursor()
		for id, bs := c.First(); id != nil; id, bs = c.Next() {
			var d Document
			if err := json.Unmarshal(bs, &d); err != nil {
				return err
			}
			if err := fn(&d); err != nil {
				return err
			}
		}
		return nil
	})
}
