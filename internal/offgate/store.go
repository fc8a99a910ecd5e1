package offgate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout inside the single LevelDB database:
//
//	tier:<name>           tier registry marker
//	e:<name>:<key>        gob CacheEntry, <key> = "<METHOD> <url>"
//	out:<seq hex16>       gob OutboxItem
//	outseq                last assigned outbox sequence (gob uint64)
const (
	tierMarkerPrefix = "tier:"
	entryPrefix      = "e:"
	outboxPrefix     = "out:"
	outboxSeqKey     = "outseq"
)

// Store owns the durable state: every cache tier and the outbox. A flock
// on the storage directory keeps a second gateway process from opening
// the same database.
type Store struct {
	db   *leveldb.DB
	lock *flock.Flock
}

func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	lock := flock.New(filepath.Join(path, ".offgate.lock"))
	held, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock storage dir: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("storage dir %s is locked by another gateway", path)
	}

	db, err := leveldb.OpenFile(filepath.Join(path, "db"), nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open store: %w", err)
	}
	return &Store{db: db, lock: lock}, nil
}

func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = uerr
	}
	return err
}

// Tier returns a view over the named tier, registering it if new.
func (s *Store) Tier(name string) (*Tier, error) {
	if err := s.db.Put([]byte(tierMarkerPrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("register tier %s: %w", name, err)
	}
	return &Tier{name: name, store: s}, nil
}

// TierNames enumerates every registered tier, current or stale.
func (s *Store) TierNames() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(tierMarkerPrefix)), nil)
	defer it.Release()

	var names []string
	for it.Next() {
		names = append(names, string(bytes.TrimPrefix(it.Key(), []byte(tierMarkerPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return names, nil
}

// DropTier deletes a tier's marker and every entry stored under it.
func (s *Store) DropTier(name string) error {
	batch := new(leveldb.Batch)
	batch.Delete([]byte(tierMarkerPrefix + name))

	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+":")), nil)
	for it.Next() {
		k := make([]byte, len(it.Key()))
		copy(k, it.Key())
		batch.Delete(k)
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	return s.db.Write(batch, nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
