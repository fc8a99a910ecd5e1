package offgate

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Tier is a named key-value view over the store, mapping method-qualified
// request keys to stored responses. Writes replace the previous entry
// wholesale; concurrent writes to one key race and the last write wins,
// which is fine because entries are idempotent snapshots.
type Tier struct {
	name  string
	store *Store
}

func (t *Tier) Name() string { return t.name }

func (t *Tier) dbKey(key string) []byte {
	return []byte(entryPrefix + t.name + ":" + key)
}

func (t *Tier) Get(key string) (CacheEntry, bool) {
	b, err := t.store.db.Get(t.dbKey(key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

func (t *Tier) Put(key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	return t.store.db.Put(t.dbKey(key), b, nil)
}

// PutBatch commits a set of entries in one write, so a bulk pre-cache is
// all-or-nothing at the storage level.
func (t *Tier) PutBatch(entries map[string]CacheEntry) error {
	batch := new(leveldb.Batch)
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return err
		}
		batch.Put(t.dbKey(key), b)
	}
	return t.store.db.Write(batch, nil)
}

func (t *Tier) Delete(key string) error {
	return t.store.db.Delete(t.dbKey(key), nil)
}

// Len counts the entries currently stored under this tier.
func (t *Tier) Len() (int, error) {
	it := t.store.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+t.name+":")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// SizeBytes totals the stored entry bytes under this tier.
func (t *Tier) SizeBytes() (int64, error) {
	it := t.store.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+t.name+":")), nil)
	defer it.Release()
	var total int64
	for it.Next() {
		total += int64(len(it.Value()))
	}
	return total, it.Error()
}
