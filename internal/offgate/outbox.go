package offgate

import (
	"bytes"
	"context"
	"fmt"
	"hash/crc32"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Outbox is a durable queue of mutations deferred while the origin was
// unreachable. Items replay strictly in enqueue order; the first failure
// aborts the cycle and keeps the whole queue, so a rescheduled run resends
// everything. Origins deduplicate via the X-Idempotency-Key header, which
// is minted once at enqueue and identical across retries.
type Outbox struct {
	store *Store

	mu sync.Mutex // serializes sequence allocation and replay cycles
}

func newOutbox(store *Store) *Outbox {
	return &Outbox{store: store}
}

func outboxDBKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x", outboxPrefix, seq))
}

// Enqueue appends a mutation to the queue and returns it with its assigned
// sequence and idempotency key.
func (o *Outbox) Enqueue(item OutboxItem) (OutboxItem, error) {
	if item.URL == "" {
		return OutboxItem{}, fmt.Errorf("outbox item needs a URL")
	}
	if item.Method == "" {
		item.Method = http.MethodPost
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	seq, err := o.nextSeqLocked()
	if err != nil {
		return OutboxItem{}, err
	}
	item.Seq = seq
	item.EnqueuedAt = time.Now().Unix()
	item.IdempotencyKey = fmt.Sprintf("%016x-%08x-%08x",
		seq, uint32(item.EnqueuedAt), crc32.ChecksumIEEE(item.Body))

	b, err := encodeGob(item)
	if err != nil {
		return OutboxItem{}, err
	}

	batch := new(leveldb.Batch)
	batch.Put(outboxDBKey(seq), b)
	sb, err := encodeGob(seq)
	if err != nil {
		return OutboxItem{}, err
	}
	batch.Put([]byte(outboxSeqKey), sb)
	if err := o.store.db.Write(batch, nil); err != nil {
		return OutboxItem{}, fmt.Errorf("persist outbox item: %w", err)
	}
	return item, nil
}

func (o *Outbox) nextSeqLocked() (uint64, error) {
	var seq uint64
	b, err := o.store.db.Get([]byte(outboxSeqKey), nil)
	switch err {
	case nil:
		if err := decodeGob(b, &seq); err != nil {
			return 0, fmt.Errorf("decode outbox sequence: %w", err)
		}
	case leveldb.ErrNotFound:
	default:
		return 0, err
	}
	return seq + 1, nil
}

// Items returns every queued item in enqueue order. Fixed-width hex keys
// make LevelDB's lexicographic iteration the enqueue order.
func (o *Outbox) Items() ([]OutboxItem, error) {
	it := o.store.db.NewIterator(util.BytesPrefix([]byte(outboxPrefix)), nil)
	defer it.Release()

	var items []OutboxItem
	for it.Next() {
		var item OutboxItem
		if err := decodeGob(it.Value(), &item); err != nil {
			return nil, fmt.Errorf("decode outbox item %s: %w", it.Key(), err)
		}
		items = append(items, item)
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return items, nil
}

func (o *Outbox) Len() (int, error) {
	it := o.store.db.NewIterator(util.BytesPrefix([]byte(outboxPrefix)), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

// Clear drops every queued item in one batch.
func (o *Outbox) Clear() error {
	return o.clearSeqs(nil)
}

// clearSeqs deletes the given sequences, or everything when seqs is nil.
func (o *Outbox) clearSeqs(seqs []uint64) error {
	batch := new(leveldb.Batch)
	if seqs == nil {
		it := o.store.db.NewIterator(util.BytesPrefix([]byte(outboxPrefix)), nil)
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
	} else {
		for _, seq := range seqs {
			batch.Delete(outboxDBKey(seq))
		}
	}
	return o.store.db.Write(batch, nil)
}

// Replay sends every queued item through client in enqueue order. Relative
// item URLs resolve against origin. A non-2xx status or transport error
// aborts the cycle without clearing anything, and the error propagates so
// the caller's scheduler retries; the queue is cleared in one batch only
// after every item succeeded.
func (o *Outbox) Replay(ctx context.Context, client *http.Client, origin string) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.Items()
	if err != nil {
		return 0, err
	}
	if len(items) == 0 {
		return 0, nil
	}

	sent := make([]uint64, 0, len(items))
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return len(sent), err
		}
		if err := o.send(ctx, client, origin, item); err != nil {
			return len(sent), fmt.Errorf("replay item seq=%d %s %s: %w",
				item.Seq, item.Method, item.URL, err)
		}
		sent = append(sent, item.Seq)
	}

	if err := o.clearSeqs(sent); err != nil {
		return len(sent), fmt.Errorf("clear outbox after replay: %w", err)
	}
	return len(sent), nil
}

func (o *Outbox) send(ctx context.Context, client *http.Client, origin string, item OutboxItem) error {
	target := item.URL
	if strings.HasPrefix(target, "/") {
		target = origin + target
	}

	req, err := http.NewRequestWithContext(ctx, item.Method, target, bytes.NewReader(item.Body))
	if err != nil {
		return err
	}
	for k, vs := range item.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("X-Idempotency-Key", item.IdempotencyKey)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("origin returned %d", resp.StatusCode)
	}
	return nil
}
