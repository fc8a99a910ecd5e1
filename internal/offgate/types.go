package offgate

import (
	"fmt"
	"net/http"
)

// CacheEntry is a stored snapshot of an origin response. Entries are
// replaced wholesale on every successful revalidation; there is no partial
// update and no validator-based revalidation.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32
}

// OutboxItem is a mutation queued while the origin was unreachable,
// replayed later in enqueue order.
type OutboxItem struct {
	Seq        uint64
	URL        string
	Method     string
	Header     http.Header
	Body       []byte
	EnqueuedAt int64 // unix seconds

	// IdempotencyKey is minted once at enqueue and resent verbatim on every
	// replay attempt, so the origin can deduplicate items that were already
	// delivered before a later item aborted the cycle.
	IdempotencyKey string
}

// entryKey is the cache key for a request. Keys are method-qualified so a
// POST response can never shadow the GET entry for the same URL.
func entryKey(method, url string) string {
	return fmt.Sprintf("%s %s", method, url)
}

// Response dispositions reported via the X-Offgate header.
const (
	dispHit      = "hit"
	dispMiss     = "miss"
	dispBypass   = "bypass"
	dispIgnored  = "ignore-by-status"
	dispStale    = "stale"
	dispShell    = "shell"
	dispOffline  = "offline"
	dispNotReady = "not-ready"
)
