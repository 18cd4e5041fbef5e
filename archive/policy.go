package archive

import "announce-notifier/pkg/notifier"

// Compaction thresholds.
const (
	// MaxImmediateEntries is the entry budget of an immediate bucket and of each of its shards.
	MaxImmediateEntries = 5000
	// MaxTimedBytes is the estimated byte budget of a timed bucket and of each of its shards,
	// kept under the 1 MiB document cap.
	MaxTimedBytes = 800_000
)

// Per-value overheads of the document size estimate.
const (
	docOverhead   = 64
	fieldOverhead = 1
	mapOverhead   = 32
	intBytes      = 8
)

// Policy is the size budget of a bucket and its shards. Exactly one of the limits is set.
type Policy struct {
	MaxEntries int
	MaxBytes   int
}

// PolicyFor returns the budget for a bucket key.
func PolicyFor(key string) Policy {
	if notifier.IsTimed(key) {
		return Policy{MaxBytes: MaxTimedBytes}
	}
	return Policy{MaxEntries: MaxImmediateEntries}
}

// EntryBytes estimates the stored size of one follower entry keyed by token.
func EntryBytes(token string, e notifier.Entry) int {
	n := len(token) + fieldOverhead + mapOverhead
	n += len("lang") + fieldOverhead + len(e.Lang) + fieldOverhead
	if len(e.Announces) > 0 {
		n += len("announces") + fieldOverhead + mapOverhead
		for id := range e.Announces {
			n += len(id) + fieldOverhead + intBytes
		}
	}
	return n
}

// pendingBytes estimates the live part of a bucket document.
func pendingBytes(b *notifier.Bucket) int {
	n := docOverhead
	for token, e := range b.Followers {
		n += EntryBytes(token, e)
	}
	for _, token := range b.Unfollows {
		n += len(token) + fieldOverhead
	}
	return n
}

// Over reports whether the live followers and tombstones of b reach the budget.
func (p Policy) Over(b *notifier.Bucket) bool {
	if p.MaxBytes > 0 {
		return pendingBytes(b) >= p.MaxBytes
	}
	return len(b.Followers)+len(b.Unfollows) >= p.MaxEntries
}

// fits reports whether a shard holding count entries and size bytes can take one more entry of n bytes.
func (p Policy) fits(count, size, n int) bool {
	if count == 0 {
		return true
	}
	if p.MaxBytes > 0 {
		return size+n <= p.MaxBytes
	}
	return count < p.MaxEntries
}
