package archive

import (
	"announce-notifier/pkg/notifier"
	"maps"
	"slices"
	"sort"
)

// shardWrite is a shard document to create or overwrite.
type shardWrite struct {
	ID        string
	Followers map[string]notifier.Entry
}

// plan is the outcome of compacting one bucket.
type plan struct {
	Writes        []shardWrite
	Deletes       []string
	Archives      []string
	FreeIDs       []string
	LastArchiveID string
}

// planCompaction repacks a bucket. shards maps every listed archive ID to its
// followers; a nil map marks a shard that could not be read.
//
// Shards with no stale entry are kept untouched. A shard entry is stale when its
// token has a tombstone or a newer live copy. Every other shard is freed and
// its valid entries are pooled with the live followers, sorted by token and
// packed under the policy budget. Freed IDs are reused first, then the
// bucket's free list, then fresh IDs above the high-water mark.
func planCompaction(b *notifier.Bucket, shards map[string]map[string]notifier.Entry, p Policy) plan {
	stale := make(map[string]bool, len(b.Unfollows)+len(b.Followers))
	for _, token := range b.Unfollows {
		stale[token] = true
	}
	for token := range b.Followers {
		stale[token] = true
	}

	var kept, freed []string
	pool := make(map[string]notifier.Entry, len(b.Followers))
	for _, id := range b.Archives {
		followers := shards[id]
		if followers == nil {
			freed = append(freed, id)
			continue
		}
		clean := true
		for token := range followers {
			if stale[token] {
				clean = false
				break
			}
		}
		if clean {
			kept = append(kept, id)
			continue
		}
		freed = append(freed, id)
		for token, e := range followers {
			if !stale[token] {
				pool[token] = e
			}
		}
	}
	maps.Copy(pool, b.Followers)

	groups := pack(pool, p)

	// Stored free IDs are handed out lowest first.
	stored := slices.Clone(b.FreeIDs)
	slices.SortFunc(stored, CompareID)
	available := slices.Concat(freed, stored)

	last := MaxID(append([]string{b.LastArchiveID}, b.Archives...)...)
	out := plan{Archives: kept}
	for _, g := range groups {
		var id string
		if len(available) > 0 {
			id, available = available[0], available[1:]
		} else {
			last = NextID(last)
			id = last
		}
		out.Writes = append(out.Writes, shardWrite{ID: id, Followers: g})
		out.Archives = append(out.Archives, id)
	}
	for _, id := range available {
		if slices.Contains(freed, id) {
			out.Deletes = append(out.Deletes, id)
		}
	}
	// Everything not reused stays available for the next compaction.
	out.FreeIDs = available
	slices.SortFunc(out.FreeIDs, CompareID)
	out.LastArchiveID = last
	return out
}

// pack splits followers into shards under the policy budget, in token order.
func pack(followers map[string]notifier.Entry, p Policy) []map[string]notifier.Entry {
	tokens := make([]string, 0, len(followers))
	for token := range followers {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)

	var (
		groups []map[string]notifier.Entry
		cur    map[string]notifier.Entry
		size   int
	)
	for _, token := range tokens {
		e := followers[token]
		n := EntryBytes(token, e)
		if cur == nil || !p.fits(len(cur), size, n) {
			cur = make(map[string]notifier.Entry)
			groups = append(groups, cur)
			size = docOverhead
		}
		cur[token] = e
		size += n
	}
	return groups
}
