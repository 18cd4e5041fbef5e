// Package index maps device subscriptions onto fan-out buckets and diffs them.
package index

import (
	"announce-notifier/pkg/notifier"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Change is one bucket operation. A nil Entry removes the device from the bucket.
type Change struct {
	Key   string
	Entry *notifier.Entry
}

// IsRemove reports whether the change removes the device.
func (c Change) IsRemove() bool {
	return c.Entry == nil
}

// Index is the set of buckets a device belongs to, with its entry in each.
type Index map[string]notifier.Entry

// SlotFor returns the UTC slot of the next local occurrence of hour in loc,
// today or tomorrow, rounded to the slot grid.
func SlotFor(hour int, loc *time.Location, now time.Time) string {
	local := now.In(loc)
	at := time.Date(local.Year(), local.Month(), local.Day(), hour, 0, 0, 0, loc)
	if at.Before(now) {
		at = time.Date(local.Year(), local.Month(), local.Day()+1, hour, 0, 0, 0, loc)
	}
	return notifier.SlotOf(at)
}

// NormalizeHours dedupes and sorts hours, rejecting values outside [0,23].
func NormalizeHours(hours []int) ([]int, error) {
	for _, h := range hours {
		if h < 0 || h > 23 {
			return nil, &notifier.ValidationError{Reason: fmt.Sprintf("hour %d out of range", h)}
		}
	}
	out := slices.Clone(hours)
	slices.Sort(out)
	return slices.Compact(out), nil
}

// hoursBefore returns, for each sorted hour, the wrapping gap to the previous
// hour in the list. A single hour has no previous hour and gets 0.
func hoursBefore(hours []int) []int {
	gaps := make([]int, len(hours))
	if len(hours) < 2 {
		return gaps
	}
	for i, h := range hours {
		prev := hours[(i+len(hours)-1)%len(hours)]
		gaps[i] = (h - prev + 24) % 24
	}
	return gaps
}

// mergeGaps joins the windows of two hours that share a slot. 0 is the full day.
func mergeGaps(a, b int) int {
	if a == 0 || b == 0 || a+b >= 24 {
		return 0
	}
	return a + b
}

// Compute builds the bucket index of a subscription. Announcements without
// hours go to their immediate bucket; each hour of the others lands in the
// timed bucket of its UTC slot, where all of the device's announcements for
// that slot share one entry.
func Compute(sub *notifier.DeviceSubscription, now time.Time) (Index, error) {
	idx := make(Index)
	if sub == nil {
		return idx, nil
	}
	loc := time.UTC
	if sub.TZ != "" {
		l, err := time.LoadLocation(sub.TZ)
		if err != nil {
			return nil, &notifier.ValidationError{Reason: fmt.Sprintf("unknown time zone %q", sub.TZ)}
		}
		loc = l
	}

	for _, announceID := range slices.Sorted(maps.Keys(sub.Follows)) {
		hours, err := NormalizeHours(sub.Follows[announceID])
		if err != nil {
			return nil, err
		}
		if len(hours) == 0 {
			idx[notifier.ImmediateKey(announceID)] = notifier.Entry{Lang: sub.Lang}
			continue
		}
		gaps := hoursBefore(hours)
		for i, h := range hours {
			key := notifier.TimedKey(SlotFor(h, loc, now))
			e, ok := idx[key]
			if !ok {
				e = notifier.Entry{Lang: sub.Lang, Announces: make(map[string]int)}
			}
			if prev, dup := e.Announces[announceID]; dup {
				// Two hours landed on one slot across a DST change; the slot
				// now covers both windows.
				e.Announces[announceID] = mergeGaps(prev, gaps[i])
			} else {
				e.Announces[announceID] = gaps[i]
			}
			idx[key] = e
		}
	}
	return idx, nil
}

// Of returns the index stored on the subscription, computing it if absent.
func Of(sub *notifier.DeviceSubscription, now time.Time) (Index, error) {
	if sub != nil && sub.Buckets != nil {
		return Index(sub.Buckets), nil
	}
	return Compute(sub, now)
}

// Diff returns the bucket operations that turn prev into cur, sorted by key.
// Buckets whose entry is unchanged are omitted.
func Diff(prev, cur Index) []Change {
	var changes []Change
	for key, e := range cur {
		if old, ok := prev[key]; ok && old.Equal(e) {
			continue
		}
		changes = append(changes, Change{Key: key, Entry: &e})
	}
	for key := range prev {
		if _, ok := cur[key]; !ok {
			changes = append(changes, Change{Key: key})
		}
	}
	slices.SortFunc(changes, func(a, b Change) int {
		return strings.Compare(a.Key, b.Key)
	})
	return changes
}

// ComputeBucketChanges diffs the bucket membership of two versions of a
// device subscription. Either side may be nil.
func ComputeBucketChanges(prev, cur *notifier.DeviceSubscription, now time.Time) ([]Change, error) {
	prevIdx, err := Of(prev, now)
	if err != nil {
		return nil, fmt.Errorf("index previous subscription: %w", err)
	}
	curIdx, err := Of(cur, now)
	if err != nil {
		return nil, fmt.Errorf("index subscription: %w", err)
	}
	return Diff(prevIdx, curIdx), nil
}
