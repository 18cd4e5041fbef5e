// Package notifier contains the core domain types for the announcement notification service.
package notifier

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// SchemaVersion is written into every persisted document.
const SchemaVersion = 1

// Bucket key prefixes.
const (
	ImmediatePrefix = "imm-"
	TimedPrefix     = "timed-"
)

// Entry is a follower's subscription data within one bucket.
// It is replaced wholesale on update, never partially mutated.
type Entry struct {
	Lang string `json:"lang" firestore:"lang"`
	// Announces is only set in timed buckets: announce ID -> hoursBefore (0 = full day).
	Announces map[string]int `json:"announces,omitempty" firestore:"announces,omitempty"`
}

// Equal reports whether two entries carry the same data.
func (e Entry) Equal(o Entry) bool {
	return e.Lang == o.Lang && maps.Equal(e.Announces, o.Announces)
}

// Bucket is the live document of one fan-out target.
type Bucket struct {
	Schema        int              `json:"schema" firestore:"schema"`
	Followers     map[string]Entry `json:"followers" firestore:"followers"`
	Unfollows     []string         `json:"unfollows" firestore:"unfollows"`
	Archives      []string         `json:"archives" firestore:"archives"`
	// FreeIDs are deleted shard IDs handed out again before new ones.
	FreeIDs       []string         `json:"freeIds,omitempty" firestore:"freeIds,omitempty"`
	LastArchiveID string           `json:"lastArchiveId" firestore:"lastArchiveId"`
	// CompactedAt is the time of the last committed compaction.
	CompactedAt   time.Time        `json:"compactedAt" firestore:"compactedAt"`
	UpdatedAt     time.Time        `json:"updatedAt" firestore:"updatedAt"`
}

// Shard is an archived, immutable-until-compacted subset of a bucket's followers.
type Shard struct {
	Schema    int              `json:"schema" firestore:"schema"`
	Followers map[string]Entry `json:"followers" firestore:"followers"`
	WrittenAt time.Time        `json:"writtenAt" firestore:"writtenAt"`
}

// DeviceSubscription is a device's follow preferences.
type DeviceSubscription struct {
	Schema    int              `json:"schema" firestore:"schema"`
	Token     string           `json:"token" firestore:"token"`
	Lang      string           `json:"lang" firestore:"lang"`
	TZ        string           `json:"tz" firestore:"tz"`
	Follows   map[string][]int `json:"follows" firestore:"follows"`
	// Buckets is the bucket index computed when the record was written.
	Buckets   map[string]Entry `json:"buckets,omitempty" firestore:"buckets,omitempty"`
	UpdatedAt time.Time        `json:"updatedAt" firestore:"updatedAt"`
}

// Post is a single post within an announcement.
type Post struct {
	ID        string    `json:"id" firestore:"id"`
	Title     string    `json:"title" firestore:"title"`
	Body      string    `json:"body" firestore:"body"` // HTML
	ImageURL  string    `json:"imageUrl,omitempty" firestore:"imageUrl,omitempty"`
	Link      string    `json:"link,omitempty" firestore:"link,omitempty"`
	CreatedAt time.Time `json:"createdAt" firestore:"createdAt"`
}

// Announce is the metadata of an announcement.
type Announce struct {
	Schema     int       `json:"schema" firestore:"schema"`
	ID         string    `json:"id" firestore:"id"`
	Title      string    `json:"title" firestore:"title"`
	Icon       string    `json:"icon,omitempty" firestore:"icon,omitempty"`
	LastPost   *Post     `json:"lastPost,omitempty" firestore:"lastPost,omitempty"`
	LastPostAt time.Time `json:"lastPostAt" firestore:"lastPostAt"`
	UpdatedAt  time.Time `json:"updatedAt" firestore:"updatedAt"`
}

// CheckSchema rejects documents written by a newer version of the service.
func CheckSchema(kind string, schema int) error {
	if schema > SchemaVersion {
		return fmt.Errorf("%s schema %d is newer than supported %d", kind, schema, SchemaVersion)
	}
	return nil
}

// ImmediateKey returns the bucket key for an announcement's immediate followers.
func ImmediateKey(announceID string) string {
	return ImmediatePrefix + announceID
}

// TimedKey returns the bucket key for a UTC time slot ("HHmm").
func TimedKey(slot string) string {
	return TimedPrefix + slot
}

// IsTimed reports whether the key names a timed bucket.
func IsTimed(key string) bool {
	return strings.HasPrefix(key, TimedPrefix)
}

// AnnounceFromKey returns the announce ID of an immediate bucket key.
func AnnounceFromKey(key string) (string, bool) {
	return strings.CutPrefix(key, ImmediatePrefix)
}

// SlotMinutes is the granularity of the timed-notification grid.
const SlotMinutes = 15

// SlotOf rounds t (in UTC) to the nearest slot and formats it as "HHmm".
func SlotOf(t time.Time) string {
	u := t.UTC()
	mins := u.Hour()*60 + u.Minute()
	if u.Second() >= 30 {
		mins++
	}
	mins = (mins + SlotMinutes/2) / SlotMinutes * SlotMinutes % (24 * 60)
	return fmt.Sprintf("%02d%02d", mins/60, mins%60)
}

// ValidationError reports malformed input rejected before any write.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}
