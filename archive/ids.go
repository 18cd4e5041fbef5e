package archive

import "strings"

// idAlphabet orders shard ID digits from lowest to highest.
const idAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// NextID increments a base-62 shard ID like an odometer. When every digit is
// at its maximum the ID grows by one digit and restarts at all zeros, so
// "zz" is followed by "000". The empty ID is followed by "0".
func NextID(id string) string {
	if id == "" {
		return idAlphabet[:1]
	}
	digits := []byte(id)
	for i := len(digits) - 1; i >= 0; i-- {
		pos := strings.IndexByte(idAlphabet, digits[i])
		if pos < len(idAlphabet)-1 {
			digits[i] = idAlphabet[pos+1]
			return string(digits)
		}
		digits[i] = idAlphabet[0]
	}
	return strings.Repeat(idAlphabet[:1], len(id)+1)
}

// CompareID orders IDs by length, then lexicographically.
func CompareID(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

// MaxID returns the greatest of ids, or "" if there are none.
func MaxID(ids ...string) string {
	var best string
	for _, id := range ids {
		if best == "" || CompareID(id, best) > 0 {
			best = id
		}
	}
	return best
}
