package score

import (
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxCacheEntries bounds the normalization cache. Organization and keyword
// strings recur heavily across a sweep, but the cache must not grow with
// every distinct title the portal ever serves.
const maxCacheEntries = 4096

var stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

var normCache = struct {
	sync.RWMutex
	m map[string]string
}{m: make(map[string]string)}

// normalize case-folds, strips diacritics, and collapses whitespace so that
// "FERRETERÍA  Municipal" and "ferreteria municipal" compare equal. Results
// are cached for the process lifetime.
func normalize(s string) string {
	if s == "" {
		return ""
	}

	normCache.RLock()
	cached, ok := normCache.m[s]
	normCache.RUnlock()
	if ok {
		return cached
	}

	out, _, err := transform.String(stripMarks, s)
	if err != nil {
		out = s
	}
	out = strings.ToLower(out)
	out = strings.Join(strings.Fields(out), " ")

	normCache.Lock()
	if len(normCache.m) < maxCacheEntries {
		normCache.m[s] = out
	}
	normCache.Unlock()
	return out
}
