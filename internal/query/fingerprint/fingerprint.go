// Package fingerprint derives the cache key that maps a logical query to the
// engine identifier it was first submitted under.
package fingerprint

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"regexp"
	"sort"
	"strings"
)

const Prefix = "query:"

var keywordPattern = regexp.MustCompile(`(?i)\b(and|or|not|in|is|null|like|between)\b`)

// Key fingerprints a query. The field list is order-insensitive and
// duplicates collapse; every other component is significant.
func Key(dataset, species, fields, condition string) string {
	parts := []string{
		strings.TrimSpace(dataset),
		strings.TrimSpace(species),
		strings.Join(NormalizeFields(fields), ","),
		NormalizeCondition(condition),
	}
	hash := sha256.New()
	var size [8]byte
	for _, part := range parts {
		binary.BigEndian.PutUint64(size[:], uint64(len(part)))
		_, _ = hash.Write(size[:])
		_, _ = hash.Write([]byte(part))
	}
	return Prefix + base64.RawURLEncoding.EncodeToString(hash.Sum(nil))
}

// NormalizeFields splits a comma separated field list and returns the
// distinct non-empty names in sorted order.
func NormalizeFields(fields string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, field := range strings.Split(fields, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	sort.Strings(out)
	return out
}

// NormalizeCondition upper-cases SQL keywords and collapses whitespace
// outside single-quoted literals; literal text is kept verbatim.
func NormalizeCondition(condition string) string {
	segments := strings.Split(strings.TrimSpace(condition), "'")
	for i := 0; i < len(segments); i += 2 {
		segment := strings.Join(strings.Fields(segments[i]), " ")
		if i > 0 && strings.HasPrefix(segments[i], " ") {
			segment = " " + segment
		}
		if i < len(segments)-1 && strings.HasSuffix(segments[i], " ") {
			segment += " "
		}
		segments[i] = keywordPattern.ReplaceAllStringFunc(segment, strings.ToUpper)
	}
	return strings.Join(segments, "'")
}
