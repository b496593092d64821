// Package tagger implements the compile-time JSX tagging pass. It annotates
// every native DOM element in .jsx/.tsx sources with a stable id and its
// source location, and maintains the id-to-location map queried by the
// visual-edit probe.
package tagger

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// idPattern matches an optional prefix followed by exactly 8 lowercase hex
// characters. The prefix, when present, is separated by a hyphen.
var idPattern = regexp.MustCompile(`^(?:(.+)-)?([0-9a-f]{8})$`)

// GenerateStableID returns the id for an element at file:line:col. The same
// inputs always produce the same id: the first 8 hex characters of
// md5("file:line:col"), with "prefix-" prepended when prefix is non-empty.
func GenerateStableID(file string, line, col int, prefix string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%d:%d", file, line, col)))
	hash := hex.EncodeToString(sum[:])[:8]
	if prefix == "" {
		return hash
	}
	return prefix + "-" + hash
}

// ParsedID is the decomposed form of a jsx id.
type ParsedID struct {
	Prefix string
	Hash   string
}

// ParseID splits an id into its optional prefix and 8-hex hash. It returns
// false when the id is not valid.
func ParseID(id string) (ParsedID, bool) {
	m := idPattern.FindStringSubmatch(id)
	if m == nil {
		return ParsedID{}, false
	}
	return ParsedID{Prefix: m[1], Hash: m[2]}, true
}

// IsValidID reports whether id is an optional prefix followed by exactly
// 8 hex characters.
func IsValidID(id string) bool {
	return idPattern.MatchString(id)
}

// ShouldTransform reports whether path is eligible for the tagging pass:
// a .jsx or .tsx file outside node_modules and outside the exclude list.
func ShouldTransform(path string, exclude []string) bool {
	if !strings.HasSuffix(path, ".jsx") && !strings.HasSuffix(path, ".tsx") {
		return false
	}
	if strings.Contains(path, "node_modules") {
		return false
	}
	for _, ex := range exclude {
		if ex != "" && strings.Contains(path, ex) {
			return false
		}
	}
	return true
}
