package store

import (
	"sort"
	"strings"

	"github.com/pborman/uuid"
)

// PairKey canonicalizes an unordered pair of participants.
func PairKey(a, b string) string {
	pair := sortPair(a, b)
	return strings.Join(pair[:], "_")
}

func sortPair(a, b string) [2]string {
	pair := []string{a, b}
	sort.Strings(pair)
	return [2]string{pair[0], pair[1]}
}

// NewId returns a random id without dashes.
func NewId() string {
	return strings.ReplaceAll(uuid.New(), "-", "")
}
