// Package extract turns a stored file into per-page text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrUnsupportedFormat is returned for files an extractor cannot read.
var ErrUnsupportedFormat = errors.New("unsupported file format")

// Extractor produces the text of a file keyed by page id.
type Extractor interface {
	// Extract reads the file at path. Unreadable formats return an error
	// wrapping ErrUnsupportedFormat.
	Extract(ctx context.Context, path string) (map[string]string, error)
}

const pagePrefix = "page_"

// PageKey returns the id of the n-th page, counting from 1.
func PageKey(n int) string {
	return pagePrefix + strconv.Itoa(n)
}

// SortedKeys returns the page ids of pages in reading order: page_N keys
// by number, then any other keys by name.
func SortedKeys(pages map[string]string) []string {
	keys := make([]string, 0, len(pages))
	for k := range pages {
		keys = append(keys, k)
	}

	sort.Slice(keys, func(i, j int) bool {
		ni, iok := pageNumber(keys[i])
		nj, jok := pageNumber(keys[j])
		switch {
		case iok && jok:
			return ni < nj
		case iok != jok:
			return iok
		default:
			return keys[i] < keys[j]
		}
	})
	return keys
}

// Join concatenates pages in reading order, one newline between pages.
func Join(pages map[string]string) string {
	keys := SortedKeys(pages)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = pages[k]
	}
	return strings.Join(parts, "\n")
}

func pageNumber(key string) (int, bool) {
	if !strings.HasPrefix(key, pagePrefix) {
		return 0, false
	}
	n, err := strconv.Atoi(key[len(pagePrefix):])
	if err != nil {
		return 0, false
	}
	return n, true
}

func unsupported(path, reason string) error {
	return fmt.Errorf("%w: %s (%s)", ErrUnsupportedFormat, path, reason)
}
