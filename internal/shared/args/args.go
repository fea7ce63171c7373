// Package args reads and rewrites session argument strings.
//
// An argument string is a flat list of key=value pairs separated by commas:
//
//	ram_quota=30K, label="child"
//
// Values may be double-quoted. Sizes accept an optional K, M or G suffix
// with binary multiples.
package args

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Well-known keys.
const (
	RAMQuota = "ram_quota"
	Label    = "label"
)

var (
	ErrNotFound     = errors.New("argument not found")
	ErrInvalidValue = errors.New("invalid argument value")
)

type pair struct {
	key   string
	value string
}

func split(s string) []pair {
	var pairs []pair
	for _, field := range splitFields(s) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		key, value, _ := strings.Cut(field, "=")
		pairs = append(pairs, pair{key: strings.TrimSpace(key), value: strings.TrimSpace(value)})
	}
	return pairs
}

// splitFields splits at commas outside double quotes.
func splitFields(s string) []string {
	var fields []string
	quoted := false
	start := 0
	for i, r := range s {
		switch r {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				fields = append(fields, s[start:i])
				start = i + 1
			}
		}
	}
	return append(fields, s[start:])
}

// Find returns the raw value stored under key, with surrounding quotes
// removed.
func Find(s, key string) (string, bool) {
	for _, p := range split(s) {
		if p.key == key {
			return unquote(p.value), true
		}
	}
	return "", false
}

// String returns the value of key or def if key is absent.
func String(s, key, def string) string {
	if v, ok := Find(s, key); ok {
		return v
	}
	return def
}

// Size parses key as a non-negative byte count. An absent key yields def;
// a present but malformed value is an error.
func Size(s, key string, def uint64) (uint64, error) {
	raw, ok := Find(s, key)
	if !ok {
		return def, nil
	}
	n, err := ParseSize(raw)
	if err != nil {
		return 0, fmt.Errorf("%s=%q: %w", key, raw, err)
	}
	return n, nil
}

// ParseSize parses "4096", "64K", "10M" or "1G" (binary multiples). The
// number must be a plain decimal integer; fractions, signs, spaces and
// unit spellings other than a single K, M or G are rejected.
func ParseSize(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	digits := raw
	suffixed := false
	if raw != "" {
		switch raw[len(raw)-1] {
		case 'K', 'k', 'M', 'm', 'G', 'g':
			digits = raw[:len(raw)-1]
			suffixed = true
		}
	}
	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return 0, fmt.Errorf("%w: %q is not a size", ErrInvalidValue, raw)
	}
	if !suffixed {
		n, err := strconv.ParseUint(digits, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
		}
		return n, nil
	}
	n, err := humanize.ParseBytes(raw + "i")
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return n, nil
}

// Set returns s with key set to value, replacing an existing entry or
// appending a new one. The value is written double-quoted; any '"' it
// contains is dropped since the format has no escape for it.
func Set(s, key, value string) string {
	pairs := split(s)
	quoted := quote(value)
	replaced := false
	for i := range pairs {
		if pairs[i].key == key {
			pairs[i].value = quoted
			replaced = true
		}
	}
	if !replaced {
		pairs = append(pairs, pair{key: key, value: quoted})
	}
	return join(pairs)
}

// SetSize is Set for numeric values.
func SetSize(s, key string, value uint64) string {
	pairs := split(s)
	replaced := false
	for i := range pairs {
		if pairs[i].key == key {
			pairs[i].value = strconv.FormatUint(value, 10)
			replaced = true
		}
	}
	if !replaced {
		pairs = append(pairs, pair{key: key, value: strconv.FormatUint(value, 10)})
	}
	return join(pairs)
}

// Remove returns s without key.
func Remove(s, key string) string {
	pairs := split(s)
	kept := pairs[:0]
	for _, p := range pairs {
		if p.key != key {
			kept = append(kept, p)
		}
	}
	return join(kept)
}

func join(pairs []pair) string {
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" {
			parts = append(parts, p.key)
			continue
		}
		parts = append(parts, p.key+"="+p.value)
	}
	return strings.Join(parts, ", ")
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, "") + `"`
}

func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		return v[1 : len(v)-1]
	}
	return v
}
