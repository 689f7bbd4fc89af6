package credentials

import (
	"context"
	"strings"
)

// StaticKeySource serves a fixed key list, typically DIFY_API_KEYS.
type StaticKeySource struct {
	keys []string
}

// NewStaticKeySource creates a key source from keys, dropping blanks and
// duplicates while preserving order.
func NewStaticKeySource(keys []string) *StaticKeySource {
	return &StaticKeySource{keys: dedupe(keys)}
}

// ParseKeyList splits a comma separated key list.
func ParseKeyList(raw string) []string {
	return dedupe(strings.Split(raw, ","))
}

// Keys returns a copy of the configured keys.
func (s *StaticKeySource) Keys(context.Context) ([]string, error) {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out, nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
