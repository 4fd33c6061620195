package registry

import (
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/flarebyte/conduit/internal/errors"
)

const maxSuggestions = 5

// PluginNotFoundError is returned by Get for an unknown key.
type PluginNotFoundError struct {
	Key         string
	Suggestions []string
}

func (e *PluginNotFoundError) Error() string {
	msg := "plugin not found: " + e.Key
	if len(e.Suggestions) > 0 {
		msg += " (did you mean " + strings.Join(e.Suggestions, ", ") + "?)"
	}
	return msg
}

// Is makes errors.Is(err, errors.ErrNotFound) hold.
func (e *PluginNotFoundError) Is(target error) bool {
	return target == errors.ErrNotFound
}

// DiscoveryError records a plugin file that could not be loaded.
type DiscoveryError struct {
	Path string
	Err  error
}

func (e DiscoveryError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e DiscoveryError) Unwrap() error { return e.Err }

// MarshalText renders the error for JSON reports.
func (e DiscoveryError) MarshalText() ([]byte, error) {
	return []byte(e.Error()), nil
}

// suggest ranks keys close to key: subsequence matches first, then keys
// within a small edit distance.
func suggest(key string, keys []string) []string {
	sort.Strings(keys)
	ranks := fuzzy.RankFindNormalizedFold(key, keys)
	sort.Stable(ranks)
	seen := map[string]bool{}
	var out []string
	for _, r := range ranks {
		if len(out) == maxSuggestions {
			return out
		}
		out = append(out, r.Target)
		seen[r.Target] = true
	}

	type near struct {
		key  string
		dist int
	}
	limit := len(key) / 3
	if limit < 2 {
		limit = 2
	}
	var nearby []near
	lower := strings.ToLower(key)
	for _, k := range keys {
		if seen[k] {
			continue
		}
		if d := fuzzy.LevenshteinDistance(lower, strings.ToLower(k)); d <= limit {
			nearby = append(nearby, near{k, d})
		}
	}
	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].dist != nearby[j].dist {
			return nearby[i].dist < nearby[j].dist
		}
		return nearby[i].key < nearby[j].key
	})
	for _, n := range nearby {
		if len(out) == maxSuggestions {
			break
		}
		out = append(out, n.key)
	}
	return out
}
