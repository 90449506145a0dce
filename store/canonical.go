// Package store implements the persistence port with a retry controller:
// classified retries with jittered backoff, utm_source schema degradation
// with a self-healing probe, canonical-metadata duplicate detection, and a
// TTL'd key-value store. SQLite is the backing engine (store/db/sqlite).
package store

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// canonicalMetadata renders metadata as canonical JSON: object keys sorted
// at every depth, so permutations of the same map compare equal as strings.
// encoding/json sorts map keys; normalizing through an any-tree makes the
// property hold for nested structs and slices too. Nil or empty metadata
// canonicalizes to "".
func canonicalMetadata(metadata map[string]any) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	// Round-trip once so every nested value becomes a map/slice/scalar
	// tree that marshals with sorted keys.
	raw, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal metadata")
	}
	var tree any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return "", errors.Wrap(err, "failed to normalize metadata")
	}
	canonical, err := json.Marshal(tree)
	if err != nil {
		return "", errors.Wrap(err, "failed to canonicalize metadata")
	}
	return string(canonical), nil
}

func parseMetadata(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}
