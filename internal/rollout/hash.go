// Package rollout provides deterministic user bucketing for feature flag rollouts.
package rollout

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// bucketSpace is the number of distinct buckets a user can land in.
// One million buckets give rollout percentages a resolution of 0.0001%.
const bucketSpace = 1_000_000

// BucketUser returns a deterministic bucket in [0, bucketSpace) for the given key parts.
// The same parts will always return the same bucket, across processes and releases.
// Empty parts are skipped so that a missing rule id does not change the key.
// Returns -1 when userID is empty: no user context means no bucketing.
func BucketUser(userID string, parts ...string) int64 {
	if userID == "" {
		return -1
	}
	key := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		if p != "" {
			key = append(key, p)
		}
	}
	key = append(key, userID)
	hash := xxhash.Sum64String(strings.Join(key, ":"))
	return int64(hash % bucketSpace)
}

// Percentile converts a bucket into its position in [0, 100).
func Percentile(bucket int64) float64 {
	return float64(bucket) * 100 / bucketSpace
}
