package bridge

import "strings"

// mergeStreamingDelta appends delta to existing, dropping any prefix of
// delta that already terminates existing. Replaying the same delta is a
// no-op and partially overlapping chunks are stitched without duplication.
func mergeStreamingDelta(existing, delta string) string {
	if delta == "" {
		return existing
	}
	if existing == "" {
		return delta
	}
	max := len(delta)
	if len(existing) < max {
		max = len(existing)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(existing, delta[:k]) {
			return existing + delta[k:]
		}
	}
	return existing + delta
}
