package anonymize

import (
	"sort"

	"github.com/veilworks/veil/pkg/detect"
)

// ResolveOverlaps collapses an overlapping detection list into the
// disjoint ranges the operators will rewrite:
//
//   - a range contained in another collapses into its container
//   - touching or overlapping ranges of the same type merge
//   - crossing ranges of different types keep the longer range,
//     tie-broken toward the earliest start
//
// The result is sorted ascending by start and pairwise disjoint.
func ResolveOverlaps(detections []detect.Detection) []detect.Detection {
	if len(detections) <= 1 {
		return append([]detect.Detection(nil), detections...)
	}

	sorted := append([]detect.Detection(nil), detections...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}
		return sorted[i].End > sorted[j].End // widest first at equal start
	})

	out := sorted[:1]
	for _, next := range sorted[1:] {
		cur := &out[len(out)-1]

		switch {
		case next.Start > cur.End:
			// Disjoint.
			out = append(out, next)

		case next.Start == cur.End:
			// Touching: merge only same-type neighbors.
			if next.EntityType == cur.EntityType {
				cur.End = next.End
				if next.Score > cur.Score {
					cur.Score = next.Score
				}
			} else {
				out = append(out, next)
			}

		case next.End <= cur.End:
			// Contained: collapse into the container, keeping the higher
			// score.
			if next.Score > cur.Score {
				cur.Score = next.Score
			}

		default:
			// Crossing.
			if next.EntityType == cur.EntityType {
				cur.End = next.End
				if next.Score > cur.Score {
					cur.Score = next.Score
				}
				break
			}
			if next.End-next.Start > cur.End-cur.Start {
				// The longer range wins; at equal length the earlier start
				// (cur) stays.
				*cur = next
			}
		}
	}
	return out
}
