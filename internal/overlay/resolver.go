// Package overlay turns a document's annotation set into a renderable,
// non-overlapping segmentation. The resolver is read-only over store data;
// a rendering adapter decides how segments are painted.
package overlay

import (
	"sort"
	"strings"

	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

// Segment is one disjoint slice of the resolved range together with the
// annotations active across it. ActiveIDs is ordered by (start_offset, id)
// ascending, which doubles as the z-order for rendering.
type Segment struct {
	Span      span.Span `json:"span"`
	ActiveIDs []string  `json:"active_ids"`
	Concealed bool      `json:"concealed"`
	Text      string    `json:"text"`
}

// Resolve partitions rng into disjoint segments, each tagged with the set
// of annotations covering it. Annotations are expected to be the
// range-overlapping list from the store; entries outside rng are ignored.
// A zero-length or out-of-document range yields an empty segmentation.
//
// A redaction active on a segment conceals its visible text but leaves the
// co-occurring annotations in the active set, so they stay addressable.
func Resolve(text string, rng span.Span, annotations []store.Annotation) []Segment {
	rng, err := rng.Clip(len(text))
	if err != nil {
		return nil
	}

	type active struct {
		id    string
		start int
		clip  span.Span
		typ   store.AnnotationType
	}

	marks := make([]active, 0, len(annotations))
	boundarySet := map[int]struct{}{rng.Start: {}, rng.End: {}}
	for _, a := range annotations {
		clipped, err := a.Span.Clip(len(text))
		if err != nil || !clipped.Overlaps(rng) {
			continue
		}
		marks = append(marks, active{id: a.ID, start: a.Span.Start, clip: clipped, typ: a.Type})
		if clipped.Start > rng.Start {
			boundarySet[clipped.Start] = struct{}{}
		}
		if clipped.End < rng.End {
			boundarySet[clipped.End] = struct{}{}
		}
	}

	boundaries := make([]int, 0, len(boundarySet))
	for b := range boundarySet {
		if b >= rng.Start && b <= rng.End {
			boundaries = append(boundaries, b)
		}
	}
	sort.Ints(boundaries)

	// Deterministic z-order for every segment's active set.
	sort.Slice(marks, func(i, j int) bool {
		if marks[i].start != marks[j].start {
			return marks[i].start < marks[j].start
		}
		return marks[i].id < marks[j].id
	})

	segments := make([]Segment, 0, len(boundaries)-1)
	for i := 0; i+1 < len(boundaries); i++ {
		seg := span.Span{Start: boundaries[i], End: boundaries[i+1]}
		ids := make([]string, 0)
		concealed := false
		for _, m := range marks {
			if m.clip.Contains(seg.Start) {
				ids = append(ids, m.id)
				if m.typ == store.TypeRedaction {
					concealed = true
				}
			}
		}
		excerpt := text[seg.Start:seg.End]
		if concealed {
			excerpt = strings.Repeat("█", len([]rune(excerpt)))
		}
		segments = append(segments, Segment{
			Span:      seg,
			ActiveIDs: ids,
			Concealed: concealed,
			Text:      excerpt,
		})
	}
	return segments
}
