package overlay

import (
	"reflect"
	"strings"
	"testing"

	"marginalia/api/internal/span"
	"marginalia/api/internal/store"
)

func mark(id string, typ store.AnnotationType, start, end int) store.Annotation {
	return store.Annotation{ID: id, Type: typ, Span: span.Span{Start: start, End: end}}
}

func TestResolvePlainTextYieldsSingleEmptySegment(t *testing.T) {
	text := strings.Repeat("a", 50)
	segments := Resolve(text, span.Span{Start: 0, End: 50}, nil)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	if len(segments[0].ActiveIDs) != 0 {
		t.Fatalf("expected empty active set, got %v", segments[0].ActiveIDs)
	}
	if segments[0].Span != (span.Span{Start: 0, End: 50}) {
		t.Fatalf("expected full range segment, got %v", segments[0].Span)
	}
}

func TestResolveOverlappingHighlightAndComment(t *testing.T) {
	text := strings.Repeat("x", 200)
	annotations := []store.Annotation{
		mark("anno-1", store.TypeHighlight, 0, 100),
		mark("anno-2", store.TypeComment, 50, 150),
	}
	segments := Resolve(text, span.Span{Start: 0, End: 150}, annotations)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d: %+v", len(segments), segments)
	}
	expected := []struct {
		s   span.Span
		ids []string
	}{
		{span.Span{Start: 0, End: 50}, []string{"anno-1"}},
		{span.Span{Start: 50, End: 100}, []string{"anno-1", "anno-2"}},
		{span.Span{Start: 100, End: 150}, []string{"anno-2"}},
	}
	for i, want := range expected {
		if segments[i].Span != want.s {
			t.Fatalf("segment %d span = %v, want %v", i, segments[i].Span, want.s)
		}
		if !reflect.DeepEqual(segments[i].ActiveIDs, want.ids) {
			t.Fatalf("segment %d active ids = %v, want %v", i, segments[i].ActiveIDs, want.ids)
		}
	}
}

func TestResolveRedactionConcealsButKeepsCooccurringAnnotations(t *testing.T) {
	text := "confidential payroll data, plus a public remainder"
	annotations := []store.Annotation{
		mark("anno-h", store.TypeHighlight, 0, 30),
		mark("anno-r", store.TypeRedaction, 0, 30),
	}
	segments := Resolve(text, span.Span{Start: 0, End: 30}, annotations)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
	seg := segments[0]
	if !seg.Concealed {
		t.Fatal("expected redacted segment to be concealed")
	}
	if strings.Contains(seg.Text, "confidential") {
		t.Fatalf("concealed segment leaked source text: %q", seg.Text)
	}
	if !reflect.DeepEqual(seg.ActiveIDs, []string{"anno-h", "anno-r"}) {
		t.Fatalf("expected both annotations addressable, got %v", seg.ActiveIDs)
	}
}

func TestResolveZeroLengthRangeIsEmpty(t *testing.T) {
	segments := Resolve("some text", span.Span{Start: 4, End: 4}, nil)
	if len(segments) != 0 {
		t.Fatalf("expected empty segmentation, got %d segments", len(segments))
	}
}

func TestResolveKeepsDuplicateSpansDistinct(t *testing.T) {
	text := strings.Repeat("y", 40)
	annotations := []store.Annotation{
		mark("anno-a", store.TypeHighlight, 5, 15),
		mark("anno-b", store.TypeHighlight, 5, 15),
	}
	segments := Resolve(text, span.Span{Start: 0, End: 40}, annotations)
	if len(segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(segments))
	}
	if !reflect.DeepEqual(segments[1].ActiveIDs, []string{"anno-a", "anno-b"}) {
		t.Fatalf("expected both duplicates in active set, got %v", segments[1].ActiveIDs)
	}
}

func TestResolveIsDeterministic(t *testing.T) {
	text := strings.Repeat("z", 300)
	annotations := []store.Annotation{
		mark("anno-3", store.TypeComment, 20, 120),
		mark("anno-1", store.TypeHighlight, 20, 80),
		mark("anno-2", store.TypeStickyNote, 60, 200),
	}
	first := Resolve(text, span.Span{Start: 0, End: 300}, annotations)
	for i := 0; i < 10; i++ {
		again := Resolve(text, span.Span{Start: 0, End: 300}, annotations)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("segmentation differed between runs:\n%+v\n%+v", first, again)
		}
	}
	// Same start offset orders by id.
	for _, seg := range first {
		if seg.Span.Start == 20 {
			if !reflect.DeepEqual(seg.ActiveIDs, []string{"anno-1", "anno-3"}) {
				t.Fatalf("expected id tiebreak ordering, got %v", seg.ActiveIDs)
			}
		}
	}
}

func TestResolveClipsAnnotationsToDocument(t *testing.T) {
	text := strings.Repeat("q", 10)
	annotations := []store.Annotation{mark("anno-long", store.TypeHighlight, 5, 99)}
	segments := Resolve(text, span.Span{Start: 0, End: 10}, annotations)
	if len(segments) != 2 {
		t.Fatalf("expected 2 segments, got %d", len(segments))
	}
	if !reflect.DeepEqual(segments[1].ActiveIDs, []string{"anno-long"}) {
		t.Fatalf("expected clipped annotation active, got %v", segments[1].ActiveIDs)
	}
}
