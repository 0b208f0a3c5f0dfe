// Package span models half-open character-offset intervals over a document's
// plain-text projection. Offsets are defined against a specific document
// content version; callers are responsible for supplying consistent offsets.
package span

import (
	"errors"
	"fmt"
)

var ErrInvalidSpan = errors.New("invalid span")

// Span is the half-open interval [Start, End) in character offsets.
type Span struct {
	Start int `json:"start_offset"`
	End   int `json:"end_offset"`
}

func New(start, end int) (Span, error) {
	s := Span{Start: start, End: end}
	if err := s.Validate(); err != nil {
		return Span{}, err
	}
	return s, nil
}

func (s Span) Validate() error {
	if s.Start < 0 {
		return fmt.Errorf("%w: start offset %d is negative", ErrInvalidSpan, s.Start)
	}
	if s.Start >= s.End {
		return fmt.Errorf("%w: start %d must be less than end %d", ErrInvalidSpan, s.Start, s.End)
	}
	return nil
}

// ValidateWithin checks the span against validity rules and the enclosing
// document length.
func (s Span) ValidateWithin(length int) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if s.End > length {
		return fmt.Errorf("%w: end offset %d exceeds document length %d", ErrInvalidSpan, s.End, length)
	}
	return nil
}

func (s Span) Len() int {
	return s.End - s.Start
}

// Overlaps reports whether the two half-open intervals intersect. Touching
// spans do not overlap.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

func (s Span) Contains(offset int) bool {
	return s.Start <= offset && offset < s.End
}

// Clip clamps an externally supplied span into [0, length]. Fails with
// ErrInvalidSpan if the clamped interval is empty.
func (s Span) Clip(length int) (Span, error) {
	clipped := s
	if clipped.Start < 0 {
		clipped.Start = 0
	}
	if clipped.End > length {
		clipped.End = length
	}
	if clipped.Start >= clipped.End {
		return Span{}, fmt.Errorf("%w: span (%d,%d) is empty after clamping to length %d", ErrInvalidSpan, s.Start, s.End, length)
	}
	return clipped, nil
}

func (s Span) String() string {
	return fmt.Sprintf("[%d,%d)", s.Start, s.End)
}
