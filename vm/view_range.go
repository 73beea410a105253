package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ViewRange is the size of a view in tiles.
type ViewRange struct {
	Width  int
	Height int
}

// NewViewRange returns the square view covering dist tiles in every
// direction.
func NewViewRange(dist int) ViewRange {
	return ViewRange{Width: dist*2 + 1, Height: dist*2 + 1}
}

// ParseViewRange accepts a distance (number) or a "WxH" string.
func ParseViewRange(v Value) (ViewRange, error) {
	if n, ok := v.TryInteger(); ok {
		if n < 0 {
			return ViewRange{}, fmt.Errorf("invalid view range %d: %w", n, ErrOutOfBounds)
		}
		return NewViewRange(n), nil
	}
	s, ok := v.TryString()
	if !ok {
		return ViewRange{}, fmt.Errorf("invalid view range %s: %w", v, ErrTypeMismatch)
	}
	return ParseViewRangeString(s)
}

// ParseViewRangeString parses "WxH".
func ParseViewRangeString(s string) (ViewRange, error) {
	parts := strings.Split(s, "x")
	if len(parts) != 2 {
		return ViewRange{}, fmt.Errorf("invalid view range string %q: %w", s, ErrTypeMismatch)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w < 1 {
		return ViewRange{}, fmt.Errorf("invalid view range width in %q: %w", s, ErrTypeMismatch)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h < 1 {
		return ViewRange{}, fmt.Errorf("invalid view range height in %q: %w", s, ErrTypeMismatch)
	}
	return ViewRange{Width: w, Height: h}, nil
}

// IsSquare reports whether the view is as wide as it is high.
func (r ViewRange) IsSquare() bool { return r.Width == r.Height }

// IsCenterable reports whether both dimensions are odd.
func (r ViewRange) IsCenterable() bool { return r.Width%2 == 1 && r.Height%2 == 1 }

// Range is the distance covered in every direction for a square,
// centerable view, and 0 otherwise.
func (r ViewRange) Range() int {
	if r.IsSquare() && r.IsCenterable() {
		return (r.Width - 1) / 2
	}
	return 0
}

func (r ViewRange) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}
