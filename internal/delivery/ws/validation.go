package ws

import (
	"math"
	"unicode/utf8"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

// ValidateCursor rejects non-finite coordinates and clamps the rest to
// the percentage range.
func ValidateCursor(c domain.Cursor) (domain.Cursor, bool) {
	if !finite(c.X) || !finite(c.Y) {
		return domain.Cursor{}, false
	}
	return domain.Cursor{X: clamp(c.X), Y: clamp(c.Y)}, true
}

// ValidBoardID checks the opaque board key is non-empty and bounded
func ValidBoardID(boardID string) bool {
	if boardID == "" || len(boardID) > domain.MaxBoardIDLength {
		return false
	}
	return utf8.ValidString(boardID)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func clamp(v float64) float64 {
	return math.Max(domain.CursorMin, math.Min(domain.CursorMax, v))
}
