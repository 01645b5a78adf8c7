package ws

import (
	"math"
	"strings"
	"testing"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

func TestValidateCursor(t *testing.T) {
	tests := []struct {
		name     string
		in       domain.Cursor
		want     domain.Cursor
		expected bool
	}{
		{"In range", domain.Cursor{X: 10, Y: 20}, domain.Cursor{X: 10, Y: 20}, true},
		{"Edges", domain.Cursor{X: 0, Y: 100}, domain.Cursor{X: 0, Y: 100}, true},
		{"Clamped low", domain.Cursor{X: -5, Y: 50}, domain.Cursor{X: 0, Y: 50}, true},
		{"Clamped high", domain.Cursor{X: 50, Y: 180}, domain.Cursor{X: 50, Y: 100}, true},
		{"NaN", domain.Cursor{X: math.NaN(), Y: 1}, domain.Cursor{}, false},
		{"Inf", domain.Cursor{X: 1, Y: math.Inf(1)}, domain.Cursor{}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ValidateCursor(tc.in)
			if ok != tc.expected {
				t.Fatalf("ValidateCursor(%v) ok = %v, expected %v", tc.in, ok, tc.expected)
			}
			if got != tc.want {
				t.Errorf("ValidateCursor(%v) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestValidBoardID(t *testing.T) {
	tests := []struct {
		name     string
		boardID  string
		expected bool
	}{
		{"Name", "Platform Launch", true},
		{"UUID", "3f1e2d9c-8a5b-4c7e-9f0a-1b2c3d4e5f60", true},
		{"Empty", "", false},
		{"Max length", strings.Repeat("b", domain.MaxBoardIDLength), true},
		{"Too long", strings.Repeat("b", domain.MaxBoardIDLength+1), false},
		{"Invalid UTF-8", "board\xff", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidBoardID(tc.boardID); got != tc.expected {
				t.Errorf("ValidBoardID(%q) = %v, expected %v", tc.boardID, got, tc.expected)
			}
		})
	}
}
