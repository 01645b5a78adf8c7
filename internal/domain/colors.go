package domain

import "unicode/utf16"

// Palette is the fixed set of cursor colors (Tailwind 400 shades)
var Palette = []string{
	"#f87171", // red
	"#fb923c", // orange
	"#fbbf24", // amber
	"#facc15", // yellow
	"#a3e635", // lime
	"#4ade80", // green
	"#34d399", // emerald
	"#2dd4bf", // teal
	"#22d3ee", // cyan
	"#60a5fa", // blue
	"#818cf8", // indigo
	"#a78bfa", // violet
	"#c084fc", // purple
	"#e879f9", // fuchsia
	"#f472b6", // pink
	"#fb7185", // rose
}

// ColorFor maps an id to a palette color. The hash runs over UTF-16 code
// units with 32-bit shift semantics so browser clients computing the same
// function agree with the server. Collisions are expected.
func ColorFor(id string) string {
	var hash int64
	for _, c := range utf16.Encode([]rune(id)) {
		shifted := int64(int32(uint32(hash) << 5))
		hash = int64(c) + shifted - hash
	}

	idx := hash % int64(len(Palette))
	if idx < 0 {
		idx = -idx
	}
	return Palette[idx]
}
