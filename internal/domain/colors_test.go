package domain

import (
	"fmt"
	"testing"
)

func TestColorFor_KnownValues(t *testing.T) {
	tests := []struct {
		id       string
		expected string
	}{
		{"", "#f87171"},
		{"a", "#fb923c"},  // 97 % 16 = 1
		{"ab", "#fb923c"}, // 98 + 3104 - 97 = 3105, 3105 % 16 = 1
	}

	for _, tc := range tests {
		if got := ColorFor(tc.id); got != tc.expected {
			t.Errorf("ColorFor(%q) = %s, expected %s", tc.id, got, tc.expected)
		}
	}
}

func TestColorFor_Idempotent(t *testing.T) {
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("guest-%d", 1700000000000+i*7919)
		first := ColorFor(id)
		for j := 0; j < 5; j++ {
			if got := ColorFor(id); got != first {
				t.Fatalf("ColorFor(%q) changed between calls: %s vs %s", id, first, got)
			}
		}
	}
}

func TestColorFor_AlwaysInPalette(t *testing.T) {
	inPalette := make(map[string]bool, len(Palette))
	for _, c := range Palette {
		inPalette[c] = true
	}

	ids := []string{
		"0b4f3a2e-8f7d-4c1e-9a3b-6d2c1e0f9a8b",
		"guest-1712345678901",
		"ユーザー",
		"😀 emoji id",
		string(make([]byte, 5000)),
	}
	for _, id := range ids {
		if c := ColorFor(id); !inPalette[c] {
			t.Errorf("ColorFor(%q) = %s, not in palette", id, c)
		}
	}
}

func TestNewUser_DerivesColor(t *testing.T) {
	u := NewUser("u1", "Alice")
	if u.Color != ColorFor("u1") {
		t.Errorf("Expected color %s, got %s", ColorFor("u1"), u.Color)
	}
	if u.Cursor != nil {
		t.Error("Expected new user to have no cursor")
	}
}

func TestUser_Clone(t *testing.T) {
	u := User{ID: "u1", Cursor: &Cursor{X: 1, Y: 2}}
	c := u.Clone()
	c.Cursor.X = 50

	if u.Cursor.X != 1 {
		t.Error("Clone should not share cursor memory")
	}
}

func TestEncodeDecode(t *testing.T) {
	data, err := Encode(MessageTypeUserLeave, LeavePayload{ID: "u1"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	env, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if env.Type != MessageTypeUserLeave {
		t.Errorf("Expected type %s, got %s", MessageTypeUserLeave, env.Type)
	}
	if string(env.Payload) != `{"id":"u1"}` {
		t.Errorf("Unexpected payload %s", env.Payload)
	}
}
