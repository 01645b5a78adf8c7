package domain

// Cursor is a pointer position normalized to the viewport. Both axes are
// percentages in [0, 100] so positions survive different screen sizes.
type Cursor struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// User is the presence identity of one connected client
type User struct {
	ID        string  `json:"id"`
	Email     string  `json:"email,omitempty"`
	Name      string  `json:"name,omitempty"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Color     string  `json:"color"`
	Cursor    *Cursor `json:"cursor,omitempty"`
	BoardID   string  `json:"boardId,omitempty"`
}

// NewUser creates a User whose color is derived from its id
func NewUser(id, name string) *User {
	return &User{
		ID:    id,
		Name:  name,
		Color: ColorFor(id),
	}
}

// Clone returns a copy that shares no memory with u
func (u User) Clone() User {
	if u.Cursor != nil {
		c := *u.Cursor
		u.Cursor = &c
	}
	return u
}
