package ws

import (
	"errors"
	"strings"

	"github.com/mmuslimabdulj/board-presence/internal/domain"
)

var (
	ErrGuestsDisabled = errors.New("guest connections are disabled")
	ErrNotGuestID     = errors.New("unverified id must start with " + domain.GuestIDPrefix)
	ErrMissingID      = errors.New("join without id")
)

// resolveIdentity builds the User a join announces. A token verified at
// upgrade pins id and email; the payload can only fill in display fields.
// Color is always derived from the id.
func (g *Gateway) resolveIdentity(c *Client, p domain.JoinPayload) (*domain.User, error) {
	if c.pinned != nil {
		if p.ID != "" && p.ID != c.pinned.ID {
			g.logger.Debug("join id overridden by token", "key", c.Key, "claimed", p.ID, "user", c.pinned.ID)
		}

		user := domain.NewUser(c.pinned.ID, firstNonEmpty(c.pinned.Name, p.Name))
		user.Email = c.pinned.Email
		user.AvatarURL = firstNonEmpty(c.pinned.AvatarURL, p.AvatarURL)
		return user, nil
	}

	id := strings.TrimSpace(p.ID)
	if id == "" {
		return nil, ErrMissingID
	}
	if !g.settings.AllowGuests {
		return nil, ErrGuestsDisabled
	}
	if g.settings.RequireGuestPrefix && !strings.HasPrefix(id, domain.GuestIDPrefix) {
		return nil, ErrNotGuestID
	}

	user := domain.NewUser(id, p.Name)
	user.Email = p.Email
	user.AvatarURL = p.AvatarURL
	return user, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
