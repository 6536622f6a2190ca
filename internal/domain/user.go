package domain

import (
	"time"

	"github.com/google/uuid"
)

// User represents a directory entry for a registered user
type User struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Profile is the public subset of a user embedded in conversation records
// and surfaced with incoming calls
type Profile struct {
	UserID      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
}

// Profile returns the public projection of a user
func (u *User) Profile() Profile {
	return Profile{
		UserID:      u.UserID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarURL:   u.AvatarURL,
	}
}
