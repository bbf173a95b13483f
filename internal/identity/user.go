package identity

import (
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

const (
	guestDisplayName    = "Guest User"
	fallbackDisplayName = "User"
)

// Profile document fields under users/{userId}.
const (
	profileFieldEmail       = "email"
	profileFieldDisplayName = "displayName"
	profileFieldPhotoURL    = "photoUrl"
	profileFieldCreatedAt   = "createdAt"
)

// User is the identity notes are owned by.
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName"`
	PhotoURL    string    `json:"photoUrl,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	IsGuest     bool      `json:"isGuest"`
}

// OwnerID returns the user id as a note owner.
func (u User) OwnerID() notes.UserID {
	return notes.UserID(u.ID)
}

func guestUser(guestID string, now time.Time) User {
	return User{
		ID:          guestID,
		Email:       "guest_" + guestID + "@local",
		DisplayName: guestDisplayName,
		CreatedAt:   now,
		IsGuest:     true,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
