package presence

import (
	"strings"
	"time"
	"unicode/utf16"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

// Palette is the fixed set of presence colors.
var Palette = []string{
	"#EF5350", "#EC407A", "#AB47BC", "#5C6BC0", "#42A5F5",
	"#26A69A", "#66BB6A", "#FF7043", "#8D6E63", "#78909C",
}

// Presence document fields under notes/{noteId}/presence/{userId}.
const (
	fieldUserID       = "userId"
	fieldUserName     = "userName"
	fieldUserEmail    = "userEmail"
	fieldUserPhotoURL = "userPhotoUrl"
	fieldLastSeen     = "lastSeen"
	fieldIsActive     = "isActive"
	fieldColor        = "color"
)

// Participant is the identity snapshot written when a user joins a note.
type Participant struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	PhotoURL string `json:"photoUrl,omitempty"`
}

// Record is one user's liveness on a note.
type Record struct {
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	UserEmail    string    `json:"userEmail"`
	UserPhotoURL string    `json:"userPhotoUrl,omitempty"`
	LastSeen     time.Time `json:"lastSeen"`
	IsActive     bool      `json:"isActive"`
	Color        string    `json:"color"`
}

// ColorFor maps a user id onto the palette. The same id always yields the same color.
func ColorFor(userID string) string {
	var hash int64
	for _, unit := range utf16.Encode([]rune(userID)) {
		hash = int64(unit) + int64(int32(hash)<<5) - hash
	}
	if hash < 0 {
		hash = -hash
	}
	return Palette[hash%int64(len(Palette))]
}

// IsActive reports whether record counts as present at now.
func IsActive(record Record, now time.Time, timeout time.Duration) bool {
	return record.IsActive && now.Sub(record.LastSeen) < timeout
}

// FilterActive keeps the records that are active at now.
func FilterActive(records []Record, now time.Time, timeout time.Duration) []Record {
	active := make([]Record, 0, len(records))
	for _, record := range records {
		if IsActive(record, now, timeout) {
			active = append(active, record)
		}
	}
	return active
}

func encodeRecord(participant Participant, color string, lastSeen time.Time) map[string]any {
	fields := map[string]any{
		fieldUserID:       participant.ID,
		fieldUserName:     participant.Name,
		fieldUserEmail:    participant.Email,
		fieldUserPhotoURL: nil,
		fieldLastSeen:     notes.FormatTimestamp(lastSeen),
		fieldIsActive:     true,
		fieldColor:        color,
	}
	if photo := strings.TrimSpace(participant.PhotoURL); photo != "" {
		fields[fieldUserPhotoURL] = photo
	}
	return fields
}

// decodeRecord rebuilds a record with defaults for every missing field. A record
// whose lastSeen cannot be read keeps the zero time and is therefore stale.
func decodeRecord(key string, fields map[string]any) Record {
	text := func(name string) string {
		value, _ := fields[name].(string)
		return value
	}
	record := Record{
		UserID:       text(fieldUserID),
		UserName:     text(fieldUserName),
		UserEmail:    text(fieldUserEmail),
		UserPhotoURL: text(fieldUserPhotoURL),
		Color:        text(fieldColor),
	}
	if record.UserID == "" {
		record.UserID = key
	}
	if active, ok := fields[fieldIsActive].(bool); ok {
		record.IsActive = active
	}
	switch value := fields[fieldLastSeen].(type) {
	case string:
		if parsed, err := notes.ParseTimestamp(value); err == nil {
			record.LastSeen = parsed
		}
	case time.Time:
		record.LastSeen = value.UTC()
	}
	if record.Color == "" {
		record.Color = ColorFor(record.UserID)
	}
	return record
}
