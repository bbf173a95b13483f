package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidColor indicates that a color is not part of the note palette.
	ErrInvalidColor = errors.New("notes: invalid color")
	// ErrInvalidNoteType indicates an unknown note type.
	ErrInvalidNoteType = errors.New("notes: invalid note type")
	// ErrInvalidSyncStatus indicates an unknown sync status.
	ErrInvalidSyncStatus = errors.New("notes: invalid sync status")
)

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidNoteID)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	if strings.Contains(trimmed, "/") {
		return "", fmt.Errorf("%w: contains path separator", ErrInvalidUserID)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// SyncStatus is the last known propagation outcome of a note to the remote store.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusFailed    SyncStatus = "failed"
)

// ParseSyncStatus validates a raw status value.
func ParseSyncStatus(raw string) (SyncStatus, error) {
	switch SyncStatus(strings.TrimSpace(raw)) {
	case SyncStatusPending:
		return SyncStatusPending, nil
	case SyncStatusCompleted:
		return SyncStatusCompleted, nil
	case SyncStatusFailed:
		return SyncStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSyncStatus, raw)
	}
}

// NoteType distinguishes plain notes from task-like notes.
type NoteType string

const (
	NoteTypeNote      NoteType = "note"
	NoteTypeTodo      NoteType = "todo"
	NoteTypeChecklist NoteType = "checklist"
)

// ParseNoteType validates a raw note type; an empty value maps to NoteTypeNote.
func ParseNoteType(raw string) (NoteType, error) {
	switch NoteType(strings.TrimSpace(raw)) {
	case "", NoteTypeNote:
		return NoteTypeNote, nil
	case NoteTypeTodo:
		return NoteTypeTodo, nil
	case NoteTypeChecklist:
		return NoteTypeChecklist, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidNoteType, raw)
	}
}

// Color is a note background drawn from Palette. The zero value means no color.
type Color string

// ColorNone marks a note without a color.
const ColorNone Color = ""

// NamedColor pairs a palette entry with its display name.
type NamedColor struct {
	Name  string
	Value Color
}

// Palette lists the colors a note may carry.
var Palette = []NamedColor{
	{Name: "Red", Value: "#EF5350"},
	{Name: "Pink", Value: "#EC407A"},
	{Name: "Purple", Value: "#AB47BC"},
	{Name: "Indigo", Value: "#5C6BC0"},
	{Name: "Blue", Value: "#42A5F5"},
	{Name: "Teal", Value: "#26A69A"},
	{Name: "Green", Value: "#66BB6A"},
	{Name: "Yellow", Value: "#FFEE58"},
	{Name: "Orange", Value: "#FF7043"},
	{Name: "Brown", Value: "#8D6E63"},
	{Name: "Gray", Value: "#78909C"},
	{Name: "Grey", Value: "#BDBDBD"},
}

// ParseColor validates a raw color against Palette. Empty input maps to ColorNone.
func ParseColor(raw string) (Color, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return ColorNone, nil
	}
	for _, entry := range Palette {
		if string(entry.Value) == trimmed {
			return entry.Value, nil
		}
	}
	return ColorNone, fmt.Errorf("%w: %q", ErrInvalidColor, raw)
}

// ChecklistItem is a single entry of a checklist note.
type ChecklistItem struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
	Order     int    `json:"order"`
}

// Note is a user-owned document persisted locally and optionally mirrored remotely.
type Note struct {
	ID      string `json:"id"`
	OwnerID string `json:"ownerId"`
	Title   string `json:"title"`
	// Content is the serialized editor document. It is never inspected.
	Content string `json:"content"`

	Collaborators []string `json:"collaborators"`
	IsPrivate     bool     `json:"isPrivate"`

	Tags       []string `json:"tags"`
	IsPinned   bool     `json:"isPinned"`
	IsArchived bool     `json:"isArchived"`
	IsFavorite bool     `json:"isFavorite"`
	Color      Color    `json:"color"`

	SyncStatus    SyncStatus `json:"syncStatus"`
	IsSyncEnabled bool       `json:"isSyncEnabled"`

	NoteType       NoteType        `json:"noteType"`
	WorkspaceID    string          `json:"workspaceId,omitempty"`
	Attachments    []string        `json:"attachments,omitempty"`
	Reminder       *time.Time      `json:"reminder,omitempty"`
	ChecklistItems []ChecklistItem `json:"checklistItems,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewNote builds a freshly created local note: private, unsynced and pending.
func NewNote(id NoteID, ownerID UserID, title, content string, now time.Time) Note {
	timestamp := now.UTC()
	return Note{
		ID:            id.String(),
		OwnerID:       ownerID.String(),
		Title:         title,
		Content:       content,
		Collaborators: []string{},
		IsPrivate:     true,
		Tags:          []string{},
		Color:         ColorNone,
		SyncStatus:    SyncStatusPending,
		IsSyncEnabled: false,
		NoteType:      NoteTypeNote,
		CreatedAt:     timestamp,
		UpdatedAt:     timestamp,
	}
}

// EffectiveSyncStatus reports the status observers should see. Notes with sync
// disabled are settled local-only notes and always read as completed.
func (n Note) EffectiveSyncStatus() SyncStatus {
	if !n.IsSyncEnabled {
		return SyncStatusCompleted
	}
	return n.SyncStatus
}

// Clone returns a deep copy so callers can mutate slices without aliasing.
func (n Note) Clone() Note {
	cloned := n
	cloned.Tags = cloneStrings(n.Tags)
	cloned.Collaborators = cloneStrings(n.Collaborators)
	if n.Attachments != nil {
		cloned.Attachments = cloneStrings(n.Attachments)
	}
	if n.ChecklistItems != nil {
		cloned.ChecklistItems = append([]ChecklistItem(nil), n.ChecklistItems...)
	}
	if n.Reminder != nil {
		reminder := *n.Reminder
		cloned.Reminder = &reminder
	}
	return cloned
}

// HasTag reports whether the note carries the exact tag.
func (n Note) HasTag(tag string) bool {
	for _, candidate := range n.Tags {
		if candidate == tag {
			return true
		}
	}
	return false
}

func cloneStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return append([]string{}, values...)
}

// normalizeSet trims entries, drops blanks and duplicates while keeping first-seen order.
func normalizeSet(values []string) []string {
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
