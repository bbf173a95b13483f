package notes

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidDocument indicates a remote document that cannot be turned into a note.
var ErrInvalidDocument = errors.New("notes: invalid remote document")

// TimestampLayout is the canonical ISO-8601 form used on the wire (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Remote document field names.
const (
	FieldID             = "id"
	FieldOwnerID        = "ownerId"
	FieldTitle          = "title"
	FieldContent        = "content"
	FieldCollaborators  = "collaborators"
	FieldIsPrivate      = "isPrivate"
	FieldTags           = "tags"
	FieldIsPinned       = "isPinned"
	FieldIsArchived     = "isArchived"
	FieldIsFavorite     = "isFavorite"
	FieldColor          = "color"
	FieldSyncStatus     = "syncStatus"
	FieldIsSyncEnabled  = "isSyncEnabled"
	FieldNoteType       = "noteType"
	FieldWorkspaceID    = "workspaceId"
	FieldAttachments    = "attachments"
	FieldReminder       = "reminder"
	FieldChecklistItems = "checklistItems"
	FieldCreatedAt      = "createdAt"
	FieldUpdatedAt      = "updatedAt"
)

// FormatTimestamp renders t in the canonical wire form.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts the canonical wire form and any RFC 3339 timestamp.
func ParseTimestamp(raw string) (time.Time, error) {
	trimmed := strings.TrimSpace(raw)
	if parsed, err := time.Parse(TimestampLayout, trimmed); err == nil {
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}

// EncodeDocument serializes a note for the remote store. Optional fields that are
// unset are left out entirely; the remote schema never stores absent values.
func EncodeDocument(note Note) map[string]any {
	fields := map[string]any{
		FieldID:            note.ID,
		FieldOwnerID:       note.OwnerID,
		FieldTitle:         note.Title,
		FieldContent:       note.Content,
		FieldCollaborators: cloneStrings(note.Collaborators),
		FieldIsPrivate:     note.IsPrivate,
		FieldTags:          cloneStrings(note.Tags),
		FieldIsPinned:      note.IsPinned,
		FieldIsArchived:    note.IsArchived,
		FieldIsFavorite:    note.IsFavorite,
		FieldColor:         nil,
		FieldSyncStatus:    string(note.SyncStatus),
		FieldIsSyncEnabled: note.IsSyncEnabled,
		FieldNoteType:      string(note.NoteType),
		FieldCreatedAt:     FormatTimestamp(note.CreatedAt),
		FieldUpdatedAt:     FormatTimestamp(note.UpdatedAt),
	}
	if note.Color != ColorNone {
		fields[FieldColor] = string(note.Color)
	}
	if note.NoteType == "" {
		fields[FieldNoteType] = string(NoteTypeNote)
	}
	if note.WorkspaceID != "" {
		fields[FieldWorkspaceID] = note.WorkspaceID
	}
	if note.Attachments != nil {
		fields[FieldAttachments] = cloneStrings(note.Attachments)
	}
	if note.Reminder != nil {
		fields[FieldReminder] = FormatTimestamp(*note.Reminder)
	}
	if note.ChecklistItems != nil {
		items := make([]any, 0, len(note.ChecklistItems))
		for _, item := range note.ChecklistItems {
			items = append(items, map[string]any{
				"id":        item.ID,
				"text":      item.Text,
				"completed": item.Completed,
				"order":     item.Order,
			})
		}
		fields[FieldChecklistItems] = items
	}
	return fields
}

// DecodeDocument rebuilds a note from remote fields, filling every missing or
// malformed field with its default. The remote copy is treated as settled, so the
// decoded note is always marked completed. fallbackTime stands in for timestamps
// that are missing on both createdAt and updatedAt.
func DecodeDocument(id string, fields map[string]any, fallbackTime time.Time) (Note, error) {
	noteID, err := NewNoteID(id)
	if err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	ownerID, err := NewUserID(stringField(fields, FieldOwnerID, ""))
	if err != nil {
		return Note{}, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}

	createdAt, createdOK := timeField(fields, FieldCreatedAt)
	updatedAt, updatedOK := timeField(fields, FieldUpdatedAt)
	switch {
	case !createdOK && !updatedOK:
		createdAt = fallbackTime.UTC()
		updatedAt = fallbackTime.UTC()
	case !createdOK:
		createdAt = updatedAt
	case !updatedOK:
		updatedAt = createdAt
	}

	color, colorErr := ParseColor(stringField(fields, FieldColor, ""))
	if colorErr != nil {
		color = ColorNone
	}
	noteType, typeErr := ParseNoteType(stringField(fields, FieldNoteType, ""))
	if typeErr != nil {
		noteType = NoteTypeNote
	}

	note := Note{
		ID:             noteID.String(),
		OwnerID:        ownerID.String(),
		Title:          stringField(fields, FieldTitle, ""),
		Content:        stringField(fields, FieldContent, ""),
		Collaborators:  stringSliceField(fields, FieldCollaborators),
		IsPrivate:      boolField(fields, FieldIsPrivate, true),
		Tags:           stringSliceField(fields, FieldTags),
		IsPinned:       boolField(fields, FieldIsPinned, false),
		IsArchived:     boolField(fields, FieldIsArchived, false),
		IsFavorite:     boolField(fields, FieldIsFavorite, false),
		Color:          color,
		SyncStatus:     SyncStatusCompleted,
		IsSyncEnabled:  boolField(fields, FieldIsSyncEnabled, true),
		NoteType:       noteType,
		WorkspaceID:    stringField(fields, FieldWorkspaceID, ""),
		ChecklistItems: checklistField(fields, FieldChecklistItems),
		CreatedAt:      createdAt,
		UpdatedAt:      updatedAt,
	}
	if _, ok := fields[FieldAttachments]; ok {
		note.Attachments = stringSliceField(fields, FieldAttachments)
	}
	if reminder, ok := timeField(fields, FieldReminder); ok {
		note.Reminder = &reminder
	}
	return note, nil
}

func stringField(fields map[string]any, key, fallback string) string {
	value, ok := fields[key].(string)
	if !ok {
		return fallback
	}
	return value
}

func boolField(fields map[string]any, key string, fallback bool) bool {
	value, ok := fields[key].(bool)
	if !ok {
		return fallback
	}
	return value
}

func timeField(fields map[string]any, key string) (time.Time, bool) {
	switch value := fields[key].(type) {
	case string:
		parsed, err := ParseTimestamp(value)
		if err != nil {
			return time.Time{}, false
		}
		return parsed, true
	case time.Time:
		return value.UTC(), true
	default:
		return time.Time{}, false
	}
}

func stringSliceField(fields map[string]any, key string) []string {
	result := []string{}
	switch values := fields[key].(type) {
	case []string:
		result = append(result, values...)
	case []any:
		for _, value := range values {
			if text, ok := value.(string); ok {
				result = append(result, text)
			}
		}
	}
	return result
}

func checklistField(fields map[string]any, key string) []ChecklistItem {
	values, ok := fields[key].([]any)
	if !ok {
		return nil
	}
	items := make([]ChecklistItem, 0, len(values))
	for _, value := range values {
		entry, ok := value.(map[string]any)
		if !ok {
			continue
		}
		items = append(items, ChecklistItem{
			ID:        stringField(entry, "id", ""),
			Text:      stringField(entry, "text", ""),
			Completed: boolField(entry, "completed", false),
			Order:     intValue(entry["order"]),
		})
	}
	return items
}

func intValue(value any) int {
	switch number := value.(type) {
	case int:
		return number
	case int64:
		return int(number)
	case float64:
		if math.IsNaN(number) || math.IsInf(number, 0) {
			return 0
		}
		return int(number)
	default:
		return 0
	}
}
