package localstore

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
)

// NoteRecord is the persisted row for a local note.
type NoteRecord struct {
	ID                string  `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID           string  `gorm:"column:owner_id;size:190;not null;index:idx_notes_owner_archived,priority:1;index:idx_notes_owner_pinned,priority:1"`
	IsArchived        bool    `gorm:"column:is_archived;not null;default:false;index:idx_notes_owner_archived,priority:2"`
	IsPinned          bool    `gorm:"column:is_pinned;not null;default:false;index:idx_notes_owner_pinned,priority:2"`
	IsFavorite        bool    `gorm:"column:is_favorite;not null;default:false;index:idx_notes_favorite"`
	Title             string  `gorm:"column:title;type:text;not null"`
	Content           string  `gorm:"column:content;type:text;not null"`
	TagsJSON          string  `gorm:"column:tags_json;type:text;not null"`
	CollaboratorsJSON string  `gorm:"column:collaborators_json;type:text;not null"`
	IsPrivate         bool    `gorm:"column:is_private;not null"`
	Color             string  `gorm:"column:color;size:16;not null"`
	SyncStatus        string  `gorm:"column:sync_status;size:16;not null"`
	IsSyncEnabled     bool    `gorm:"column:is_sync_enabled;not null"`
	NoteType          string  `gorm:"column:note_type;size:16;not null"`
	WorkspaceID       string  `gorm:"column:workspace_id;size:190;not null"`
	AttachmentsJSON   *string `gorm:"column:attachments_json;type:text"`
	ChecklistJSON     *string `gorm:"column:checklist_json;type:text"`
	ReminderMillis    *int64  `gorm:"column:reminder_ms"`
	CreatedAtMillis   int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis   int64   `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteRecord) TableName() string {
	return "notes"
}

// NoteTagRecord indexes a note under each of its tags.
type NoteTagRecord struct {
	NoteID  string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Tag     string `gorm:"column:tag;primaryKey;size:190;not null;index:idx_note_tags_owner_tag,priority:2"`
	OwnerID string `gorm:"column:owner_id;size:190;not null;index:idx_note_tags_owner_tag,priority:1"`
}

// TableName provides the explicit table binding for GORM.
func (NoteTagRecord) TableName() string {
	return "note_tags"
}

func toRecord(note notes.Note) (NoteRecord, error) {
	tagsJSON, err := json.Marshal(nonNil(note.Tags))
	if err != nil {
		return NoteRecord{}, err
	}
	collaboratorsJSON, err := json.Marshal(nonNil(note.Collaborators))
	if err != nil {
		return NoteRecord{}, err
	}
	record := NoteRecord{
		ID:                note.ID,
		OwnerID:           note.OwnerID,
		IsArchived:        note.IsArchived,
		IsPinned:          note.IsPinned,
		IsFavorite:        note.IsFavorite,
		Title:             note.Title,
		Content:           note.Content,
		TagsJSON:          string(tagsJSON),
		CollaboratorsJSON: string(collaboratorsJSON),
		IsPrivate:         note.IsPrivate,
		Color:             string(note.Color),
		SyncStatus:        string(note.SyncStatus),
		IsSyncEnabled:     note.IsSyncEnabled,
		NoteType:          string(note.NoteType),
		WorkspaceID:       note.WorkspaceID,
		CreatedAtMillis:   note.CreatedAt.UTC().UnixMilli(),
		UpdatedAtMillis:   note.UpdatedAt.UTC().UnixMilli(),
	}
	if note.Attachments != nil {
		encoded, err := json.Marshal(note.Attachments)
		if err != nil {
			return NoteRecord{}, err
		}
		value := string(encoded)
		record.AttachmentsJSON = &value
	}
	if note.ChecklistItems != nil {
		encoded, err := json.Marshal(note.ChecklistItems)
		if err != nil {
			return NoteRecord{}, err
		}
		value := string(encoded)
		record.ChecklistJSON = &value
	}
	if note.Reminder != nil {
		millis := note.Reminder.UTC().UnixMilli()
		record.ReminderMillis = &millis
	}
	return record, nil
}

func fromRecord(record NoteRecord) (notes.Note, error) {
	note := notes.Note{
		ID:            record.ID,
		OwnerID:       record.OwnerID,
		Title:         record.Title,
		Content:       record.Content,
		IsPrivate:     record.IsPrivate,
		IsPinned:      record.IsPinned,
		IsArchived:    record.IsArchived,
		IsFavorite:    record.IsFavorite,
		Color:         notes.ColorNone,
		SyncStatus:    notes.SyncStatusPending,
		IsSyncEnabled: record.IsSyncEnabled,
		NoteType:      notes.NoteTypeNote,
		WorkspaceID:   record.WorkspaceID,
		CreatedAt:     time.UnixMilli(record.CreatedAtMillis).UTC(),
		UpdatedAt:     time.UnixMilli(record.UpdatedAtMillis).UTC(),
	}
	// Unknown enumerations fall back to their defaults.
	if status, err := notes.ParseSyncStatus(record.SyncStatus); err == nil {
		note.SyncStatus = status
	}
	if color, err := notes.ParseColor(record.Color); err == nil {
		note.Color = color
	}
	if noteType, err := notes.ParseNoteType(record.NoteType); err == nil {
		note.NoteType = noteType
	}
	if err := json.Unmarshal([]byte(record.TagsJSON), &note.Tags); err != nil {
		return notes.Note{}, err
	}
	if err := json.Unmarshal([]byte(record.CollaboratorsJSON), &note.Collaborators); err != nil {
		return notes.Note{}, err
	}
	note.Tags = nonNil(note.Tags)
	note.Collaborators = nonNil(note.Collaborators)
	if record.AttachmentsJSON != nil {
		note.Attachments = []string{}
		if err := json.Unmarshal([]byte(*record.AttachmentsJSON), &note.Attachments); err != nil {
			return notes.Note{}, err
		}
	}
	if record.ChecklistJSON != nil {
		note.ChecklistItems = []notes.ChecklistItem{}
		if err := json.Unmarshal([]byte(*record.ChecklistJSON), &note.ChecklistItems); err != nil {
			return notes.Note{}, err
		}
	}
	if record.ReminderMillis != nil {
		reminder := time.UnixMilli(*record.ReminderMillis).UTC()
		note.Reminder = &reminder
	}
	return note, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
