package notes

import "time"

// Patch describes a partial note update. Nil fields are left untouched.
type Patch struct {
	Title          *string          `json:"title,omitempty"`
	Content        *string          `json:"content,omitempty"`
	Tags           *[]string        `json:"tags,omitempty"`
	Color          *Color           `json:"color,omitempty"`
	IsPinned       *bool            `json:"isPinned,omitempty"`
	IsArchived     *bool            `json:"isArchived,omitempty"`
	IsFavorite     *bool            `json:"isFavorite,omitempty"`
	IsPrivate      *bool            `json:"isPrivate,omitempty"`
	Collaborators  *[]string        `json:"collaborators,omitempty"`
	NoteType       *NoteType        `json:"noteType,omitempty"`
	WorkspaceID    *string          `json:"workspaceId,omitempty"`
	Attachments    *[]string        `json:"attachments,omitempty"`
	Reminder       *time.Time       `json:"reminder,omitempty"`
	ClearReminder  bool             `json:"clearReminder,omitempty"`
	ChecklistItems *[]ChecklistItem `json:"checklistItems,omitempty"`
}

// Validate checks enumerated fields before the patch touches a note.
func (p Patch) Validate() error {
	if p.Color != nil {
		if _, err := ParseColor(string(*p.Color)); err != nil {
			return err
		}
	}
	if p.NoteType != nil {
		if _, err := ParseNoteType(string(*p.NoteType)); err != nil {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.Tags == nil && p.Color == nil &&
		p.IsPinned == nil && p.IsArchived == nil && p.IsFavorite == nil && p.IsPrivate == nil &&
		p.Collaborators == nil && p.NoteType == nil && p.WorkspaceID == nil &&
		p.Attachments == nil && p.Reminder == nil && !p.ClearReminder && p.ChecklistItems == nil
}

// ApplyPatch returns a copy of note with the patch applied. Every mutation marks the
// note pending and advances UpdatedAt without ever moving it backwards.
func ApplyPatch(note Note, patch Patch, now time.Time) Note {
	updated := note.Clone()
	if patch.Title != nil {
		updated.Title = *patch.Title
	}
	if patch.Content != nil {
		updated.Content = *patch.Content
	}
	if patch.Tags != nil {
		updated.Tags = normalizeSet(*patch.Tags)
	}
	if patch.Color != nil {
		color, err := ParseColor(string(*patch.Color))
		if err == nil {
			updated.Color = color
		}
	}
	if patch.IsPinned != nil {
		updated.IsPinned = *patch.IsPinned
	}
	if patch.IsArchived != nil {
		updated.IsArchived = *patch.IsArchived
	}
	if patch.IsFavorite != nil {
		updated.IsFavorite = *patch.IsFavorite
	}
	if patch.IsPrivate != nil {
		updated.IsPrivate = *patch.IsPrivate
	}
	if patch.Collaborators != nil {
		updated.Collaborators = normalizeSet(*patch.Collaborators)
	}
	if patch.NoteType != nil {
		noteType, err := ParseNoteType(string(*patch.NoteType))
		if err == nil {
			updated.NoteType = noteType
		}
	}
	if patch.WorkspaceID != nil {
		updated.WorkspaceID = *patch.WorkspaceID
	}
	if patch.Attachments != nil {
		updated.Attachments = cloneStrings(*patch.Attachments)
	}
	if patch.ClearReminder {
		updated.Reminder = nil
	} else if patch.Reminder != nil {
		reminder := patch.Reminder.UTC()
		updated.Reminder = &reminder
	}
	if patch.ChecklistItems != nil {
		updated.ChecklistItems = append([]ChecklistItem{}, (*patch.ChecklistItems)...)
	}
	Touch(&updated, now)
	return updated
}

// Touch marks a note as locally mutated.
func Touch(note *Note, now time.Time) {
	timestamp := now.UTC()
	if timestamp.After(note.UpdatedAt) {
		note.UpdatedAt = timestamp
	}
	note.SyncStatus = SyncStatusPending
}
