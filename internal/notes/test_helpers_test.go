package notes

import (
	"testing"
	"time"
)

var testNow = time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustNoteID(t *testing.T, value string) NoteID {
	t.Helper()
	id, err := NewNoteID(value)
	if err != nil {
		t.Fatalf("unexpected note id error: %v", err)
	}
	return id
}

func newTestNote(t *testing.T, id, owner string) Note {
	t.Helper()
	return NewNote(mustNoteID(t, id), mustUserID(t, owner), "Groceries", `{"ops":[{"insert":"milk\n"}]}`, testNow)
}

func stringPointer(value string) *string {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}
