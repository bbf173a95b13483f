package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/localstore"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsTagIndex(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&localstore.NoteRecord{}, &localstore.NoteTagRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := localstore.NoteRecord{
		ID:                "note-1",
		OwnerID:           "user-1",
		Title:             "Groceries",
		TagsJSON:          `["home"," errands ",""]`,
		CollaboratorsJSON: `[]`,
		IsPrivate:         true,
		SyncStatus:        "pending",
		NoteType:          "",
		CreatedAtMillis:   1,
		UpdatedAtMillis:   1,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy note: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var tags []localstore.NoteTagRecord
	if err := database.Where("note_id = ?", legacy.ID).Order("tag").Find(&tags).Error; err != nil {
		testContext.Fatalf("failed to load tags: %v", err)
	}
	if len(tags) != 2 || tags[0].Tag != "errands" || tags[1].Tag != "home" {
		testContext.Fatalf("unexpected backfilled tags: %+v", tags)
	}
	if tags[0].OwnerID != "user-1" {
		testContext.Fatalf("expected owner to be copied, got %q", tags[0].OwnerID)
	}

	var stored localstore.NoteRecord
	if err := database.Where("id = ?", legacy.ID).Take(&stored).Error; err != nil {
		testContext.Fatalf("failed to reload note: %v", err)
	}
	if stored.NoteType != "note" {
		testContext.Fatalf("expected note type to default, got %q", stored.NoteType)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillNoteTags).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected reapplying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteMigratesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "open.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("open sqlite: %v", err)
	}
	defer Close(database)

	if !database.Migrator().HasTable(&localstore.NoteRecord{}) {
		testContext.Fatalf("expected notes table")
	}
	if !database.Migrator().HasTable(&localstore.NoteTagRecord{}) {
		testContext.Fatalf("expected note_tags table")
	}
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}
