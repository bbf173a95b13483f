package database

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/localstore"
	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationBackfillNoteTags  = "2024-09-01_backfill_note_tags"
	migrationDefaultNoteTypes  = "2024-09-02_default_note_types"
	migrationBackfillBatchSize = 200
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNoteTags, apply: backfillNoteTags},
		{name: migrationDefaultNoteTypes, apply: defaultNoteTypes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// backfillNoteTags rebuilds the tag index for rows written before it existed.
func backfillNoteTags(db *gorm.DB) error {
	var records []localstore.NoteRecord
	if err := db.Select("id", "owner_id", "tags_json").Find(&records).Error; err != nil {
		return err
	}
	tags := make([]localstore.NoteTagRecord, 0, len(records))
	for _, record := range records {
		var values []string
		if err := json.Unmarshal([]byte(record.TagsJSON), &values); err != nil {
			continue
		}
		for _, value := range values {
			trimmed := strings.TrimSpace(value)
			if trimmed == "" {
				continue
			}
			tags = append(tags, localstore.NoteTagRecord{NoteID: record.ID, Tag: trimmed, OwnerID: record.OwnerID})
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&tags, migrationBackfillBatchSize).Error
}

func defaultNoteTypes(db *gorm.DB) error {
	return db.Model(&localstore.NoteRecord{}).
		Where("note_type = ?", "").
		Update("note_type", string(notes.NoteTypeNote)).Error
}
