package localstore

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/collabnotes/internal/notes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opStoreNew      = "localstore.new"
	opPut           = "localstore.put"
	opGet           = "localstore.get"
	opDelete        = "localstore.delete"
	opQueryByOwner  = "localstore.query_by_owner"
	opQueryByTag    = "localstore.query_by_tag"
	reasonEncode    = "encode_failed"
	reasonDecode    = "decode_failed"
	reasonQuery     = "query_failed"
	reasonWrite     = "write_failed"
	reasonMissingDB = "missing_database"
)

var errMissingDatabase = errors.New("database handle is required")

// Config describes the dependencies of the local note store.
type Config struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists notes in the local SQLite database.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

var _ notes.Repository = (*Store)(nil)

// New constructs a Store. The schema is expected to be migrated already.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, notes.NewServiceError(opStoreNew, reasonMissingDB, errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Models lists the records the store needs migrated.
func Models() []any {
	return []any{&NoteRecord{}, &NoteTagRecord{}}
}

// Put replaces the note row and its tag index in a single transaction.
func (s *Store) Put(ctx context.Context, note notes.Note) error {
	record, err := toRecord(note)
	if err != nil {
		s.logError(opPut, reasonEncode, err, zap.String("note_id", note.ID))
		return notes.NewServiceError(opPut, reasonEncode, err)
	}
	tags := tagRecords(note)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&record).Error; err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", record.ID).Delete(&NoteTagRecord{}).Error; err != nil {
			return err
		}
		if len(tags) == 0 {
			return nil
		}
		return tx.Create(&tags).Error
	})
	if err != nil {
		s.logError(opPut, reasonWrite, err, zap.String("note_id", note.ID), zap.String("user_id", note.OwnerID))
		return notes.NewServiceError(opPut, reasonWrite, err)
	}
	return nil
}

// Get loads one note by id.
func (s *Store) Get(ctx context.Context, id notes.NoteID) (notes.Note, error) {
	var record NoteRecord
	err := s.db.WithContext(ctx).Where("id = ?", id.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notes.Note{}, notes.ErrNoteNotFound
	}
	if err != nil {
		s.logError(opGet, reasonQuery, err, zap.String("note_id", id.String()))
		return notes.Note{}, notes.NewServiceError(opGet, reasonQuery, err)
	}
	note, err := fromRecord(record)
	if err != nil {
		s.logError(opGet, reasonDecode, err, zap.String("note_id", id.String()))
		return notes.Note{}, notes.NewServiceError(opGet, reasonDecode, err)
	}
	return note, nil
}

// Delete removes the note and its tag index. Deleting an absent note succeeds.
func (s *Store) Delete(ctx context.Context, id notes.NoteID) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id = ?", id.String()).Delete(&NoteTagRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id.String()).Delete(&NoteRecord{}).Error
	})
	if err != nil {
		s.logError(opDelete, reasonWrite, err, zap.String("note_id", id.String()))
		return notes.NewServiceError(opDelete, reasonWrite, err)
	}
	return nil
}

// QueryByOwner returns the owner's notes whose archived flag matches.
func (s *Store) QueryByOwner(ctx context.Context, ownerID notes.UserID, archived bool) ([]notes.Note, error) {
	var records []NoteRecord
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND is_archived = ?", ownerID.String(), archived).
		Find(&records).Error
	if err != nil {
		s.logError(opQueryByOwner, reasonQuery, err, zap.String("user_id", ownerID.String()))
		return nil, notes.NewServiceError(opQueryByOwner, reasonQuery, err)
	}
	return s.decodeAll(opQueryByOwner, records)
}

// QueryByOwnerAndTag returns the owner's non-archived notes carrying tag.
func (s *Store) QueryByOwnerAndTag(ctx context.Context, ownerID notes.UserID, tag string) ([]notes.Note, error) {
	db := s.db.WithContext(ctx)
	tagged := db.Model(&NoteTagRecord{}).
		Select("note_id").
		Where("owner_id = ? AND tag = ?", ownerID.String(), strings.TrimSpace(tag))
	var records []NoteRecord
	err := db.
		Where("id IN (?) AND is_archived = ?", tagged, false).
		Find(&records).Error
	if err != nil {
		s.logError(opQueryByTag, reasonQuery, err, zap.String("user_id", ownerID.String()), zap.String("tag", tag))
		return nil, notes.NewServiceError(opQueryByTag, reasonQuery, err)
	}
	return s.decodeAll(opQueryByTag, records)
}

func (s *Store) decodeAll(operation string, records []NoteRecord) ([]notes.Note, error) {
	result := make([]notes.Note, 0, len(records))
	for _, record := range records {
		note, err := fromRecord(record)
		if err != nil {
			s.logError(operation, reasonDecode, err, zap.String("note_id", record.ID))
			return nil, notes.NewServiceError(operation, reasonDecode, err)
		}
		result = append(result, note)
	}
	return result, nil
}

func tagRecords(note notes.Note) []NoteTagRecord {
	seen := make(map[string]struct{}, len(note.Tags))
	records := make([]NoteTagRecord, 0, len(note.Tags))
	for _, tag := range note.Tags {
		trimmed := strings.TrimSpace(tag)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		records = append(records, NoteTagRecord{NoteID: note.ID, Tag: trimmed, OwnerID: note.OwnerID})
	}
	return records
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("local store error", attrs...)
}
