package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// chunkRow is the recording_chunks table
type chunkRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key"`
	SessionID  string    `gorm:"type:varchar(255);not null;uniqueIndex:idx_recording_chunks_session_index"`
	ChunkIndex int       `gorm:"not null;uniqueIndex:idx_recording_chunks_session_index"`
	ObjectPath string    `gorm:"type:varchar(500);not null"`
	FileSize   int64     `gorm:"type:bigint;not null"`
	ETag       string    `gorm:"column:etag;type:varchar(128)"`
	MimeType   string    `gorm:"type:varchar(128)"`
	Status     string    `gorm:"type:varchar(20);not null"`
	UploadedAt time.Time `gorm:"type:timestamptz;not null"`
}

func (chunkRow) TableName() string {
	return "recording_chunks"
}

func rowFromEntry(e Entry) chunkRow {
	return chunkRow{
		ID:         e.ID,
		SessionID:  e.SessionID,
		ChunkIndex: e.ChunkIndex,
		ObjectPath: e.ObjectPath,
		FileSize:   e.Size,
		ETag:       e.ETag,
		MimeType:   e.MimeType,
		Status:     e.Status,
		UploadedAt: e.UploadedAt,
	}
}

func (r chunkRow) entry() Entry {
	return Entry{
		ID:         r.ID,
		SessionID:  r.SessionID,
		ChunkIndex: r.ChunkIndex,
		ObjectPath: r.ObjectPath,
		Size:       r.FileSize,
		ETag:       r.ETag,
		MimeType:   r.MimeType,
		Status:     r.Status,
		UploadedAt: r.UploadedAt,
	}
}

// GormLedger keeps the ledger in Postgres through gorm
type GormLedger struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLedger connects to Postgres and migrates recording_chunks
func NewGormLedger(dsn string, log *zap.Logger) (*GormLedger, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return NewGormLedgerWithDB(db, log)
}

// NewGormLedgerWithDB wraps an open gorm handle
func NewGormLedgerWithDB(db *gorm.DB, log *zap.Logger) (*GormLedger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := db.AutoMigrate(&chunkRow{}); err != nil {
		return nil, fmt.Errorf("migrate recording_chunks: %w", err)
	}
	log.Info("Chunk ledger ready", zap.String("dialect", db.Dialector.Name()))
	return &GormLedger{db: db, logger: log}, nil
}

func (l *GormLedger) RecordChunk(ctx context.Context, entry Entry) error {
	row := rowFromEntry(prepare(entry))
	err := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "chunk_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"object_path", "file_size", "etag", "mime_type", "status", "uploaded_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("record chunk %d: %w", entry.ChunkIndex, err)
	}
	return nil
}

func (l *GormLedger) Chunks(ctx context.Context, sessionID string) ([]Entry, error) {
	var rows []chunkRow
	err := l.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("chunk_index ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.entry())
	}
	return out, nil
}

func (l *GormLedger) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
