package internal_catalog

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gorm_logger "gorm.io/gorm/logger"

	internal_segment "github.com/tkys/instantrec-sub000/internal/segment"
	"github.com/tkys/instantrec-sub000/pkg/commons"
)

// Recording is one finished artifact in the on-device library. Rows are
// written exactly once, when a session closes or is recovered.
type Recording struct {
	Id          uint64        `json:"id" gorm:"primaryKey;<-:create"`
	SessionID   string        `json:"sessionId" gorm:"column:session_id;type:varchar(36);not null;uniqueIndex"`
	FilePath    string        `json:"filePath" gorm:"column:file_path;type:text;not null"`
	Duration    time.Duration `json:"duration" gorm:"column:duration;type:bigint;not null"`
	ByteSize    int64         `json:"byteSize" gorm:"column:byte_size;type:bigint;not null"`
	Recovered   bool          `json:"recovered" gorm:"column:recovered;not null;default:false"`
	CreatedDate time.Time     `json:"createdDate" gorm:"column:created_date;not null;<-:create"`
}

// TableName pins the table name.
func (Recording) TableName() string { return "recordings" }

// Store is the library of finished recordings, consumed by the excluded
// presentation/transcription collaborators.
type Store interface {
	// Save records a finished artifact for a session.
	Save(ctx context.Context, sessionID string, artifact internal_segment.Artifact, recovered bool) (*Recording, error)
	// Get retrieves one recording by session id.
	Get(ctx context.Context, sessionID string) (*Recording, error)
	// List returns all recordings, newest first.
	List(ctx context.Context) ([]Recording, error)
	// Delete removes a recording row (the artifact file is the caller's
	// concern).
	Delete(ctx context.Context, sessionID string) error
}

type sqliteStore struct {
	db     *gorm.DB
	logger commons.Logger
}

// NewStore opens (and migrates) the sqlite catalog at path.
func NewStore(logger commons.Logger, path string) (Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gorm_logger.Default.LogMode(gorm_logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open catalog %s: %w", path, err)
	}
	if err := db.AutoMigrate(&Recording{}); err != nil {
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return &sqliteStore{db: db, logger: logger}, nil
}

func (s *sqliteStore) Save(ctx context.Context, sessionID string, artifact internal_segment.Artifact, recovered bool) (*Recording, error) {
	rec := &Recording{
		SessionID:   sessionID,
		FilePath:    artifact.Path,
		Duration:    artifact.Duration,
		ByteSize:    artifact.ByteSize,
		Recovered:   recovered,
		CreatedDate: time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return nil, fmt.Errorf("save recording %s: %w", sessionID, err)
	}
	s.logger.Infof("cataloged recording: session=%s, duration=%s, bytes=%d",
		sessionID, artifact.Duration, artifact.ByteSize)
	return rec, nil
}

func (s *sqliteStore) Get(ctx context.Context, sessionID string) (*Recording, error) {
	var rec Recording
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&rec).Error; err != nil {
		return nil, fmt.Errorf("recording not found: %s: %w", sessionID, err)
	}
	return &rec, nil
}

func (s *sqliteStore) List(ctx context.Context) ([]Recording, error) {
	var recs []Recording
	if err := s.db.WithContext(ctx).Order("created_date DESC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	return recs, nil
}

func (s *sqliteStore) Delete(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Delete(&Recording{}).Error; err != nil {
		return fmt.Errorf("delete recording %s: %w", sessionID, err)
	}
	return nil
}
