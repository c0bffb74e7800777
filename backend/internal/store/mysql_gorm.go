package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"collabcore/backend/internal/entity"
)

type MySQLOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LogSQL          bool
}

func OpenMySQL(dsn string, opt MySQLOptions) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if opt.LogSQL {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}
	db, err := gorm.Open(gormmysql.Open(dsn), cfg)
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opt.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxOpenConns)
	}
	if opt.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opt.MaxIdleConns)
	}
	if opt.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opt.ConnMaxLifetime)
	}
	return db, nil
}

type GormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&entity.Document{},
		&entity.CollaborationSession{},
		&entity.Comment{},
		&entity.Annotation{},
		&entity.DocumentLock{},
		&entity.Conflict{},
		&entity.ConflictResolution{},
		&entity.Activity{},
	)
}

func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) GetDocument(ctx context.Context, id string) (*entity.Document, error) {
	var doc entity.Document
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&doc).Error; err != nil {
		return nil, notFound(err)
	}
	return &doc, nil
}

func (s *GormStore) GetOrCreateDocument(ctx context.Context, doc *entity.Document) (*entity.Document, error) {
	existing, err := s.GetDocument(ctx, doc.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(doc).Error; err != nil {
		// another node created it first
		if isDuplicate(err) {
			return s.GetDocument(ctx, doc.ID)
		}
		return nil, err
	}
	return doc, nil
}

func (s *GormStore) SaveDocument(ctx context.Context, doc *entity.Document) error {
	return s.db.WithContext(ctx).Save(doc).Error
}

func (s *GormStore) FindOrCreateSession(ctx context.Context, documentID, userID string) (*entity.CollaborationSession, error) {
	var sess entity.CollaborationSession
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).First(&sess).Error
	if err == nil {
		return &sess, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	sess = entity.CollaborationSession{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		Status:     entity.SessionActive,
		CreatedBy:  userID,
	}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		if isDuplicate(err) {
			var again entity.CollaborationSession
			if err := s.db.WithContext(ctx).Where("document_id = ?", documentID).First(&again).Error; err != nil {
				return nil, err
			}
			return &again, nil
		}
		return nil, err
	}
	return &sess, nil
}

func (s *GormStore) ListComments(ctx context.Context, documentID string) ([]entity.Comment, error) {
	var out []entity.Comment
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateComment(ctx context.Context, c *entity.Comment) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) SaveComments(ctx context.Context, cs []entity.Comment) error {
	if len(cs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(&cs).Error
}

func (s *GormStore) ListAnnotations(ctx context.Context, documentID string) ([]entity.Annotation, error) {
	var out []entity.Annotation
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at").Find(&out).Error
	return out, err
}

func (s *GormStore) CreateAnnotation(ctx context.Context, a *entity.Annotation) error {
	return s.db.WithContext(ctx).Create(a).Error
}

func (s *GormStore) SaveAnnotations(ctx context.Context, as []entity.Annotation) error {
	if len(as) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Save(&as).Error
}

func (s *GormStore) ActiveLocks(ctx context.Context, documentID string, now time.Time) ([]entity.DocumentLock, error) {
	var out []entity.DocumentLock
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND expires_at > ?", documentID, now).
		Order("acquired_at").
		Find(&out).Error
	return out, err
}

func (s *GormStore) AcquireLock(ctx context.Context, lock *entity.DocumentLock, check LockCheck) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var active []entity.DocumentLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND expires_at > ?", lock.DocumentID, lock.AcquiredAt).
			Find(&active).Error
		if err != nil {
			return err
		}
		if err := check(active); err != nil {
			return err
		}
		return tx.Create(lock).Error
	})
}

func (s *GormStore) GetLock(ctx context.Context, id string) (*entity.DocumentLock, error) {
	var l entity.DocumentLock
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&l).Error; err != nil {
		return nil, notFound(err)
	}
	return &l, nil
}

func (s *GormStore) DeleteLock(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&entity.DocumentLock{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateConflict(ctx context.Context, c *entity.Conflict) error {
	return s.db.WithContext(ctx).Create(c).Error
}

func (s *GormStore) UpdateConflict(ctx context.Context, c *entity.Conflict) error {
	return s.db.WithContext(ctx).Save(c).Error
}

func (s *GormStore) CreateResolution(ctx context.Context, r *entity.ConflictResolution) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *GormStore) RecordActivity(ctx context.Context, a *entity.Activity) error {
	err := s.db.WithContext(ctx).Create(a).Error
	if isDuplicate(err) {
		return nil
	}
	return err
}

func (s *GormStore) ListActivities(ctx context.Context, documentID string, limit int) ([]entity.Activity, error) {
	var out []entity.Activity
	q := s.db.WithContext(ctx).Where("document_id = ?", documentID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
