package storage

import (
	"context"

	"gorm.io/gorm"
)

// CreationRepository is the append side of the creations table.
type CreationRepository struct {
	db *gorm.DB
}

func NewCreationRepository(db *gorm.DB) *CreationRepository {
	return &CreationRepository{db: db}
}

// SaveCreation inserts one artifact row. Each call is its own transaction.
func (r *CreationRepository) SaveCreation(ctx context.Context, c *Creation) error {
	if err := r.db.WithContext(ctx).Create(c).Error; err != nil {
		return dbError("save creation", err)
	}
	return nil
}

// ListByUser returns the newest creations of a user first.
func (r *CreationRepository) ListByUser(ctx context.Context, userID int64, limit int) ([]Creation, error) {
	if limit <= 0 {
		limit = 20
	}
	var creations []Creation
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&creations).Error
	if err != nil {
		return nil, dbError("list creations", err)
	}
	return creations, nil
}

func (r *CreationRepository) Get(ctx context.Context, id int64) (*Creation, error) {
	var c Creation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, dbError("get creation", err)
	}
	return &c, nil
}
