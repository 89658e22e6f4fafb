package storage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrDuplicateUsername = errors.New("username already exists")

// UserRepository covers the small part of account management the broker needs.
type UserRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewUserRepository(db *gorm.DB, logger *zap.Logger) *UserRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserRepository{db: db, logger: logger.Named("users")}
}

func (r *UserRepository) Create(ctx context.Context, username string, credits int) (*User, error) {
	if credits < 0 {
		return nil, fmt.Errorf("%w: initial credits must not be negative", ErrInvalidAmount)
	}
	user := &User{Username: username, Credits: credits}
	if err := r.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateUsername
		}
		return nil, dbError("create user", err)
	}
	r.logger.Info("user created", zap.Int64("user_id", user.ID), zap.String("username", username))
	return user, nil
}

func (r *UserRepository) Get(ctx context.Context, id int64) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, dbError("get user", err)
	}
	return &user, nil
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, dbError("get user", err)
	}
	return &user, nil
}

// Delete removes a user; their creations survive with a NULL owner.
func (r *UserRepository) Delete(ctx context.Context, id int64) error {
	res := r.db.WithContext(ctx).Delete(&User{}, id)
	if res.Error != nil {
		return dbError("delete user", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	r.logger.Info("user deleted", zap.Int64("user_id", id))
	return nil
}
