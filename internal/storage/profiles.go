package storage

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrDuplicateName   = errors.New("profile name already exists")
	ErrProfileNotFound = errors.New("profile not found")
	ErrNoActiveProfile = errors.New("no active profile")
	// ErrProfileConflict is returned when deleting the active or the last profile.
	ErrProfileConflict = errors.New("profile cannot be deleted")
)

// ProfileUpdate lists the fields to change; nil means keep.
type ProfileUpdate struct {
	Name            *string
	Description     *string
	BaseURL         *string
	APIKeyEncrypted []byte
	IsActive        *bool
}

// ProfileRepository 管理 api_config_groups 表。
// 激活操作总是在同一个事务内先停用其他配置再启用目标配置
type ProfileRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewProfileRepository(db *gorm.DB, logger *zap.Logger) *ProfileRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileRepository{db: db, logger: logger.Named("profiles")}
}

func deactivateOthers(tx *gorm.DB, keepID int64) error {
	err := tx.Model(&UpstreamProfile{}).
		Where("is_active = ? AND id <> ?", true, keepID).
		Update("is_active", false).Error
	if err != nil {
		return dbError("deactivate profiles", err)
	}
	return nil
}

func nameTaken(tx *gorm.DB, name string, exceptID int64) (bool, error) {
	var count int64
	err := tx.Model(&UpstreamProfile{}).Where("name = ? AND id <> ?", name, exceptID).Count(&count).Error
	if err != nil {
		return false, dbError("check profile name", err)
	}
	return count > 0, nil
}

func loadProfile(tx *gorm.DB, id int64) (*UpstreamProfile, error) {
	var p UpstreamProfile
	err := tx.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, dbError("load profile", err)
	}
	return &p, nil
}

// Create inserts p. When makeActive is set every other profile is
// deactivated in the same transaction.
func (r *ProfileRepository) Create(ctx context.Context, p *UpstreamProfile, makeActive bool) error {
	p.IsActive = makeActive
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		taken, err := nameTaken(tx, p.Name, 0)
		if err != nil {
			return err
		}
		if taken {
			return ErrDuplicateName
		}
		if makeActive {
			if err := deactivateOthers(tx, 0); err != nil {
				return err
			}
		}
		if err := tx.Create(p).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateName
			}
			return dbError("create profile", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("profile created", zap.Int64("profile_id", p.ID), zap.String("name", p.Name), zap.Bool("active", makeActive))
	return nil
}

func (r *ProfileRepository) Get(ctx context.Context, id int64) (*UpstreamProfile, error) {
	return loadProfile(r.db.WithContext(ctx), id)
}

func (r *ProfileRepository) GetByName(ctx context.Context, name string) (*UpstreamProfile, error) {
	var p UpstreamProfile
	err := r.db.WithContext(ctx).Where("name = ?", name).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProfileNotFound
	}
	if err != nil {
		return nil, dbError("load profile", err)
	}
	return &p, nil
}

func (r *ProfileRepository) GetActive(ctx context.Context) (*UpstreamProfile, error) {
	var p UpstreamProfile
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("updated_at DESC").First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveProfile
	}
	if err != nil {
		return nil, dbError("load active profile", err)
	}
	return &p, nil
}

func (r *ProfileRepository) List(ctx context.Context) ([]UpstreamProfile, error) {
	var out []UpstreamProfile
	if err := r.db.WithContext(ctx).Order("id").Find(&out).Error; err != nil {
		return nil, dbError("list profiles", err)
	}
	return out, nil
}

// Update applies u to profile id and returns the stored result.
func (r *ProfileRepository) Update(ctx context.Context, id int64, u ProfileUpdate) (*UpstreamProfile, error) {
	var updated *UpstreamProfile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := loadProfile(tx, id); err != nil {
			return err
		}
		changes := map[string]any{}
		if u.Name != nil {
			taken, err := nameTaken(tx, *u.Name, id)
			if err != nil {
				return err
			}
			if taken {
				return ErrDuplicateName
			}
			changes["name"] = *u.Name
		}
		if u.Description != nil {
			changes["description"] = *u.Description
		}
		if u.BaseURL != nil {
			changes["base_url"] = *u.BaseURL
		}
		if u.APIKeyEncrypted != nil {
			changes["api_key_encrypted"] = u.APIKeyEncrypted
		}
		if u.IsActive != nil {
			if *u.IsActive {
				if err := deactivateOthers(tx, id); err != nil {
					return err
				}
			}
			changes["is_active"] = *u.IsActive
		}
		if len(changes) > 0 {
			if err := tx.Model(&UpstreamProfile{ID: id}).Updates(changes).Error; err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateName
				}
				return dbError("update profile", err)
			}
		}
		p, err := loadProfile(tx, id)
		updated = p
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("profile updated", zap.Int64("profile_id", id), zap.Bool("active", updated.IsActive))
	return updated, nil
}

// Delete removes an inactive profile. The active profile and the last
// remaining profile cannot be deleted.
func (r *ProfileRepository) Delete(ctx context.Context, id int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProfile(tx, id)
		if err != nil {
			return err
		}
		if p.IsActive {
			return ErrProfileConflict
		}
		var total int64
		if err := tx.Model(&UpstreamProfile{}).Count(&total).Error; err != nil {
			return dbError("count profiles", err)
		}
		if total <= 1 {
			return ErrProfileConflict
		}
		if err := tx.Delete(&UpstreamProfile{}, id).Error; err != nil {
			return dbError("delete profile", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("profile deleted", zap.Int64("profile_id", id))
	return nil
}

// Toggle flips the active flag of profile id.
func (r *ProfileRepository) Toggle(ctx context.Context, id int64) (*UpstreamProfile, error) {
	var toggled *UpstreamProfile
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := loadProfile(tx, id)
		if err != nil {
			return err
		}
		active := !p.IsActive
		if active {
			if err := deactivateOthers(tx, id); err != nil {
				return err
			}
		}
		if err := tx.Model(&UpstreamProfile{ID: id}).Update("is_active", active).Error; err != nil {
			return dbError("toggle profile", err)
		}
		p.IsActive = active
		toggled = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("profile toggled", zap.Int64("profile_id", id), zap.Bool("active", toggled.IsActive))
	return toggled, nil
}

// CountActive is used by tests and health checks to verify the single-active rule.
func (r *ProfileRepository) CountActive(ctx context.Context) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&UpstreamProfile{}).Where("is_active = ?", true).Count(&count).Error; err != nil {
		return 0, dbError("count active profiles", err)
	}
	return count, nil
}
