package storage

import (
	"context"
	"unicode/utf8"

	"gorm.io/gorm"
)

const maxErrorMessageLength = 500

type MetricRepository struct {
	db *gorm.DB
}

func NewMetricRepository(db *gorm.DB) *MetricRepository {
	return &MetricRepository{db: db}
}

func (r *MetricRepository) SaveMetric(ctx context.Context, m *PerformanceMetric) error {
	if len(m.ErrorMessage) > maxErrorMessageLength {
		// 按字节截断，但不拆开多字节字符
		n := maxErrorMessageLength
		for n > 0 && !utf8.RuneStart(m.ErrorMessage[n]) {
			n--
		}
		m.ErrorMessage = m.ErrorMessage[:n]
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return dbError("save performance metric", err)
	}
	return nil
}

// Recent returns the latest metrics for an operation, or all operations when empty.
func (r *MetricRepository) Recent(ctx context.Context, operation string, limit int) ([]PerformanceMetric, error) {
	if limit <= 0 {
		limit = 50
	}
	q := r.db.WithContext(ctx).Order("id DESC").Limit(limit)
	if operation != "" {
		q = q.Where("operation = ?", operation)
	}
	var out []PerformanceMetric
	if err := q.Find(&out).Error; err != nil {
		return nil, dbError("list performance metrics", err)
	}
	return out, nil
}
