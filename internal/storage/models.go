package storage

import (
	"time"
)

// User is the subset of the account record the broker touches.
// Credits 只能通过 CreditLedger 修改
type User struct {
	ID        int64  `gorm:"primaryKey"`
	Username  string `gorm:"uniqueIndex;not null"`
	Credits   int    `gorm:"not null;default:0;check:credits >= 0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpstreamProfile is one named set of upstream credentials. At most one row
// has IsActive set; the application enforces this, not the schema.
type UpstreamProfile struct {
	ID              int64  `gorm:"primaryKey"`
	Name            string `gorm:"uniqueIndex;not null"`
	Description     string
	BaseURL         string `gorm:"not null"`
	APIKeyEncrypted []byte `gorm:"not null"`
	IsActive        bool   `gorm:"not null;default:false;index"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (UpstreamProfile) TableName() string {
	return "api_config_groups"
}

// Creation is one generated image. UserID is cleared if the owner goes away.
type Creation struct {
	ID             int64  `gorm:"primaryKey"`
	UserID         *int64 `gorm:"index"`
	User           *User  `gorm:"constraint:OnDelete:SET NULL"`
	Prompt         string `gorm:"not null"`
	ImageURL       string `gorm:"not null"`
	RevisedPrompt  string
	ModelUsed      string `gorm:"not null"`
	Size           string `gorm:"not null"`
	GenerationTime float64

	// ReservationID 生成时的预扣记录；清扫任务据此判断图片是否已经交付
	ReservationID *string   `gorm:"index;size:36"`
	CreatedAt     time.Time `gorm:"index"`
}

type ReservationStatus string

const (
	ReservationPending  ReservationStatus = "pending"
	ReservationSettled  ReservationStatus = "settled"
	ReservationRefunded ReservationStatus = "refunded"
)

// CreditReservation 持久化的预扣记录，与扣费在同一事务中写入，
// 退款或结算时同样原子地更新状态，崩溃后可以由清扫任务恢复
type CreditReservation struct {
	ID           string            `gorm:"primaryKey;size:36"`
	UserID       int64             `gorm:"index;not null"`
	Amount       int               `gorm:"not null"`
	Purpose      string            `gorm:"not null"`
	Status       ReservationStatus `gorm:"index;not null"`
	Reason       string
	BalanceAfter int
	CreatedAt    time.Time `gorm:"index"`
	ResolvedAt   *time.Time
}

// PerformanceMetric is one upstream call outcome.
type PerformanceMetric struct {
	ID             int64  `gorm:"primaryKey"`
	UserID         *int64 `gorm:"index"`
	Operation      string `gorm:"index;not null"`
	Model          string
	PromptLength   int
	ImageSize      string
	ImageCount     int
	GenerationTime float64
	UpstreamTime   float64
	QueueTime      float64
	ConnectTime    float64
	ReadTime       float64
	Attempts       int
	Success        bool `gorm:"index"`
	ErrorType      string
	ErrorMessage   string
	CreatedAt      time.Time `gorm:"index"`
}
