package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound           = errors.New("user not found")
	ErrInsufficientCredits    = errors.New("insufficient credits")
	ErrInvalidAmount          = errors.New("invalid credit amount")
	ErrReservationNotFound    = errors.New("reservation not found")
	ErrReservationNotSettable = errors.New("reservation already refunded")
)

// CheckResult is the outcome of a read-only balance check.
type CheckResult struct {
	HasEnough bool
	Balance   int
}

// GormCreditLedger 管理用户积分。所有扣减都是单条带条件的 UPDATE，
// 不同用户之间不共享任何进程内锁
type GormCreditLedger struct {
	db       *gorm.DB
	topUpCap int
	logger   *zap.Logger
	now      func() time.Time
}

// NewGormCreditLedger creates a ledger; topUpCap bounds a single Add call.
func NewGormCreditLedger(db *gorm.DB, topUpCap int, logger *zap.Logger) *GormCreditLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormCreditLedger{
		db:       db,
		topUpCap: topUpCap,
		logger:   logger.Named("ledger"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Balance returns the current credit balance of a user.
func (l *GormCreditLedger) Balance(ctx context.Context, userID int64) (int, error) {
	var user User
	err := l.db.WithContext(ctx).Select("id", "credits").First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, ErrUserNotFound
	}
	if err != nil {
		return 0, dbError("query balance", err)
	}
	return user.Credits, nil
}

func (l *GormCreditLedger) Check(ctx context.Context, userID int64, amount int) (CheckResult, error) {
	balance, err := l.Balance(ctx, userID)
	if err != nil {
		return CheckResult{}, err
	}
	return CheckResult{HasEnough: balance >= amount, Balance: balance}, nil
}

// debit 条件扣减，影响行数为 0 时区分用户不存在与余额不足
func debit(tx *gorm.DB, userID int64, amount int) error {
	res := tx.Model(&User{}).
		Where("id = ? AND credits >= ?", userID, amount).
		Update("credits", gorm.Expr("credits - ?", amount))
	if res.Error != nil {
		return dbError("debit credits", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}
	var count int64
	if err := tx.Model(&User{}).Where("id = ?", userID).Count(&count).Error; err != nil {
		return dbError("lookup user", err)
	}
	if count == 0 {
		return ErrUserNotFound
	}
	return ErrInsufficientCredits
}

func credit(tx *gorm.DB, userID int64, amount int) error {
	res := tx.Model(&User{}).
		Where("id = ?", userID).
		Update("credits", gorm.Expr("credits + ?", amount))
	if res.Error != nil {
		return dbError("credit credits", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Reserve atomically debits amount when the balance covers it. It returns
// false without touching the balance otherwise.
func (l *GormCreditLedger) Reserve(ctx context.Context, userID int64, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}
	err := debit(l.db.WithContext(ctx), userID, amount)
	switch {
	case err == nil:
		l.logger.Info("credits reserved", zap.Int64("user_id", userID), zap.Int("amount", amount))
		return true, nil
	case errors.Is(err, ErrInsufficientCredits):
		return false, nil
	default:
		return false, err
	}
}

// Refund unconditionally credits amount back. Deduplication is the caller's job;
// use Hold and Release for idempotent compensation.
func (l *GormCreditLedger) Refund(ctx context.Context, userID int64, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if err := credit(l.db.WithContext(ctx), userID, amount); err != nil {
		l.logger.Error("refund failed", zap.Int64("user_id", userID), zap.Int("amount", amount), zap.Error(err))
		return err
	}
	l.logger.Info("credits refunded", zap.Int64("user_id", userID), zap.Int("amount", amount))
	return nil
}

// Add is an administrative top-up bounded by the configured cap. It returns
// the new balance.
func (l *GormCreditLedger) Add(ctx context.Context, userID int64, amount int) (int, error) {
	if amount <= 0 || amount > l.topUpCap {
		return 0, fmt.Errorf("%w: must be between 1 and %d", ErrInvalidAmount, l.topUpCap)
	}
	var balance int
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := credit(tx, userID, amount); err != nil {
			return err
		}
		return tx.Model(&User{}).Where("id = ?", userID).Pluck("credits", &balance).Error
	})
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) && !errors.Is(err, ErrDatabase) {
			err = dbError("add credits", err)
		}
		return 0, err
	}
	l.logger.Info("credits added", zap.Int64("user_id", userID), zap.Int("amount", amount), zap.Int("new_balance", balance))
	return balance, nil
}

// Hold debits amount and records a pending reservation in the same
// transaction. The reservation must later be settled or released.
func (l *GormCreditLedger) Hold(ctx context.Context, userID int64, amount int, purpose string) (*CreditReservation, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	reservation := &CreditReservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Purpose:   purpose,
		Status:    ReservationPending,
		CreatedAt: l.now(),
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := debit(tx, userID, amount); err != nil {
			return err
		}
		if err := tx.Model(&User{}).Where("id = ?", userID).Pluck("credits", &reservation.BalanceAfter).Error; err != nil {
			return dbError("read balance", err)
		}
		if err := tx.Create(reservation).Error; err != nil {
			return dbError("create reservation", err)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrUserNotFound) {
			l.logger.Error("hold failed", zap.Int64("user_id", userID), zap.Error(err))
		}
		return nil, err
	}
	l.logger.Info("credits held",
		zap.String("reservation_id", reservation.ID),
		zap.Int64("user_id", userID),
		zap.Int("amount", amount),
		zap.Int("balance_after", reservation.BalanceAfter),
	)
	return reservation, nil
}

// Settle marks a pending reservation as consumed. Settling twice is a no-op;
// settling a refunded reservation returns ErrReservationNotSettable.
func (l *GormCreditLedger) Settle(ctx context.Context, id string) error {
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r CreditReservation
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return dbError("load reservation", err)
		}
		switch r.Status {
		case ReservationSettled:
			return nil
		case ReservationRefunded:
			return ErrReservationNotSettable
		}
		now := l.now()
		return tx.Model(&CreditReservation{}).
			Where("id = ? AND status = ?", id, ReservationPending).
			Updates(map[string]any{"status": ReservationSettled, "resolved_at": now}).Error
	})
	if err != nil {
		l.logger.Warn("settle failed", zap.String("reservation_id", id), zap.Error(err))
		return err
	}
	l.logger.Debug("reservation settled", zap.String("reservation_id", id))
	return nil
}

// Release refunds a pending reservation exactly once. It reports whether this
// call performed the refund; releasing a resolved reservation returns false.
func (l *GormCreditLedger) Release(ctx context.Context, id string, reason string) (bool, error) {
	released := false
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var r CreditReservation
		if err := tx.First(&r, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrReservationNotFound
			}
			return dbError("load reservation", err)
		}
		if r.Status != ReservationPending {
			return nil
		}
		now := l.now()
		res := tx.Model(&CreditReservation{}).
			Where("id = ? AND status = ?", id, ReservationPending).
			Updates(map[string]any{"status": ReservationRefunded, "reason": reason, "resolved_at": now})
		if res.Error != nil {
			return dbError("resolve reservation", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if err := credit(tx, r.UserID, r.Amount); err != nil {
			if !errors.Is(err, ErrUserNotFound) {
				return err
			}
			// 用户已被删除，预扣记录照常关闭
			l.logger.Warn("release for missing user", zap.String("reservation_id", id), zap.Int64("user_id", r.UserID))
		}
		released = true
		return nil
	})
	if err != nil {
		l.logger.Error("release failed", zap.String("reservation_id", id), zap.Error(err))
		return false, err
	}
	if released {
		l.logger.Info("reservation released", zap.String("reservation_id", id), zap.String("reason", reason))
	}
	return released, nil
}

func (l *GormCreditLedger) GetReservation(ctx context.Context, id string) (*CreditReservation, error) {
	var r CreditReservation
	err := l.db.WithContext(ctx).First(&r, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrReservationNotFound
	}
	if err != nil {
		return nil, dbError("load reservation", err)
	}
	return &r, nil
}

// RecoverStale resolves pending reservations older than maxAge. These are
// left behind when the process dies between Hold and Settle/Release, or when
// Settle itself failed. A reservation with saved creations was delivered and
// is settled; any other is refunded. It returns the number refunded.
func (l *GormCreditLedger) RecoverStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	var ids []string
	err := l.db.WithContext(ctx).Model(&CreditReservation{}).
		Where("status = ? AND created_at < ?", ReservationPending, cutoff).
		Order("created_at").
		Pluck("id", &ids).Error
	if err != nil {
		return 0, dbError("list stale reservations", err)
	}

	recovered, settled := 0, 0
	for _, id := range ids {
		delivered, err := l.delivered(ctx, id)
		if err != nil {
			return recovered, err
		}
		if delivered {
			if err := l.Settle(ctx, id); err != nil {
				return recovered, err
			}
			settled++
			continue
		}
		ok, err := l.Release(ctx, id, "stale reservation recovered")
		if err != nil {
			return recovered, err
		}
		if ok {
			recovered++
		}
	}
	if recovered > 0 || settled > 0 {
		l.logger.Warn("recovered stale reservations",
			zap.Int("refunded", recovered),
			zap.Int("settled", settled),
			zap.Time("cutoff", cutoff),
		)
	}
	return recovered, nil
}

// delivered reports whether any creation was saved under the reservation.
func (l *GormCreditLedger) delivered(ctx context.Context, id string) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&Creation{}).Where("reservation_id = ?", id).Count(&n).Error
	if err != nil {
		return false, dbError("count reservation creations", err)
	}
	return n > 0, nil
}
