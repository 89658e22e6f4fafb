// Package broker runs one metered generation: it reserves a credit, calls the
// upstream provider, refunds on failure and persists what came back.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nerdneilsfield/imagegen-broker/internal/storage"
	"github.com/nerdneilsfield/imagegen-broker/pkg/imageapi"
	"go.uber.org/zap"
)

// State is a step of a broker run.
type State string

const (
	StateValidating   State = "validating"
	StateReserving    State = "reserving"
	StateCalling      State = "calling"
	StatePersisting   State = "persisting"
	StateCompleted    State = "completed"
	StateCompensating State = "compensating"
	StateFailed       State = "failed"
)

const (
	// cleanupTimeout bounds refund, settle and persistence writes, which run
	// detached from the request context.
	cleanupTimeout = 10 * time.Second

	persistAttempts = 3
	persistDelay    = 200 * time.Millisecond
)

// Ledger is the credit bookkeeping the broker needs; *storage.GormCreditLedger
// satisfies it.
type Ledger interface {
	Balance(ctx context.Context, userID int64) (int, error)
	Hold(ctx context.Context, userID int64, amount int, purpose string) (*storage.CreditReservation, error)
	Settle(ctx context.Context, id string) error
	Release(ctx context.Context, id string, reason string) (bool, error)
}

// Generator calls the upstream provider; *imageapi.Client satisfies it.
type Generator interface {
	Catalog() *imageapi.Catalog
	GenerateTextToImage(ctx context.Context, userID int64, p imageapi.TextToImageParams) (*imageapi.Result, error)
	GenerateImageToImage(ctx context.Context, userID int64, p imageapi.ImageToImageParams) (*imageapi.Result, error)
}

// ArtifactStore persists generated images; *storage.CreationRepository satisfies it.
type ArtifactStore interface {
	SaveCreation(ctx context.Context, c *storage.Creation) error
}

// OutcomeObserver counts broker outcomes; *metrics.Recorder satisfies it.
type OutcomeObserver interface {
	ObserveOutcome(mode, code string)
	ObserveReservation(state string)
}

type nopOutcomes struct{}

func (nopOutcomes) ObserveOutcome(string, string) {}
func (nopOutcomes) ObserveReservation(string)     {}

type Options struct {
	// CostPerGeneration is charged once per call regardless of image count.
	CostPerGeneration int
	Outcomes          OutcomeObserver
	Logger            *zap.Logger
}

type Broker struct {
	ledger    Ledger
	generator Generator
	artifacts ArtifactStore
	cost      int
	outcomes  OutcomeObserver
	logger    *zap.Logger
	now       func() time.Time

	persistDelay time.Duration
}

func New(ledger Ledger, generator Generator, artifacts ArtifactStore, opts Options) *Broker {
	if opts.CostPerGeneration < 1 {
		opts.CostPerGeneration = 1
	}
	if opts.Outcomes == nil {
		opts.Outcomes = nopOutcomes{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Broker{
		ledger:       ledger,
		generator:    generator,
		artifacts:    artifacts,
		cost:         opts.CostPerGeneration,
		outcomes:     opts.Outcomes,
		logger:       opts.Logger.Named("broker"),
		now:          time.Now,
		persistDelay: persistDelay,
	}
}

// Result of a successful run. Degraded is set when some images could not be
// saved; their urls are still returned.
type Result struct {
	Success          bool             `json:"success"`
	Images           []imageapi.Image `json:"images"`
	GenerationTime   float64          `json:"generation_time"`
	ModelUsed        string           `json:"model_used"`
	Prompt           string           `json:"prompt"`
	Size             string           `json:"size"`
	RemainingCredits int              `json:"remaining_credits"`
	Degraded         bool             `json:"degraded,omitempty"`
	Warnings         []string         `json:"warnings,omitempty"`
}

// attempt carries one run through the state machine.
type attempt struct {
	userID      int64
	mode        string
	started     time.Time
	state       State
	reservation *storage.CreditReservation
	logger      *zap.Logger
}

func (b *Broker) newAttempt(userID int64, mode string) *attempt {
	return &attempt{
		userID:  userID,
		mode:    mode,
		started: b.now(),
		state:   StateValidating,
		logger:  b.logger.With(zap.Int64("user_id", userID), zap.String("mode", mode)),
	}
}

func (a *attempt) transition(s State) {
	a.logger.Debug("state transition", zap.String("from", string(a.state)), zap.String("to", string(s)))
	a.state = s
}

// elapsed 生成耗时，秒，保留两位小数
func (b *Broker) elapsed(a *attempt) float64 {
	return math.Round(b.now().Sub(a.started).Seconds()*100) / 100
}

// TextToImage runs a metered text-to-image generation.
func (b *Broker) TextToImage(ctx context.Context, userID int64, p imageapi.TextToImageParams) (*Result, error) {
	a := b.newAttempt(userID, imageapi.OperationTextToImage)
	if _, err := b.generator.Catalog().ValidateTextToImage(p); err != nil {
		return nil, b.fail(a, validationError(err))
	}
	return b.run(ctx, a, func(ctx context.Context) (*imageapi.Result, error) {
		return b.generator.GenerateTextToImage(ctx, userID, p)
	})
}

// ImageToImage runs a metered image-to-image generation.
func (b *Broker) ImageToImage(ctx context.Context, userID int64, p imageapi.ImageToImageParams) (*Result, error) {
	a := b.newAttempt(userID, imageapi.OperationImageToImage)
	if _, err := b.generator.Catalog().ValidateImageToImage(p); err != nil {
		return nil, b.fail(a, validationError(err))
	}
	return b.run(ctx, a, func(ctx context.Context) (*imageapi.Result, error) {
		return b.generator.GenerateImageToImage(ctx, userID, p)
	})
}

func (b *Broker) fail(a *attempt, e *Error) *Error {
	a.transition(StateFailed)
	e.GenerationTime = b.elapsed(a)
	b.outcomes.ObserveOutcome(a.mode, string(e.Code))
	a.logger.Info("generation request failed",
		zap.String("code", string(e.Code)),
		zap.Float64("generation_time", e.GenerationTime),
		zap.Error(e.Err),
	)
	return e
}

func (b *Broker) run(ctx context.Context, a *attempt, call func(ctx context.Context) (*imageapi.Result, error)) (*Result, error) {
	// Validating: 余额检查只是快速失败，真正的原子检查在 Hold 中
	balance, berr := b.ledger.Balance(ctx, a.userID)
	if berr != nil {
		return nil, b.fail(a, ledgerError(berr))
	}
	if balance <= 0 {
		return nil, b.fail(a, ledgerError(storage.ErrInsufficientCredits))
	}

	a.transition(StateReserving)
	reservation, herr := b.ledger.Hold(ctx, a.userID, b.cost, a.mode)
	if herr != nil {
		return nil, b.fail(a, ledgerError(herr))
	}
	a.reservation = reservation
	a.logger = a.logger.With(zap.String("reservation_id", reservation.ID))

	// 从这里开始，除非结算成功，否则任何退出路径（包括 panic）都要退款
	settled := false
	defer func() {
		if settled {
			return
		}
		reason := "generation failed"
		r := recover()
		if r != nil {
			reason = fmt.Sprintf("panic: %v", r)
		}
		b.compensate(ctx, a, reason)
		if r != nil {
			panic(r)
		}
	}()

	a.transition(StateCalling)
	res, cerr := call(ctx)
	if cerr != nil {
		e := upstreamError(cerr)
		e.GenerationTime = b.elapsed(a)
		b.outcomes.ObserveOutcome(a.mode, string(e.Code))
		a.logger.Warn("upstream generation failed", zap.String("code", string(e.Code)), zap.Error(cerr))
		return nil, e
	}

	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	result := &Result{
		Success:   true,
		Images:    res.Images,
		ModelUsed: res.ModelUsed,
		Prompt:    res.Prompt,
		Size:      res.Size,
	}

	// 上游已经成功，积分不再退还。结算失败时预扣记录保持 pending，
	// 已保存的作品带着 reservation_id，清扫任务会将其结算而不是退款
	settleErr := b.settle(detached, a)
	settled = true

	a.transition(StatePersisting)
	generationTime := b.elapsed(a)
	reservationID := reservation.ID
	for i, img := range res.Images {
		uid := a.userID
		creation := &storage.Creation{
			UserID:         &uid,
			Prompt:         res.Prompt,
			ImageURL:       img.URL,
			RevisedPrompt:  img.RevisedPrompt,
			ModelUsed:      res.ModelUsed,
			Size:           res.Size,
			GenerationTime: generationTime,
			ReservationID:  &reservationID,
		}
		if err := b.persist(detached, creation); err != nil {
			a.logger.Error("failed to save creation",
				zap.Int("index", i),
				zap.String("image_url", img.URL),
				zap.Error(err),
			)
			result.Degraded = true
			result.Warnings = append(result.Warnings, fmt.Sprintf("image %d could not be saved to your gallery", i+1))
		}
	}

	if settleErr != nil {
		// 再试一次
		settleErr = b.settle(detached, a)
	}
	if settleErr != nil {
		b.outcomes.ObserveReservation("settle_failed")
		result.Degraded = true
		result.Warnings = append(result.Warnings, "credit settlement could not be recorded")
	} else {
		b.outcomes.ObserveReservation(string(storage.ReservationSettled))
	}

	a.transition(StateCompleted)
	result.RemainingCredits = reservation.BalanceAfter
	if current, err := b.ledger.Balance(detached, a.userID); err == nil {
		result.RemainingCredits = current
	} else {
		a.logger.Warn("failed to re-read balance", zap.Error(err))
	}
	result.GenerationTime = b.elapsed(a)

	code := "success"
	if result.Degraded {
		code = "degraded"
	}
	b.outcomes.ObserveOutcome(a.mode, code)
	a.logger.Info("generation completed",
		zap.Int("images", len(result.Images)),
		zap.Int("remaining_credits", result.RemainingCredits),
		zap.Float64("generation_time", result.GenerationTime),
		zap.Bool("degraded", result.Degraded),
	)
	return result, nil
}

// compensate releases the reservation. It runs detached from ctx so a
// disconnected client still gets its credit back.
func (b *Broker) compensate(ctx context.Context, a *attempt, reason string) {
	a.transition(StateCompensating)
	detached, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()

	released, err := b.releaseWithRetry(detached, a.reservation.ID, reason)
	if err != nil {
		// 清扫任务会在预扣超时后退款
		a.logger.Error("refund failed, reservation left for recovery", zap.Error(err))
		b.outcomes.ObserveReservation("refund_failed")
	} else if released {
		b.outcomes.ObserveReservation(string(storage.ReservationRefunded))
		a.logger.Info("credit refunded", zap.String("reason", reason))
	}
	a.transition(StateFailed)
}

func (b *Broker) retryPolicy(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(b.persistDelay), persistAttempts-1), ctx)
}

func (b *Broker) releaseWithRetry(ctx context.Context, id, reason string) (bool, error) {
	var released bool
	err := backoff.Retry(func() error {
		ok, err := b.ledger.Release(ctx, id, reason)
		if errors.Is(err, storage.ErrReservationNotFound) {
			return backoff.Permanent(err)
		}
		released = ok
		return err
	}, b.retryPolicy(ctx))
	return released, err
}

func (b *Broker) settle(ctx context.Context, a *attempt) error {
	err := backoff.Retry(func() error {
		err := b.ledger.Settle(ctx, a.reservation.ID)
		if errors.Is(err, storage.ErrReservationNotSettable) || errors.Is(err, storage.ErrReservationNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, b.retryPolicy(ctx))
	if err != nil {
		a.logger.Error("failed to settle reservation", zap.Error(err))
	}
	return err
}

// persist writes one creation, retrying transient database errors.
func (b *Broker) persist(ctx context.Context, c *storage.Creation) error {
	return backoff.Retry(func() error {
		return b.artifacts.SaveCreation(ctx, c)
	}, b.retryPolicy(ctx))
}
