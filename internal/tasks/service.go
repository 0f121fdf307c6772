package tasks

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"taskhub-bot/internal/models"
)

// ErrTaskNotFound covers both an unknown task id and an inactive task.
var ErrTaskNotFound = errors.New("task not found")

type Status string

const (
	StatusCompleted        Status = "completed"
	StatusAlreadyCompleted Status = "already_completed"
)

// Result is the outcome of a completion attempt. Balance always carries the
// user's current balance, whether or not this call credited it.
type Result struct {
	Status  Status
	Balance decimal.Decimal
}

// Notifier pushes a balance change to the user's live sessions. The ws
// registry implements it; delivery is best effort.
type Notifier interface {
	NotifyBalance(userID int64, balance string)
}

type Service struct {
	db       *gorm.DB
	notifier Notifier
}

func NewService(db *gorm.DB, notifier Notifier) *Service {
	return &Service{db: db, notifier: notifier}
}

// CompleteTask marks the task completed for the user and credits the reward
// exactly once. The claim is a guarded UPDATE on the (user, task) row inside
// one transaction, so concurrent attempts serialize on the row and only one
// of them credits. The push notification happens after commit and never
// affects the outcome.
func (s *Service) CompleteTask(ctx context.Context, userID, taskID int64) (Result, error) {
	var task models.Task
	if err := s.db.WithContext(ctx).First(&task, taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Result{}, ErrTaskNotFound
		}
		return Result{}, fmt.Errorf("failed to load task %d: %w", taskID, err)
	}
	if !task.IsActive {
		return Result{}, ErrTaskNotFound
	}

	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := models.UserTask{UserID: userID, TaskID: taskID, Completed: false}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return fmt.Errorf("failed to ensure completion row: %w", err)
		}

		claim := tx.Model(&models.UserTask{}).
			Where("user_id = ? AND task_id = ? AND completed = ?", userID, taskID, false).
			Update("completed", true)
		if claim.Error != nil {
			return fmt.Errorf("failed to claim completion: %w", claim.Error)
		}

		if claim.RowsAffected == 0 {
			// Someone already completed this pair; report the balance as-is.
			var user models.User
			if err := tx.First(&user, userID).Error; err != nil {
				return fmt.Errorf("failed to load user %d: %w", userID, err)
			}
			result = Result{Status: StatusAlreadyCompleted, Balance: user.Balance}
			return nil
		}

		credit := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("balance", gorm.Expr("balance + ?", task.Reward))
		if credit.Error != nil {
			return fmt.Errorf("failed to credit balance: %w", credit.Error)
		}
		if credit.RowsAffected == 0 {
			return fmt.Errorf("user %d not found while crediting", userID)
		}

		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return fmt.Errorf("failed to reload user %d: %w", userID, err)
		}
		result = Result{Status: StatusCompleted, Balance: user.Balance}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if result.Status == StatusCompleted && s.notifier != nil {
		s.notifier.NotifyBalance(userID, result.Balance.StringFixed(2))
	}
	return result, nil
}

// AttributeReferral assigns a referrer from a "ref_<id>" start parameter.
// It runs at most once per user (guarded by referrer_id being unset) and
// swallows every failure: a broken referral must never fail the registration
// that triggered it. The user's in-memory ReferrerID is updated on success.
func (s *Service) AttributeReferral(ctx context.Context, user *models.User, startParam string) {
	if user.ReferrerID != nil {
		return
	}
	if !strings.HasPrefix(startParam, "ref_") {
		return
	}
	referrerID, err := strconv.ParseInt(strings.TrimPrefix(startParam, "ref_"), 10, 64)
	if err != nil {
		return
	}
	if referrerID == user.ID {
		return
	}

	var referrer models.User
	if err := s.db.WithContext(ctx).First(&referrer, referrerID).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			log.Printf("Failed to look up referrer %d: %v", referrerID, err)
		}
		return
	}

	claimed := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND referrer_id IS NULL", user.ID).
			Update("referrer_id", referrerID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		claimed = true
		return tx.Create(&models.Referral{
			ReferrerID: referrerID,
			ReferredID: user.ID,
			RewardPaid: false,
		}).Error
	})
	if err != nil {
		log.Printf("Failed to attribute referral for user %d: %v", user.ID, err)
		return
	}
	if claimed {
		user.ReferrerID = &referrerID
	}
}
