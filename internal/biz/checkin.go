package biz

import (
	"context"
	"errors"

	"wallet/internal/pkg/metrics"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
)

var (
	errAlreadyCheckedIn   = errors.New("already checked in today")
	errInsufficientPoints = errors.New("insufficient points")
)

// NextReward 下一个连续签到里程碑
type NextReward struct {
	ConsecutiveDays int   `json:"consecutive_days"`
	Points          int64 `json:"points"`
	DaysRemaining   int   `json:"days_remaining"`
}

// CheckInStatus 签到状态视图
type CheckInStatus struct {
	CheckedInToday  bool        `json:"checked_in_today"`
	ConsecutiveDays int         `json:"consecutive_days"`
	Balance         int64       `json:"balance"`
	TodayPoints     int64       `json:"today_points"`
	NextPoints      int64       `json:"next_points"`
	NextReward      *NextReward `json:"next_reward,omitempty"`
	Today           string      `json:"today"`
}

// CheckInResult 签到结果
type CheckInResult struct {
	Success         bool   `json:"success"`
	Reason          Reason `json:"reason,omitempty"`
	Message         string `json:"message,omitempty"`
	Points          int64  `json:"points"`
	ConsecutiveDays int    `json:"consecutive_days"`
	Balance         int64  `json:"balance"`
}

// PointBalance 积分余额视图
type PointBalance struct {
	UserID          int64 `json:"user_id"`
	Balance         int64 `json:"balance"`
	TotalEarned     int64 `json:"total_earned"`
	TotalSpent      int64 `json:"total_spent"`
	ConsecutiveDays int   `json:"consecutive_days"`
}

// PointUsecase 积分引擎：签到、兑换、流水
type PointUsecase struct {
	repo     PointRepo
	config   PointConfigRepo
	credits  *CreditUsecase
	tx       Transaction
	calendar *Calendar
	settings *Settings
	metrics  *metrics.EconomyMetrics
	log      *log.Helper
}

func NewPointUsecase(repo PointRepo, config PointConfigRepo, credits *CreditUsecase, tx Transaction, calendar *Calendar, settings *Settings, logger log.Logger) *PointUsecase {
	return &PointUsecase{
		repo:     repo,
		config:   config,
		credits:  credits,
		tx:       tx,
		calendar: calendar,
		settings: settings,
		metrics:  metrics.Economy(),
		log:      log.NewHelper(logger),
	}
}

// GetStatus 签到状态，只读；断签时连续天数显示为 0
func (uc *PointUsecase) GetStatus(ctx context.Context, userID int64) (*CheckInStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.GetStatus")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
	})

	today, yesterday := uc.calendar.Today(), uc.calendar.Yesterday()
	acc, err := uc.repo.GetAccount(ctx, userID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to get point account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}

	rules, err := uc.config.ListActiveCheckInRules(ctx)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list check-in rules, error_reason: %v", err)
		return nil, err
	}

	status := &CheckInStatus{Today: today}
	if acc != nil {
		status.Balance = acc.Balance
		last := deref(acc.LastCheckInDate)
		switch last {
		case today:
			status.CheckedInToday = true
			status.ConsecutiveDays = acc.ConsecutiveDays
		case yesterday:
			status.ConsecutiveDays = acc.ConsecutiveDays
		}
	}

	if status.CheckedInToday {
		record, err := uc.repo.GetCheckIn(ctx, userID, today)
		if err != nil {
			return nil, err
		}
		if record != nil {
			status.TodayPoints = record.Points
		}
	}

	next := status.ConsecutiveDays + 1
	status.NextPoints = uc.pointsFor(rules, next)
	status.NextReward = nextReward(rules, status.ConsecutiveDays)
	return status, nil
}

// CheckIn 每日签到：昨天签过则连续天数加一，否则重置为 1
func (uc *PointUsecase) CheckIn(ctx context.Context, userID int64) (*CheckInResult, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.CheckIn")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
	})

	if userID <= 0 {
		return &CheckInResult{Reason: ReasonInvalidInput, Message: "user id is required"}, nil
	}

	today, yesterday := uc.calendar.Today(), uc.calendar.Yesterday()
	rules, err := uc.config.ListActiveCheckInRules(ctx)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list check-in rules, error_reason: %v", err)
		return nil, err
	}

	var result *CheckInResult
	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		if err := uc.repo.EnsureAccount(ctx, userID); err != nil {
			return err
		}
		acc, err := uc.repo.LockAccount(ctx, userID)
		if err != nil {
			return err
		}

		last := deref(acc.LastCheckInDate)
		if last == today {
			return errAlreadyCheckedIn
		}
		streak := 1
		if last == yesterday {
			streak = acc.ConsecutiveDays + 1
		}
		points := uc.pointsFor(rules, streak)

		ok, err := uc.repo.ApplyCheckIn(ctx, userID, today, streak, points)
		if err != nil {
			return err
		}
		if !ok {
			return errAlreadyCheckedIn
		}
		if err := uc.repo.CreateCheckIn(ctx, &PointCheckIn{
			UserID:          userID,
			CheckInDate:     today,
			Points:          points,
			ConsecutiveDays: streak,
		}); err != nil {
			if errors.Is(err, ErrDuplicateKey) {
				return errAlreadyCheckedIn
			}
			return err
		}

		balance := acc.Balance + points
		if err := uc.repo.CreateTransaction(ctx, &PointTransaction{
			UserID:       userID,
			Type:         PointTransactionCheckIn,
			Amount:       points,
			BalanceAfter: balance,
			RelatedID:    optional(today),
			Description:  optional("daily check-in, day " + itoa(int64(streak))),
		}); err != nil {
			return err
		}

		result = &CheckInResult{
			Success:         true,
			Points:          points,
			ConsecutiveDays: streak,
			Balance:         balance,
		}
		return nil
	})

	if errors.Is(err, errAlreadyCheckedIn) {
		acc, gerr := uc.repo.GetAccount(ctx, userID)
		if gerr != nil {
			return nil, gerr
		}
		res := &CheckInResult{Reason: ReasonAlreadyDone, Message: "already checked in"}
		if acc != nil {
			res.Balance = acc.Balance
			res.ConsecutiveDays = acc.ConsecutiveDays
		}
		return res, nil
	}
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to check in for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}

	uc.metrics.CheckIn(result.Points)
	uc.log.WithContext(ctx).Infof("User %d checked in on %s, streak: %d, points: %d", userID, today, result.ConsecutiveDays, result.Points)
	return result, nil
}

// ListCheckIns 指定日期区间内的签到记录
func (uc *PointUsecase) ListCheckIns(ctx context.Context, userID int64, fromDay, toDay string) ([]*PointCheckIn, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.ListCheckIns")
	defer span.End()

	return uc.repo.ListCheckIns(ctx, userID, fromDay, toDay)
}

// GetBalance 积分余额
func (uc *PointUsecase) GetBalance(ctx context.Context, userID int64) (*PointBalance, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.GetBalance")
	defer span.End()

	acc, err := uc.repo.GetAccount(ctx, userID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to get point account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	if acc == nil {
		return &PointBalance{UserID: userID}, nil
	}

	streak := 0
	if last := deref(acc.LastCheckInDate); last == uc.calendar.Today() || last == uc.calendar.Yesterday() {
		streak = acc.ConsecutiveDays
	}
	return &PointBalance{
		UserID:          userID,
		Balance:         acc.Balance,
		TotalEarned:     acc.TotalEarned,
		TotalSpent:      acc.TotalSpent,
		ConsecutiveDays: streak,
	}, nil
}

// ListTransactions 积分流水，按时间倒序
func (uc *PointUsecase) ListTransactions(ctx context.Context, userID int64, limit int) ([]*PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "PointUsecase.ListTransactions")
	defer span.End()

	items, err := uc.repo.ListTransactions(ctx, userID, uc.settings.ClampLimit(limit))
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list point transactions for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return items, nil
}

// ListCheckInRules 启用中的签到规则
func (uc *PointUsecase) ListCheckInRules(ctx context.Context) ([]*CheckInRule, error) {
	return uc.config.ListActiveCheckInRules(ctx)
}

// pointsFor 取阈值不超过 streak 的最高规则，没有则使用基础积分
func (uc *PointUsecase) pointsFor(rules []*CheckInRule, streak int) int64 {
	var best *CheckInRule
	for _, r := range rules {
		if r.ConsecutiveDays > streak {
			continue
		}
		if best == nil || r.ConsecutiveDays >= best.ConsecutiveDays {
			best = r
		}
	}
	if best == nil {
		return uc.settings.CheckInBasePoints
	}
	return best.Points
}

func nextReward(rules []*CheckInRule, streak int) *NextReward {
	var next *CheckInRule
	for _, r := range rules {
		if r.ConsecutiveDays <= streak {
			continue
		}
		if next == nil || r.ConsecutiveDays < next.ConsecutiveDays {
			next = r
		}
	}
	if next == nil {
		return nil
	}
	return &NextReward{
		ConsecutiveDays: next.ConsecutiveDays,
		Points:          next.Points,
		DaysRemaining:   next.ConsecutiveDays - streak,
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
