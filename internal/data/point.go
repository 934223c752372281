package data

import (
	"context"
	"errors"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// pointRepo 积分账户、签到记录与流水数据访问实现
type pointRepo struct {
	data   *Data
	logger *log.Helper
}

// NewPointRepo 创建积分数据访问实例
func NewPointRepo(data *Data, logger log.Logger) biz.PointRepo {
	return &pointRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *pointRepo) GetAccount(ctx context.Context, userID int64) (*biz.PointAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.GetAccount")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
	})

	var p biz.PointAccount
	err := r.data.DB(ctx).Where("user_id = ?", userID).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get point account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &p, nil
}

func (r *pointRepo) LockAccount(ctx context.Context, userID int64) (*biz.PointAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.LockAccount")
	defer span.End()

	var p biz.PointAccount
	err := r.data.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&p).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to lock point account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &p, nil
}

func (r *pointRepo) EnsureAccount(ctx context.Context, userID int64) error {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.EnsureAccount")
	defer span.End()

	err := r.data.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&biz.PointAccount{UserID: userID}).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to ensure point account for user_id: %d, error_reason: %v", userID, err)
		return err
	}
	return nil
}

func (r *pointRepo) ApplyCheckIn(ctx context.Context, userID int64, day string, streak int, points int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.ApplyCheckIn")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"day":     day,
		"streak":  streak,
		"points":  points,
	})

	res := r.data.DB(ctx).Model(&biz.PointAccount{}).
		Where("user_id = ? AND (last_check_in_date IS NULL OR last_check_in_date <> ?)", userID, day).
		Updates(map[string]interface{}{
			"balance":            gorm.Expr("balance + ?", points),
			"total_earned":       gorm.Expr("total_earned + ?", points),
			"consecutive_days":   streak,
			"last_check_in_date": day,
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to apply check-in for user_id: %d, error_reason: %v", userID, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *pointRepo) CreateCheckIn(ctx context.Context, record *biz.PointCheckIn) error {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.CreateCheckIn")
	defer span.End()

	if err := r.data.DB(ctx).Create(record).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

func (r *pointRepo) GetCheckIn(ctx context.Context, userID int64, day string) (*biz.PointCheckIn, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.GetCheckIn")
	defer span.End()

	var c biz.PointCheckIn
	err := r.data.DB(ctx).Where("user_id = ? AND check_in_date = ?", userID, day).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pointRepo) ListCheckIns(ctx context.Context, userID int64, fromDay, toDay string) ([]*biz.PointCheckIn, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.ListCheckIns")
	defer span.End()

	var items []*biz.PointCheckIn
	err := r.data.DB(ctx).
		Where("user_id = ? AND check_in_date >= ? AND check_in_date <= ?", userID, fromDay, toDay).
		Order("check_in_date ASC").
		Find(&items).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list check-ins for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return items, nil
}

func (r *pointRepo) Debit(ctx context.Context, userID, points int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.Debit")
	defer span.End()

	res := r.data.DB(ctx).Model(&biz.PointAccount{}).
		Where("user_id = ? AND balance >= ?", userID, points).
		Updates(map[string]interface{}{
			"balance":     gorm.Expr("balance - ?", points),
			"total_spent": gorm.Expr("total_spent + ?", points),
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to debit points for user_id: %d, error_reason: %v", userID, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *pointRepo) CreateTransaction(ctx context.Context, tx *biz.PointTransaction) error {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.CreateTransaction")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id":          tx.UserID,
		"transaction_type": tx.Type,
		"amount":           tx.Amount,
	})

	if err := r.data.DB(ctx).Create(tx).Error; err != nil {
		err = mapCreateErr(err)
		if !errors.Is(err, biz.ErrDuplicateKey) {
			r.logger.WithContext(ctx).Errorf("Failed to create point transaction for user_id: %d, error_reason: %v", tx.UserID, err)
		}
		return err
	}
	return nil
}

func (r *pointRepo) GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*biz.PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.GetTransactionByRequestID")
	defer span.End()

	var t biz.PointTransaction
	err := r.data.DB(ctx).Where("user_id = ? AND request_id = ?", userID, requestID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *pointRepo) ListTransactions(ctx context.Context, userID int64, limit int) ([]*biz.PointTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "PointRepo.ListTransactions")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"limit":   limit,
	})

	var items []*biz.PointTransaction
	err := r.data.DB(ctx).Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list point transactions for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return items, nil
}

// pointConfigRepo 签到规则与兑换档位
type pointConfigRepo struct {
	data   *Data
	logger *log.Helper
}

// NewPointConfigRepo 创建积分配置数据访问实例
func NewPointConfigRepo(data *Data, logger log.Logger) biz.PointConfigRepo {
	return &pointConfigRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *pointConfigRepo) ListActiveCheckInRules(ctx context.Context) ([]*biz.CheckInRule, error) {
	ctx, span := tracing.StartSpan(ctx, "PointConfigRepo.ListActiveCheckInRules")
	defer span.End()

	var rules []*biz.CheckInRule
	err := r.data.DB(ctx).Where("status = ?", biz.StatusActive).
		Order("consecutive_days ASC").
		Find(&rules).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list check-in rules, error_reason: %v", err)
		return nil, err
	}
	return rules, nil
}

func (r *pointConfigRepo) ListActiveExchangeRates(ctx context.Context) ([]*biz.PointExchangeRate, error) {
	ctx, span := tracing.StartSpan(ctx, "PointConfigRepo.ListActiveExchangeRates")
	defer span.End()

	var rates []*biz.PointExchangeRate
	err := r.data.DB(ctx).Where("status = ?", biz.StatusActive).
		Order("sort_order ASC, id ASC").
		Find(&rates).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list exchange rates, error_reason: %v", err)
		return nil, err
	}
	return rates, nil
}

func (r *pointConfigRepo) GetExchangeRate(ctx context.Context, id int64) (*biz.PointExchangeRate, error) {
	ctx, span := tracing.StartSpan(ctx, "PointConfigRepo.GetExchangeRate")
	defer span.End()

	var rate biz.PointExchangeRate
	err := r.data.DB(ctx).Where("id = ?", id).First(&rate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rate, nil
}
