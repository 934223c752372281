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

// creditRepo 额度账户与流水数据访问实现
type creditRepo struct {
	data   *Data
	logger *log.Helper
}

// NewCreditRepo 创建额度数据访问实例
func NewCreditRepo(data *Data, logger log.Logger) biz.CreditRepo {
	return &creditRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *creditRepo) GetAccount(ctx context.Context, userID int64) (*biz.CreditAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.GetAccount")
	defer span.End()

	var acc biz.CreditAccount
	err := r.data.DB(ctx).Where("user_id = ?", userID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get credit account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &acc, nil
}

func (r *creditRepo) LockAccount(ctx context.Context, userID int64) (*biz.CreditAccount, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.LockAccount")
	defer span.End()

	var acc biz.CreditAccount
	err := r.data.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&acc).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to lock credit account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &acc, nil
}

func (r *creditRepo) EnsureAccount(ctx context.Context, userID int64) error {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.EnsureAccount")
	defer span.End()

	err := r.data.DB(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&biz.CreditAccount{UserID: userID}).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to ensure credit account for user_id: %d, error_reason: %v", userID, err)
		return err
	}
	return nil
}

func (r *creditRepo) Debit(ctx context.Context, userID, units int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.Debit")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"units":   units,
	})

	res := r.data.DB(ctx).Model(&biz.CreditAccount{}).
		Where("user_id = ? AND balance >= ?", userID, units).
		Updates(map[string]interface{}{
			"balance":        gorm.Expr("balance - ?", units),
			"total_consumed": gorm.Expr("total_consumed + ?", units),
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to debit credits for user_id: %d, error_reason: %v", userID, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *creditRepo) Credit(ctx context.Context, userID, units int64) error {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.Credit")
	defer span.End()

	res := r.data.DB(ctx).Model(&biz.CreditAccount{}).
		Where("user_id = ?", userID).
		Updates(map[string]interface{}{
			"balance":         gorm.Expr("balance + ?", units),
			"total_recharged": gorm.Expr("total_recharged + ?", units),
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to credit user_id: %d, error_reason: %v", userID, res.Error)
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *creditRepo) CreateTransaction(ctx context.Context, tx *biz.CreditTransaction) error {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.CreateTransaction")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": tx.UserID,
		"amount":  tx.Amount,
		"reason":  tx.Reason,
	})

	if err := r.data.DB(ctx).Create(tx).Error; err != nil {
		err = mapCreateErr(err)
		if !errors.Is(err, biz.ErrDuplicateKey) {
			r.logger.WithContext(ctx).Errorf("Failed to create credit transaction for user_id: %d, error_reason: %v", tx.UserID, err)
		}
		return err
	}
	return nil
}

func (r *creditRepo) GetTransaction(ctx context.Context, userID, id int64) (*biz.CreditTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.GetTransaction")
	defer span.End()

	var t biz.CreditTransaction
	err := r.data.DB(ctx).Where("id = ? AND user_id = ?", id, userID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *creditRepo) GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*biz.CreditTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.GetTransactionByRequestID")
	defer span.End()

	var t biz.CreditTransaction
	err := r.data.DB(ctx).Where("user_id = ? AND request_id = ?", userID, requestID).First(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *creditRepo) ListTransactions(ctx context.Context, userID int64, limit int) ([]*biz.CreditTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditRepo.ListTransactions")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"limit":   limit,
	})

	var items []*biz.CreditTransaction
	err := r.data.DB(ctx).Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to list credit transactions for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return items, nil
}
