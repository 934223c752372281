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

var rateLimitKey = []clause.Column{{Name: "identifier"}, {Name: "day"}}

// rateLimitRepo 每日生成次数计数
type rateLimitRepo struct {
	data   *Data
	logger *log.Helper
}

// NewRateLimitRepo 创建生成计数数据访问实例
func NewRateLimitRepo(data *Data, logger log.Logger) biz.RateLimitRepo {
	return &rateLimitRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *rateLimitRepo) GetCount(ctx context.Context, identifier, day string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitRepo.GetCount")
	defer span.End()

	var row biz.GenerationRateLimit
	err := r.data.DB(ctx).Where("identifier = ? AND day = ?", identifier, day).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get generation count for %s on %s, error_reason: %v", identifier, day, err)
		return 0, err
	}
	return row.Count, nil
}

func (r *rateLimitRepo) Increment(ctx context.Context, identifier, day string) error {
	ctx, span := tracing.StartSpan(ctx, "RateLimitRepo.Increment")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
		"day":        day,
	})

	err := r.data.DB(ctx).Clauses(clause.OnConflict{
		Columns:   rateLimitKey,
		DoUpdates: clause.Assignments(map[string]interface{}{"count": gorm.Expr("`count` + 1")}),
	}).Create(&biz.GenerationRateLimit{Identifier: identifier, Day: day, Count: 1}).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to increment generation count for %s, error_reason: %v", identifier, err)
		return err
	}
	return nil
}

func (r *rateLimitRepo) IncrementIfBelow(ctx context.Context, identifier, day string, limit int64) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitRepo.IncrementIfBelow")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
		"day":        day,
		"limit":      limit,
	})

	db := r.data.DB(ctx)
	err := db.Clauses(clause.OnConflict{Columns: rateLimitKey, DoNothing: true}).
		Create(&biz.GenerationRateLimit{Identifier: identifier, Day: day}).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to create generation counter for %s, error_reason: %v", identifier, err)
		return false, err
	}

	res := db.Model(&biz.GenerationRateLimit{}).
		Where("identifier = ? AND day = ? AND `count` < ?", identifier, day, limit).
		Update("count", gorm.Expr("`count` + 1"))
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to increment generation count for %s, error_reason: %v", identifier, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
