package data

import (
	"context"
	"errors"
	"time"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// vipRepo VIP 状态、套餐与订单
type vipRepo struct {
	data   *Data
	logger *log.Helper
}

// NewVipRepo 创建 VIP 数据访问实例
func NewVipRepo(data *Data, logger log.Logger) biz.VipRepo {
	return &vipRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *vipRepo) GetStatus(ctx context.Context, userID int64) (*biz.VipStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.GetStatus")
	defer span.End()

	var s biz.VipStatus
	err := r.data.DB(ctx).Where("user_id = ?", userID).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get vip status for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &s, nil
}

func (r *vipRepo) LockStatus(ctx context.Context, userID int64) (*biz.VipStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.LockStatus")
	defer span.End()

	var s biz.VipStatus
	err := r.data.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SaveStatus 不存在则插入，存在则覆盖到期时间
func (r *vipRepo) SaveStatus(ctx context.Context, status *biz.VipStatus) error {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.SaveStatus")
	defer span.End()

	err := r.data.DB(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"is_vip", "vip_expire_date", "updated_at"}),
	}).Create(status).Error
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to save vip status for user_id: %d, error_reason: %v", status.UserID, err)
		return err
	}
	return nil
}

func (r *vipRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.ExpireLapsed")
	defer span.End()

	res := r.data.DB(ctx).Model(&biz.VipStatus{}).
		Where("is_vip = ? AND (vip_expire_date IS NULL OR vip_expire_date <= ?)", true, now).
		Update("is_vip", false)
	return res.RowsAffected, res.Error
}

func (r *vipRepo) ListPlans(ctx context.Context) ([]*biz.VipPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.ListPlans")
	defer span.End()

	var plans []*biz.VipPlan
	err := r.data.DB(ctx).Where("status = ?", biz.StatusActive).
		Order("sort_order ASC, id ASC").
		Find(&plans).Error
	return plans, err
}

func (r *vipRepo) GetPlan(ctx context.Context, id int64) (*biz.VipPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.GetPlan")
	defer span.End()

	var p biz.VipPlan
	err := r.data.DB(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *vipRepo) CreateOrder(ctx context.Context, order *biz.VipOrder) error {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.CreateOrder")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_no": order.OrderNo,
		"user_id":  order.UserID,
	})

	if err := r.data.DB(ctx).Create(order).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

func (r *vipRepo) GetOrder(ctx context.Context, orderNo string) (*biz.VipOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.GetOrder")
	defer span.End()

	var o biz.VipOrder
	err := r.data.DB(ctx).Where("order_no = ?", orderNo).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *vipRepo) ListOrders(ctx context.Context, userID int64, limit int) ([]*biz.VipOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.ListOrders")
	defer span.End()

	var orders []*biz.VipOrder
	err := r.data.DB(ctx).Where("user_id = ?", userID).
		Order("id DESC").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}

func (r *vipRepo) TransitionOrder(ctx context.Context, orderNo string, from []string, to string, fields map[string]interface{}) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "VipRepo.TransitionOrder")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_no": orderNo,
		"to":       to,
	})

	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := r.data.DB(ctx).Model(&biz.VipOrder{}).
		Where("order_no = ? AND status IN ?", orderNo, from).
		Updates(updates)
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to move vip order %s to %s, error_reason: %v", orderNo, to, res.Error)
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
