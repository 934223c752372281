package biz

import (
	"context"
	"errors"
	"math"
	"time"

	"wallet/internal/pkg/metrics"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/shopspring/decimal"
)

// VIP 订单状态
const (
	VipOrderPending   = "pending"
	VipOrderInReview  = "in_review"
	VipOrderPaid      = "paid"
	VipOrderCompleted = "completed"
	VipOrderRejected  = "rejected"
)

var errOrderTransition = errors.New("vip order status changed concurrently")

// VipStatus 用户 VIP 状态；是否有效以到期时间为准
type VipStatus struct {
	UserID        int64      `gorm:"column:user_id;primaryKey;autoIncrement:false" json:"user_id"`
	IsVip         bool       `gorm:"column:is_vip;not null;default:false" json:"is_vip"`
	VipExpireDate *time.Time `gorm:"column:vip_expire_date;index" json:"vip_expire_date,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (VipStatus) TableName() string {
	return "user_vip"
}

// VipPlan VIP 套餐（只读）
type VipPlan struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name           string          `gorm:"column:name;size:64;not null" json:"name"`
	DurationMonths int             `gorm:"column:duration_months;not null" json:"duration_months"`
	Price          decimal.Decimal `gorm:"column:price;type:decimal(10,2);not null" json:"price"`
	Description    string          `gorm:"column:description;size:255" json:"description,omitempty"`
	Status         int8            `gorm:"column:status;not null;default:1" json:"status"`
	SortOrder      int             `gorm:"column:sort_order;not null;default:0" json:"sort_order"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (VipPlan) TableName() string {
	return "vip_plan"
}

// VipOrder VIP 购买订单
type VipOrder struct {
	ID             int64           `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	OrderNo        string          `gorm:"column:order_no;size:32;uniqueIndex;not null" json:"order_no"`
	UserID         int64           `gorm:"column:user_id;not null;index" json:"user_id"`
	PlanID         int64           `gorm:"column:plan_id;not null" json:"plan_id"`
	DurationMonths int             `gorm:"column:duration_months;not null" json:"duration_months"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(10,2);not null" json:"amount"`
	Status         string          `gorm:"column:status;size:16;not null;index" json:"status"`
	PaymentProof   *string         `gorm:"column:payment_proof;size:512" json:"payment_proof,omitempty"`
	RejectReason   *string         `gorm:"column:reject_reason;size:255" json:"reject_reason,omitempty"`
	PaidAt         *time.Time      `gorm:"column:paid_at" json:"paid_at,omitempty"`
	CompletedAt    *time.Time      `gorm:"column:completed_at" json:"completed_at,omitempty"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (VipOrder) TableName() string {
	return "vip_order"
}

// VipRepo VIP 数据访问接口
type VipRepo interface {
	GetStatus(ctx context.Context, userID int64) (*VipStatus, error)
	LockStatus(ctx context.Context, userID int64) (*VipStatus, error)
	SaveStatus(ctx context.Context, status *VipStatus) error
	// ExpireLapsed 清理已过期但仍标记为 VIP 的记录
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
	ListPlans(ctx context.Context) ([]*VipPlan, error)
	GetPlan(ctx context.Context, id int64) (*VipPlan, error)
	CreateOrder(ctx context.Context, order *VipOrder) error
	GetOrder(ctx context.Context, orderNo string) (*VipOrder, error)
	ListOrders(ctx context.Context, userID int64, limit int) ([]*VipOrder, error)
	// TransitionOrder 仅当当前状态属于 from 时迁移到 to
	TransitionOrder(ctx context.Context, orderNo string, from []string, to string, fields map[string]interface{}) (bool, error)
}

// IDGenerator 订单号生成
type IDGenerator interface {
	GenerateIDString() string
}

// VipView VIP 状态视图
type VipView struct {
	UserID        int64      `json:"user_id"`
	Active        bool       `json:"active"`
	ExpireAt      *time.Time `json:"expire_at,omitempty"`
	DaysRemaining int        `json:"days_remaining"`
}

// VipOrderResult 订单操作结果
type VipOrderResult struct {
	Success bool      `json:"success"`
	Reason  Reason    `json:"reason,omitempty"`
	Message string    `json:"message,omitempty"`
	Order   *VipOrder `json:"order,omitempty"`
	Vip     *VipView  `json:"vip,omitempty"`
}

// ExtendExpiry 从 max(now, 当前到期时间) 起顺延 months 个月
func ExtendExpiry(now time.Time, current *time.Time, months int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.AddDate(0, months, 0)
}

// VipUsecase VIP 订单与到期管理
type VipUsecase struct {
	repo     VipRepo
	tx       Transaction
	clock    Clock
	ids      IDGenerator
	settings *Settings
	metrics  *metrics.EconomyMetrics
	log      *log.Helper
}

func NewVipUsecase(repo VipRepo, tx Transaction, clock Clock, ids IDGenerator, settings *Settings, logger log.Logger) *VipUsecase {
	return &VipUsecase{
		repo:     repo,
		tx:       tx,
		clock:    clock,
		ids:      ids,
		settings: settings,
		metrics:  metrics.Economy(),
		log:      log.NewHelper(logger),
	}
}

// IsActive 到期时间晚于当前时间即为有效 VIP
func (uc *VipUsecase) IsActive(ctx context.Context, userID int64) (bool, error) {
	view, err := uc.GetStatus(ctx, userID)
	if err != nil {
		return false, err
	}
	return view.Active, nil
}

// GetStatus VIP 状态，Active 根据到期时间重新计算
func (uc *VipUsecase) GetStatus(ctx context.Context, userID int64) (*VipView, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.GetStatus")
	defer span.End()

	status, err := uc.repo.GetStatus(ctx, userID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to get vip status for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return uc.view(userID, status), nil
}

func (uc *VipUsecase) view(userID int64, status *VipStatus) *VipView {
	v := &VipView{UserID: userID}
	if status == nil || status.VipExpireDate == nil {
		return v
	}
	now := uc.clock.Now()
	v.ExpireAt = status.VipExpireDate
	if status.VipExpireDate.After(now) {
		v.Active = true
		v.DaysRemaining = int(math.Ceil(status.VipExpireDate.Sub(now).Hours() / 24))
	}
	return v
}

// ListPlans 在售套餐
func (uc *VipUsecase) ListPlans(ctx context.Context) ([]*VipPlan, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.ListPlans")
	defer span.End()

	return uc.repo.ListPlans(ctx)
}

// ListOrders 用户订单
func (uc *VipUsecase) ListOrders(ctx context.Context, userID int64, limit int) ([]*VipOrder, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.ListOrders")
	defer span.End()

	return uc.repo.ListOrders(ctx, userID, uc.settings.ClampLimit(limit))
}

// CreateOrder 下单，金额与时长取自套餐快照
func (uc *VipUsecase) CreateOrder(ctx context.Context, userID, planID int64) (*VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.CreateOrder")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
		"plan_id": planID,
	})

	if userID <= 0 || planID <= 0 {
		return &VipOrderResult{Reason: ReasonInvalidInput, Message: "plan is required"}, nil
	}
	plan, err := uc.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil || plan.Status != StatusActive || plan.DurationMonths <= 0 {
		return &VipOrderResult{Reason: ReasonNotFound, Message: "plan not available"}, nil
	}

	order := &VipOrder{
		OrderNo:        "VIP" + uc.ids.GenerateIDString(),
		UserID:         userID,
		PlanID:         plan.ID,
		DurationMonths: plan.DurationMonths,
		Amount:         plan.Price,
		Status:         VipOrderPending,
	}
	if err := uc.repo.CreateOrder(ctx, order); err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to create vip order for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}

	uc.log.WithContext(ctx).Infof("Created vip order %s for user_id: %d, plan: %d, amount: %s", order.OrderNo, userID, plan.ID, order.Amount.StringFixed(2))
	return &VipOrderResult{Success: true, Order: order}, nil
}

// SubmitPayment 用户提交付款凭证，pending -> in_review
func (uc *VipUsecase) SubmitPayment(ctx context.Context, userID int64, orderNo, proof string) (*VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.SubmitPayment")
	defer span.End()

	order, err := uc.repo.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return &VipOrderResult{Reason: ReasonNotFound, Message: "order not found"}, nil
	}
	return uc.transition(ctx, order, []string{VipOrderPending}, VipOrderInReview, map[string]interface{}{
		"payment_proof": proof,
	})
}

// MarkPaid 支付回调确认到账，pending|in_review -> paid
func (uc *VipUsecase) MarkPaid(ctx context.Context, orderNo string) (*VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.MarkPaid")
	defer span.End()

	order, err := uc.repo.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &VipOrderResult{Reason: ReasonNotFound, Message: "order not found"}, nil
	}
	return uc.transition(ctx, order, []string{VipOrderPending, VipOrderInReview}, VipOrderPaid, map[string]interface{}{
		"paid_at": uc.clock.Now(),
	})
}

// Reject 驳回订单
func (uc *VipUsecase) Reject(ctx context.Context, orderNo, reason string) (*VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.Reject")
	defer span.End()

	order, err := uc.repo.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &VipOrderResult{Reason: ReasonNotFound, Message: "order not found"}, nil
	}
	return uc.transition(ctx, order, []string{VipOrderPending, VipOrderInReview, VipOrderPaid}, VipOrderRejected, map[string]interface{}{
		"reject_reason": reason,
	})
}

// Approve 审核通过：订单完成并顺延 VIP 到期时间，二者同一事务
func (uc *VipUsecase) Approve(ctx context.Context, orderNo string) (*VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.Approve")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"order_no": orderNo,
	})

	order, err := uc.repo.GetOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &VipOrderResult{Reason: ReasonNotFound, Message: "order not found"}, nil
	}

	now := uc.clock.Now()
	var saved *VipStatus
	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		ok, err := uc.repo.TransitionOrder(ctx, orderNo, []string{VipOrderInReview, VipOrderPaid}, VipOrderCompleted, map[string]interface{}{
			"completed_at": now,
		})
		if err != nil {
			return err
		}
		if !ok {
			return errOrderTransition
		}

		status, err := uc.repo.LockStatus(ctx, order.UserID)
		if err != nil {
			return err
		}
		var current *time.Time
		if status != nil {
			current = status.VipExpireDate
		} else {
			status = &VipStatus{UserID: order.UserID}
		}
		expire := ExtendExpiry(now, current, order.DurationMonths)
		status.IsVip = true
		status.VipExpireDate = &expire
		if err := uc.repo.SaveStatus(ctx, status); err != nil {
			return err
		}
		saved = status
		return nil
	})
	if errors.Is(err, errOrderTransition) {
		return &VipOrderResult{Reason: ReasonInvalidState, Message: "order cannot be approved in status " + order.Status, Order: order}, nil
	}
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to approve vip order %s, error_reason: %v", orderNo, err)
		return nil, err
	}

	order.Status = VipOrderCompleted
	order.CompletedAt = &now
	uc.metrics.VipExtended()
	uc.log.WithContext(ctx).Infof("Approved vip order %s, user_id: %d now expires at %s", orderNo, order.UserID, saved.VipExpireDate.Format(time.RFC3339))
	return &VipOrderResult{Success: true, Order: order, Vip: uc.view(order.UserID, saved)}, nil
}

func (uc *VipUsecase) transition(ctx context.Context, order *VipOrder, from []string, to string, fields map[string]interface{}) (*VipOrderResult, error) {
	ok, err := uc.repo.TransitionOrder(ctx, order.OrderNo, from, to, fields)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to move vip order %s to %s, error_reason: %v", order.OrderNo, to, err)
		return nil, err
	}
	if !ok {
		return &VipOrderResult{Reason: ReasonInvalidState, Message: "order cannot move from " + order.Status + " to " + to, Order: order}, nil
	}
	updated, err := uc.repo.GetOrder(ctx, order.OrderNo)
	if err != nil {
		return nil, err
	}
	uc.log.WithContext(ctx).Infof("Vip order %s moved %s -> %s", order.OrderNo, order.Status, to)
	return &VipOrderResult{Success: true, Order: updated}, nil
}

// ExpireLapsed 定时任务：清理过期 VIP 标记
func (uc *VipUsecase) ExpireLapsed(ctx context.Context) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "VipUsecase.ExpireLapsed")
	defer span.End()

	n, err := uc.repo.ExpireLapsed(ctx, uc.clock.Now())
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to expire lapsed vip rows, error_reason: %v", err)
		return 0, err
	}
	uc.metrics.VipExpired(n)
	uc.log.WithContext(ctx).Infof("Expired %d lapsed vip rows", n)
	return n, nil
}
