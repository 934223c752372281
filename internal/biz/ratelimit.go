package biz

import (
	"context"
	"time"

	"wallet/internal/pkg/metrics"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
)

// Tier 配额档位
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierFree      Tier = "free"
	TierVip       Tier = "vip"
	TierAdmin     Tier = "admin"
)

// 每日生成次数默认上限
const (
	DefaultAnonymousLimit int64 = 3
	DefaultFreeLimit      int64 = 10
	DefaultVipLimit       int64 = 50
	DefaultAdminLimit     int64 = 1000
)

// GenerationRateLimit 每个主体每天一行计数，只增不删
type GenerationRateLimit struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Identifier string    `gorm:"column:identifier;size:128;not null;uniqueIndex:uk_rate_limit_identifier_day,priority:1" json:"identifier"`
	Day        string    `gorm:"column:day;size:10;not null;uniqueIndex:uk_rate_limit_identifier_day,priority:2" json:"day"`
	Count      int64     `gorm:"column:count;not null;default:0" json:"count"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (GenerationRateLimit) TableName() string {
	return "generation_rate_limit"
}

// RateLimitRepo 生成次数计数
type RateLimitRepo interface {
	GetCount(ctx context.Context, identifier, day string) (int64, error)
	// Increment 单条 upsert，不存在则插入 1
	Increment(ctx context.Context, identifier, day string) error
	// IncrementIfBelow 仅当 count < limit 时加一
	IncrementIfBelow(ctx context.Context, identifier, day string, limit int64) (bool, error)
}

// VipStatusReader 判断用户当前是否为有效 VIP
type VipStatusReader interface {
	IsActive(ctx context.Context, userID int64) (bool, error)
}

// QuotaStatus 配额视图；Used 为真实计数，不做截断
type QuotaStatus struct {
	Allowed    bool      `json:"allowed"`
	Reason     Reason    `json:"reason,omitempty"`
	Tier       Tier      `json:"tier"`
	Identifier string    `json:"-"`
	Day        string    `json:"day"`
	Limit      int64     `json:"limit"`
	Used       int64     `json:"used"`
	Remaining  int64     `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
}

// RateLimitUsecase 每日生成配额
type RateLimitUsecase struct {
	repo     RateLimitRepo
	vip      VipStatusReader
	calendar *Calendar
	settings *Settings
	metrics  *metrics.EconomyMetrics
	log      *log.Helper
}

func NewRateLimitUsecase(repo RateLimitRepo, vip VipStatusReader, calendar *Calendar, settings *Settings, logger log.Logger) *RateLimitUsecase {
	return &RateLimitUsecase{
		repo:     repo,
		vip:      vip,
		calendar: calendar,
		settings: settings,
		metrics:  metrics.Economy(),
		log:      log.NewHelper(logger),
	}
}

// LimitFor 档位对应的每日上限
func (uc *RateLimitUsecase) LimitFor(tier Tier) int64 {
	if v, ok := uc.settings.Limits[tier]; ok {
		return v
	}
	return uc.settings.Limits[TierAnonymous]
}

// ResolveTier 管理员 > VIP > 普通用户 > 匿名
func (uc *RateLimitUsecase) ResolveTier(ctx context.Context, id Identity) (Tier, error) {
	if !id.Authenticated() {
		return TierAnonymous, nil
	}
	if id.IsAdmin() {
		return TierAdmin, nil
	}
	active, err := uc.vip.IsActive(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	if active {
		return TierVip, nil
	}
	return TierFree, nil
}

// CheckLimit 查询今日配额，不修改计数
func (uc *RateLimitUsecase) CheckLimit(ctx context.Context, identifier string, tier Tier) (*QuotaStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitUsecase.CheckLimit")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
		"tier":       tier,
	})

	status := uc.newStatus(identifier, tier)
	if identifier == "" {
		status.Reason = ReasonIdentityUnresolved
		return status, nil
	}

	used, err := uc.repo.GetCount(ctx, identifier, status.Day)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to read generation count for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	uc.fill(status, used)
	if !status.Allowed {
		status.Reason = ReasonRateLimited
	}
	return status, nil
}

// Increment 计数加一，调用方须已确认本次生成会执行
func (uc *RateLimitUsecase) Increment(ctx context.Context, identifier string, tier Tier) (*QuotaStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitUsecase.Increment")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
	})

	status := uc.newStatus(identifier, tier)
	if identifier == "" {
		status.Reason = ReasonIdentityUnresolved
		return status, nil
	}

	if err := uc.repo.Increment(ctx, identifier, status.Day); err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to increment generation count for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	used, err := uc.repo.GetCount(ctx, identifier, status.Day)
	if err != nil {
		return nil, err
	}
	uc.fill(status, used)
	return status, nil
}

// Acquire 检查与计数合并为一次条件更新，超限时不计数
func (uc *RateLimitUsecase) Acquire(ctx context.Context, identifier string, tier Tier) (*QuotaStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "RateLimitUsecase.Acquire")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
		"tier":       tier,
	})

	status := uc.newStatus(identifier, tier)
	if identifier == "" {
		status.Reason = ReasonIdentityUnresolved
		return status, nil
	}

	ok, err := uc.repo.IncrementIfBelow(ctx, identifier, status.Day, status.Limit)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to acquire generation quota for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	used, err := uc.repo.GetCount(ctx, identifier, status.Day)
	if err != nil {
		return nil, err
	}
	uc.fill(status, used)
	status.Allowed = ok
	if !ok {
		status.Reason = ReasonRateLimited
	}
	uc.metrics.QuotaDecision(string(tier), ok)
	return status, nil
}

func (uc *RateLimitUsecase) newStatus(identifier string, tier Tier) *QuotaStatus {
	return &QuotaStatus{
		Tier:       tier,
		Identifier: identifier,
		Day:        uc.calendar.Today(),
		Limit:      uc.LimitFor(tier),
		ResetAt:    uc.calendar.NextMidnight(),
	}
}

func (uc *RateLimitUsecase) fill(status *QuotaStatus, used int64) {
	status.Used = used
	status.Allowed = used < status.Limit
	status.Remaining = status.Limit - used
	if status.Remaining < 0 {
		status.Remaining = 0
	}
}
