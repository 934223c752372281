package biz

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"wallet/internal/pkg/metrics"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
)

// 邀请关系状态
const (
	ReferralPending  = "pending"
	ReferralRewarded = "rewarded"
)

// 邀请活动的达标事件
const (
	ReferralEventRegistered    = "registered"
	ReferralEventVerifiedEmail = "verified_email"
	ReferralEventFirstGenerate = "first_generation"
	ReferralEventVipPurchase   = "vip_purchase"
)

const (
	referralCodeLength  = 8
	referralCodeRetries = 5
	// 去掉易混淆的 0/O/1/I
	referralAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

var errReferralAlreadyRewarded = errors.New("referral already rewarded")

// ReferralCode 用户邀请码
type ReferralCode struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID      int64     `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Code        string    `gorm:"column:code;size:16;uniqueIndex;not null" json:"code"`
	InviteCount int64     `gorm:"column:invite_count;not null;default:0" json:"invite_count"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ReferralCode) TableName() string {
	return "referral_code"
}

// ReferralRelationship 邀请关系，每个被邀请人只能绑定一次
type ReferralRelationship struct {
	ID            int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	InviterID     int64      `gorm:"column:inviter_id;not null;index" json:"inviter_id"`
	InviteeID     int64      `gorm:"column:invitee_id;uniqueIndex;not null" json:"invitee_id"`
	Code          string     `gorm:"column:code;size:16;not null" json:"code"`
	Status        string     `gorm:"column:status;size:16;not null;default:pending" json:"status"`
	CampaignID    *int64     `gorm:"column:campaign_id" json:"campaign_id,omitempty"`
	InviterReward int64      `gorm:"column:inviter_reward;not null;default:0" json:"inviter_reward"`
	InviteeReward int64      `gorm:"column:invitee_reward;not null;default:0" json:"invitee_reward"`
	RewardedAt    *time.Time `gorm:"column:rewarded_at" json:"rewarded_at,omitempty"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (ReferralRelationship) TableName() string {
	return "referral_relationship"
}

// ReferralCampaign 邀请活动配置（只读）
type ReferralCampaign struct {
	ID                int64      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	Name              string     `gorm:"column:name;size:64;not null" json:"name"`
	RequirementType   string     `gorm:"column:requirement_type;size:32;not null" json:"requirement_type"`
	InviterReward     int64      `gorm:"column:inviter_reward;not null;default:0" json:"inviter_reward"`
	InviteeReward     int64      `gorm:"column:invitee_reward;not null;default:0" json:"invitee_reward"`
	MaxInvitesPerUser int64      `gorm:"column:max_invites_per_user;not null;default:0" json:"max_invites_per_user"`
	Status            int8       `gorm:"column:status;not null;default:1" json:"status"`
	StartAt           *time.Time `gorm:"column:start_at" json:"start_at,omitempty"`
	EndAt             *time.Time `gorm:"column:end_at" json:"end_at,omitempty"`
	CreatedAt         time.Time  `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (ReferralCampaign) TableName() string {
	return "referral_campaign"
}

// ReferralRepo 邀请数据访问接口
type ReferralRepo interface {
	GetCodeByUser(ctx context.Context, userID int64) (*ReferralCode, error)
	GetCodeByCode(ctx context.Context, code string) (*ReferralCode, error)
	// CreateCode 邀请码或用户重复时返回 ErrDuplicateKey
	CreateCode(ctx context.Context, code *ReferralCode) error
	IncrementInviteCount(ctx context.Context, userID int64) error
	GetRelationshipByInvitee(ctx context.Context, inviteeID int64) (*ReferralRelationship, error)
	CreateRelationship(ctx context.Context, rel *ReferralRelationship) error
	// MarkRewarded 仅当关系仍为 pending 时更新
	MarkRewarded(ctx context.Context, rel *ReferralRelationship) (bool, error)
	// LockInviter 锁住邀请人的邀请码行，串行化同一邀请人的奖励发放
	LockInviter(ctx context.Context, inviterID int64) error
	CountRewarded(ctx context.Context, inviterID int64) (int64, error)
	SumInviterRewards(ctx context.Context, inviterID int64) (int64, error)
	GetActiveCampaign(ctx context.Context, now time.Time) (*ReferralCampaign, error)
}

// BindResult 绑定邀请码结果
type BindResult struct {
	Success   bool   `json:"success"`
	Reason    Reason `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	InviterID int64  `json:"inviter_id,omitempty"`
}

// ReferralEventResult 达标事件处理结果
type ReferralEventResult struct {
	Success       bool   `json:"success"`
	Reason        Reason `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	InviterID     int64  `json:"inviter_id,omitempty"`
	InviterReward int64  `json:"inviter_reward"`
	InviteeReward int64  `json:"invitee_reward"`
}

// ReferralStats 邀请统计
type ReferralStats struct {
	Code          string `json:"code"`
	InviteCount   int64  `json:"invite_count"`
	RewardedCount int64  `json:"rewarded_count"`
	CreditsEarned int64  `json:"credits_earned"`
}

// ReferralUsecase 邀请奖励引擎
type ReferralUsecase struct {
	repo    ReferralRepo
	credits *CreditUsecase
	tx      Transaction
	clock   Clock
	metrics *metrics.EconomyMetrics
	log     *log.Helper
}

func NewReferralUsecase(repo ReferralRepo, credits *CreditUsecase, tx Transaction, clock Clock, logger log.Logger) *ReferralUsecase {
	return &ReferralUsecase{
		repo:    repo,
		credits: credits,
		tx:      tx,
		clock:   clock,
		metrics: metrics.Economy(),
		log:     log.NewHelper(logger),
	}
}

// GetOrCreateCode 获取用户邀请码，没有则生成
func (uc *ReferralUsecase) GetOrCreateCode(ctx context.Context, userID int64) (*ReferralCode, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralUsecase.GetOrCreateCode")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
	})

	existing, err := uc.repo.GetCodeByUser(ctx, userID)
	if err != nil || existing != nil {
		return existing, err
	}

	for i := 0; i < referralCodeRetries; i++ {
		code, err := generateReferralCode()
		if err != nil {
			return nil, err
		}
		rc := &ReferralCode{UserID: userID, Code: code}
		err = uc.repo.CreateCode(ctx, rc)
		if err == nil {
			uc.log.WithContext(ctx).Infof("Created referral code %s for user_id: %d", code, userID)
			return rc, nil
		}
		if !errors.Is(err, ErrDuplicateKey) {
			uc.log.WithContext(ctx).Errorf("Failed to create referral code for user_id: %d, error_reason: %v", userID, err)
			return nil, err
		}
		// 并发请求可能已为该用户创建
		if existing, err := uc.repo.GetCodeByUser(ctx, userID); err != nil || existing != nil {
			return existing, err
		}
	}
	return nil, errors.New("failed to allocate a unique referral code")
}

// Bind 被邀请人绑定邀请码
func (uc *ReferralUsecase) Bind(ctx context.Context, inviteeID int64, code string) (*BindResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralUsecase.Bind")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"invitee_id": inviteeID,
		"code":       code,
	})

	if inviteeID <= 0 || code == "" {
		return &BindResult{Reason: ReasonInvalidInput, Message: "code is required"}, nil
	}

	owner, err := uc.repo.GetCodeByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if owner == nil {
		return &BindResult{Reason: ReasonNotFound, Message: "referral code not found"}, nil
	}
	if owner.UserID == inviteeID {
		return &BindResult{Reason: ReasonInvalidInput, Message: "cannot use your own referral code"}, nil
	}

	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		if err := uc.repo.CreateRelationship(ctx, &ReferralRelationship{
			InviterID: owner.UserID,
			InviteeID: inviteeID,
			Code:      owner.Code,
			Status:    ReferralPending,
		}); err != nil {
			return err
		}
		return uc.repo.IncrementInviteCount(ctx, owner.UserID)
	})
	if errors.Is(err, ErrDuplicateKey) {
		return &BindResult{Reason: ReasonAlreadyDone, Message: "referral already bound"}, nil
	}
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to bind referral for invitee_id: %d, error_reason: %v", inviteeID, err)
		return nil, err
	}

	uc.log.WithContext(ctx).Infof("User %d bound referral code %s of user %d", inviteeID, owner.Code, owner.UserID)
	return &BindResult{Success: true, InviterID: owner.UserID}, nil
}

// HandleEvent 被邀请人完成活动要求的事件后，给双方发放额度
func (uc *ReferralUsecase) HandleEvent(ctx context.Context, inviteeID int64, eventType string) (*ReferralEventResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralUsecase.HandleEvent")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"invitee_id": inviteeID,
		"event_type": eventType,
	})

	if inviteeID <= 0 || eventType == "" {
		return &ReferralEventResult{Reason: ReasonInvalidInput, Message: "invitee and event are required"}, nil
	}

	campaign, err := uc.repo.GetActiveCampaign(ctx, uc.clock.Now())
	if err != nil {
		return nil, err
	}
	if campaign == nil {
		return &ReferralEventResult{Reason: ReasonNotFound, Message: "no active referral campaign"}, nil
	}
	if campaign.RequirementType != eventType {
		return &ReferralEventResult{Reason: ReasonInvalidInput, Message: "event does not satisfy campaign requirement"}, nil
	}

	rel, err := uc.repo.GetRelationshipByInvitee(ctx, inviteeID)
	if err != nil {
		return nil, err
	}
	if rel == nil {
		return &ReferralEventResult{Reason: ReasonNotFound, Message: "invitee has no referral"}, nil
	}
	if rel.Status == ReferralRewarded {
		return &ReferralEventResult{Reason: ReasonAlreadyDone, Message: "referral already rewarded", InviterID: rel.InviterID}, nil
	}

	result := &ReferralEventResult{InviterID: rel.InviterID}
	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		inviterReward := campaign.InviterReward
		if campaign.MaxInvitesPerUser > 0 {
			if err := uc.repo.LockInviter(ctx, rel.InviterID); err != nil {
				return err
			}
			rewarded, err := uc.repo.CountRewarded(ctx, rel.InviterID)
			if err != nil {
				return err
			}
			if rewarded >= campaign.MaxInvitesPerUser {
				inviterReward = 0
			}
		}

		now := uc.clock.Now()
		rel.CampaignID = &campaign.ID
		rel.InviterReward = inviterReward
		rel.InviteeReward = campaign.InviteeReward
		rel.RewardedAt = &now
		ok, err := uc.repo.MarkRewarded(ctx, rel)
		if err != nil {
			return err
		}
		if !ok {
			return errReferralAlreadyRewarded
		}

		if err := uc.grantReward(ctx, rel.InviteeID, campaign.InviteeReward, rel.ID, "invitee"); err != nil {
			return err
		}
		if err := uc.grantReward(ctx, rel.InviterID, inviterReward, rel.ID, "inviter"); err != nil {
			return err
		}
		result.InviterReward = inviterReward
		result.InviteeReward = campaign.InviteeReward
		return nil
	})
	if errors.Is(err, errReferralAlreadyRewarded) {
		return &ReferralEventResult{Reason: ReasonAlreadyDone, Message: "referral already rewarded", InviterID: rel.InviterID}, nil
	}
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to reward referral for invitee_id: %d, error_reason: %v", inviteeID, err)
		return nil, err
	}

	result.Success = true
	uc.metrics.ReferralRewarded()
	uc.log.WithContext(ctx).Infof("Referral rewarded, inviter: %d (+%d), invitee: %d (+%d)", rel.InviterID, result.InviterReward, inviteeID, result.InviteeReward)
	return result, nil
}

func (uc *ReferralUsecase) grantReward(ctx context.Context, userID, units, relID int64, role string) error {
	if units <= 0 {
		return nil
	}
	res, err := uc.credits.Grant(ctx, &GrantRequest{
		UserID:    userID,
		Units:     units,
		Reason:    CreditReasonReferral,
		RelatedID: "referral:" + itoa(relID),
		RequestID: "referral:" + itoa(relID) + ":" + role,
	})
	if err != nil {
		return err
	}
	if !res.Success {
		return errReferralAlreadyRewarded
	}
	return nil
}

// Stats 邀请统计
func (uc *ReferralUsecase) Stats(ctx context.Context, userID int64) (*ReferralStats, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralUsecase.Stats")
	defer span.End()

	code, err := uc.repo.GetCodeByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &ReferralStats{}
	if code == nil {
		return stats, nil
	}
	stats.Code = code.Code
	stats.InviteCount = code.InviteCount

	if stats.RewardedCount, err = uc.repo.CountRewarded(ctx, userID); err != nil {
		return nil, err
	}
	if stats.CreditsEarned, err = uc.repo.SumInviterRewards(ctx, userID); err != nil {
		return nil, err
	}
	return stats, nil
}

func generateReferralCode() (string, error) {
	alphabetLen := big.NewInt(int64(len(referralAlphabet)))
	buf := make([]byte, referralCodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = referralAlphabet[n.Int64()]
	}
	return string(buf), nil
}
