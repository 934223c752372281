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

// referralRepo 邀请码、邀请关系与活动
type referralRepo struct {
	data   *Data
	logger *log.Helper
}

// NewReferralRepo 创建邀请数据访问实例
func NewReferralRepo(data *Data, logger log.Logger) biz.ReferralRepo {
	return &referralRepo{data: data, logger: log.NewHelper(logger)}
}

func (r *referralRepo) GetCodeByUser(ctx context.Context, userID int64) (*biz.ReferralCode, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.GetCodeByUser")
	defer span.End()

	var c biz.ReferralCode
	err := r.data.DB(ctx).Where("user_id = ?", userID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get referral code for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return &c, nil
}

func (r *referralRepo) GetCodeByCode(ctx context.Context, code string) (*biz.ReferralCode, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.GetCodeByCode")
	defer span.End()

	var c biz.ReferralCode
	err := r.data.DB(ctx).Where("code = ?", code).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *referralRepo) CreateCode(ctx context.Context, code *biz.ReferralCode) error {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.CreateCode")
	defer span.End()

	if err := r.data.DB(ctx).Create(code).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

func (r *referralRepo) IncrementInviteCount(ctx context.Context, userID int64) error {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.IncrementInviteCount")
	defer span.End()

	return r.data.DB(ctx).Model(&biz.ReferralCode{}).
		Where("user_id = ?", userID).
		Update("invite_count", gorm.Expr("invite_count + 1")).Error
}

func (r *referralRepo) GetRelationshipByInvitee(ctx context.Context, inviteeID int64) (*biz.ReferralRelationship, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.GetRelationshipByInvitee")
	defer span.End()

	var rel biz.ReferralRelationship
	err := r.data.DB(ctx).Where("invitee_id = ?", inviteeID).First(&rel).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rel, nil
}

func (r *referralRepo) CreateRelationship(ctx context.Context, rel *biz.ReferralRelationship) error {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.CreateRelationship")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"inviter_id": rel.InviterID,
		"invitee_id": rel.InviteeID,
	})

	if err := r.data.DB(ctx).Create(rel).Error; err != nil {
		return mapCreateErr(err)
	}
	return nil
}

func (r *referralRepo) MarkRewarded(ctx context.Context, rel *biz.ReferralRelationship) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.MarkRewarded")
	defer span.End()

	res := r.data.DB(ctx).Model(&biz.ReferralRelationship{}).
		Where("id = ? AND status = ?", rel.ID, biz.ReferralPending).
		Updates(map[string]interface{}{
			"status":         biz.ReferralRewarded,
			"campaign_id":    rel.CampaignID,
			"inviter_reward": rel.InviterReward,
			"invitee_reward": rel.InviteeReward,
			"rewarded_at":    rel.RewardedAt,
		})
	if res.Error != nil {
		r.logger.WithContext(ctx).Errorf("Failed to mark referral %d rewarded, error_reason: %v", rel.ID, res.Error)
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		rel.Status = biz.ReferralRewarded
	}
	return res.RowsAffected == 1, nil
}

// LockInviter 邀请人没有邀请码时不加锁
func (r *referralRepo) LockInviter(ctx context.Context, inviterID int64) error {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.LockInviter")
	defer span.End()

	var c biz.ReferralCode
	err := r.data.DB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", inviterID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to lock referral code for inviter_id: %d, error_reason: %v", inviterID, err)
		return err
	}
	return nil
}

// CountRewarded 已给邀请人发放过奖励的邀请数
func (r *referralRepo) CountRewarded(ctx context.Context, inviterID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.CountRewarded")
	defer span.End()

	var n int64
	err := r.data.DB(ctx).Model(&biz.ReferralRelationship{}).
		Where("inviter_id = ? AND status = ? AND inviter_reward > 0", inviterID, biz.ReferralRewarded).
		Count(&n).Error
	return n, err
}

func (r *referralRepo) SumInviterRewards(ctx context.Context, inviterID int64) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.SumInviterRewards")
	defer span.End()

	var total int64
	err := r.data.DB(ctx).Model(&biz.ReferralRelationship{}).
		Select("COALESCE(SUM(inviter_reward), 0)").
		Where("inviter_id = ? AND status = ?", inviterID, biz.ReferralRewarded).
		Scan(&total).Error
	return total, err
}

// GetActiveCampaign 当前生效的活动，多个时取最新
func (r *referralRepo) GetActiveCampaign(ctx context.Context, now time.Time) (*biz.ReferralCampaign, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralRepo.GetActiveCampaign")
	defer span.End()

	var c biz.ReferralCampaign
	err := r.data.DB(ctx).
		Where("status = ?", biz.StatusActive).
		Where("start_at IS NULL OR start_at <= ?", now).
		Where("end_at IS NULL OR end_at > ?", now).
		Order("id DESC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		r.logger.WithContext(ctx).Errorf("Failed to get active referral campaign, error_reason: %v", err)
		return nil, err
	}
	return &c, nil
}
