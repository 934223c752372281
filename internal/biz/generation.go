package biz

import (
	"context"
	"errors"
	"time"

	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
)

var (
	errQuotaExceeded   = errors.New("generation quota exceeded")
	errConsumeRejected = errors.New("credit consumption rejected")
	errConsumeReplayed = errors.New("credit consumption replayed")
	errLockLost        = errors.New("generation lock lost before charge was bound")
)

// GenerationLocker 每个主体同一时间只允许一个进行中的生成；
// 锁上可绑定本次扣费流水，释放时一并取回
type GenerationLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Bind(ctx context.Context, key, token string, transactionID int64) (bool, error)
	Release(ctx context.Context, key, token string) (transactionID int64, released bool, err error)
}

// StartGenerationRequest 发起生成
type StartGenerationRequest struct {
	Identity  Identity
	ComicID   string
	Units     int64
	RequestID string
}

// GenerationTicket 发起结果；Token 用于结束时释放锁
type GenerationTicket struct {
	Success       bool          `json:"success"`
	Reason        Reason        `json:"reason,omitempty"`
	Message       string        `json:"message,omitempty"`
	RetryAfter    time.Duration `json:"-"`
	Token         string        `json:"token,omitempty"`
	Tier          Tier          `json:"tier"`
	Limit         int64         `json:"limit"`
	Used          int64         `json:"used"`
	Remaining     int64         `json:"remaining"`
	Charged       int64         `json:"charged"`
	Balance       int64         `json:"balance"`
	TransactionID int64         `json:"transaction_id,omitempty"`

	replayed bool
}

// FinishGenerationRequest 结束生成；失败时只退回令牌绑定的扣费流水
type FinishGenerationRequest struct {
	Identity      Identity
	Token         string
	TransactionID int64
	Succeeded     bool
}

// FinishResult 结束结果
type FinishResult struct {
	Released bool   `json:"released"`
	Refunded int64  `json:"refunded"`
	Balance  int64  `json:"balance"`
	Reason   Reason `json:"reason,omitempty"`
}

// GenerationUsecase 生成入口：锁、配额、扣费
type GenerationUsecase struct {
	limiter  *RateLimitUsecase
	credits  *CreditUsecase
	locker   GenerationLocker
	tx       Transaction
	settings *Settings
	log      *log.Helper
}

func NewGenerationUsecase(limiter *RateLimitUsecase, credits *CreditUsecase, locker GenerationLocker, tx Transaction, settings *Settings, logger log.Logger) *GenerationUsecase {
	return &GenerationUsecase{
		limiter:  limiter,
		credits:  credits,
		locker:   locker,
		tx:       tx,
		settings: settings,
		log:      log.NewHelper(logger),
	}
}

// Quota 当前调用方的配额
func (uc *GenerationUsecase) Quota(ctx context.Context, id Identity) (*QuotaStatus, error) {
	identifier := id.Identifier()
	if identifier == "" {
		return &QuotaStatus{Reason: ReasonIdentityUnresolved}, nil
	}
	tier, err := uc.limiter.ResolveTier(ctx, id)
	if err != nil {
		return nil, err
	}
	return uc.limiter.CheckLimit(ctx, identifier, tier)
}

// Start 发起一次生成：占用进行中锁，计配额，登录用户扣额度
func (uc *GenerationUsecase) Start(ctx context.Context, req *StartGenerationRequest) (*GenerationTicket, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationUsecase.Start")
	defer span.End()

	identifier := req.Identity.Identifier()
	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier": identifier,
		"comic_id":   req.ComicID,
	})

	if identifier == "" {
		return &GenerationTicket{Reason: ReasonIdentityUnresolved, Message: "cannot identify caller"}, nil
	}
	units := req.Units
	if units == 0 {
		units = uc.settings.UnitsPerComic
	}
	if units < 0 {
		return &GenerationTicket{Reason: ReasonInvalidInput, Message: "units must be positive"}, nil
	}

	tier, err := uc.limiter.ResolveTier(ctx, req.Identity)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to resolve tier for %s, error_reason: %v", identifier, err)
		return nil, err
	}

	key := lockKey(identifier)
	token, ok, err := uc.locker.TryLock(ctx, key, uc.settings.GenerationLockTTL)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to lock generation for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	if !ok {
		tracing.AddSpanEvent(ctx, "generation.lock_busy", map[string]interface{}{
			"identifier": identifier,
		})
		return &GenerationTicket{
			Reason:     ReasonRateLimited,
			Message:    "another generation is in progress",
			RetryAfter: uc.settings.GenerationLockTTL,
			Tier:       tier,
		}, nil
	}

	var ticket *GenerationTicket
	if uc.settings.StrictQuota {
		ticket, err = uc.startStrict(ctx, req, identifier, tier, units)
	} else {
		ticket, err = uc.startLenient(ctx, req, identifier, tier, units)
	}
	if err != nil || !ticket.Success {
		uc.release(ctx, key, token)
		return ticket, err
	}

	if ticket.TransactionID > 0 && !ticket.replayed {
		bound, err := uc.locker.Bind(ctx, key, token, ticket.TransactionID)
		if err == nil && !bound {
			err = errLockLost
		}
		if err != nil {
			uc.log.WithContext(ctx).Errorf("Failed to bind charge %d to generation lock for %s, error_reason: %v", ticket.TransactionID, identifier, err)
			uc.release(ctx, key, token)
			if _, rerr := uc.credits.RefundGeneration(ctx, req.Identity.UserID, ticket.TransactionID); rerr != nil {
				uc.log.WithContext(ctx).Errorf("Failed to refund charge %d for %s, error_reason: %v", ticket.TransactionID, identifier, rerr)
			}
			return nil, err
		}
	}

	ticket.Token = token
	uc.log.WithContext(ctx).Infof("Generation started for %s (%s), used: %d/%d, charged: %d", identifier, tier, ticket.Used, ticket.Limit, ticket.Charged)
	return ticket, nil
}

// startStrict 配额与扣费在同一事务内，任一失败整体回滚
func (uc *GenerationUsecase) startStrict(ctx context.Context, req *StartGenerationRequest, identifier string, tier Tier, units int64) (*GenerationTicket, error) {
	var (
		quota   *QuotaStatus
		consume *ConsumeResult
	)
	err := uc.tx.Exec(ctx, func(ctx context.Context) error {
		var err error
		quota, err = uc.limiter.Acquire(ctx, identifier, tier)
		if err != nil {
			return err
		}
		if !quota.Allowed {
			return errQuotaExceeded
		}
		if !req.Identity.Authenticated() {
			return nil
		}
		consume, err = uc.credits.Consume(ctx, &ConsumeRequest{
			UserID:    req.Identity.UserID,
			Units:     units,
			RelatedID: req.ComicID,
			Reason:    CreditReasonGeneration,
			RequestID: req.RequestID,
		})
		if err != nil {
			return err
		}
		if !consume.Success {
			return errConsumeRejected
		}
		if consume.Replayed {
			return errConsumeReplayed
		}
		return nil
	})

	switch {
	case errors.Is(err, errQuotaExceeded):
		return rateLimitedTicket(quota, uc.limiter.calendar.Now()), nil
	case errors.Is(err, errConsumeRejected):
		// 事务已回滚，计数未增加
		quota.Used--
		quota.Remaining++
		return consumeRejectedTicket(quota, consume), nil
	case errors.Is(err, errConsumeReplayed):
		quota.Used--
		quota.Remaining++
		return replayedTicket(quota, consume), nil
	case err != nil:
		uc.log.WithContext(ctx).Errorf("Failed to start generation for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	return admittedTicket(quota, consume), nil
}

// startLenient 先查询后计数，两步之间存在可接受的竞态窗口；扣费与计数同一事务提交
func (uc *GenerationUsecase) startLenient(ctx context.Context, req *StartGenerationRequest, identifier string, tier Tier, units int64) (*GenerationTicket, error) {
	quota, err := uc.limiter.CheckLimit(ctx, identifier, tier)
	if err != nil {
		return nil, err
	}
	uc.limiter.metrics.QuotaDecision(string(tier), quota.Allowed)
	if !quota.Allowed {
		return rateLimitedTicket(quota, uc.limiter.calendar.Now()), nil
	}

	var (
		counted *QuotaStatus
		consume *ConsumeResult
	)
	err = uc.tx.Exec(ctx, func(ctx context.Context) error {
		var err error
		if req.Identity.Authenticated() {
			consume, err = uc.credits.Consume(ctx, &ConsumeRequest{
				UserID:    req.Identity.UserID,
				Units:     units,
				RelatedID: req.ComicID,
				Reason:    CreditReasonGeneration,
				RequestID: req.RequestID,
			})
			if err != nil {
				return err
			}
			if !consume.Success {
				return errConsumeRejected
			}
			if consume.Replayed {
				return errConsumeReplayed
			}
		}
		counted, err = uc.limiter.Increment(ctx, identifier, tier)
		return err
	})

	switch {
	case errors.Is(err, errConsumeRejected):
		return consumeRejectedTicket(quota, consume), nil
	case errors.Is(err, errConsumeReplayed):
		return replayedTicket(quota, consume), nil
	case err != nil:
		uc.log.WithContext(ctx).Errorf("Failed to start generation for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	return admittedTicket(counted, consume), nil
}

// Finish 结束生成，释放锁；失败时退回本次扣费
func (uc *GenerationUsecase) Finish(ctx context.Context, req *FinishGenerationRequest) (*FinishResult, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationUsecase.Finish")
	defer span.End()

	identifier := req.Identity.Identifier()
	tracing.AddSpanTags(ctx, map[string]interface{}{
		"identifier":     identifier,
		"transaction_id": req.TransactionID,
		"succeeded":      req.Succeeded,
	})

	if identifier == "" {
		return &FinishResult{Reason: ReasonIdentityUnresolved}, nil
	}

	result := &FinishResult{}
	if req.Token == "" {
		return result, nil
	}
	bound, released, err := uc.locker.Release(ctx, lockKey(identifier), req.Token)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to release generation lock for %s, error_reason: %v", identifier, err)
		return nil, err
	}
	result.Released = released

	if req.Succeeded || !req.Identity.Authenticated() {
		return result, nil
	}
	if !released || bound <= 0 || (req.TransactionID > 0 && req.TransactionID != bound) {
		if req.TransactionID > 0 {
			uc.log.WithContext(ctx).Warnf("Refund of transaction %d rejected for %s, bound: %d, released: %v", req.TransactionID, identifier, bound, released)
			result.Reason = ReasonNotFound
		}
		return result, nil
	}

	refund, err := uc.credits.RefundGeneration(ctx, req.Identity.UserID, bound)
	if err != nil {
		return nil, err
	}
	result.Reason = refund.Reason
	result.Balance = refund.Balance
	if refund.Success {
		result.Refunded = refund.Granted
	}
	return result, nil
}

func (uc *GenerationUsecase) release(ctx context.Context, key, token string) {
	if _, _, err := uc.locker.Release(ctx, key, token); err != nil {
		uc.log.WithContext(ctx).Warnf("Failed to release generation lock %s: %v", key, err)
	}
}

func lockKey(identifier string) string {
	return "generation:inflight:" + identifier
}

func rateLimitedTicket(q *QuotaStatus, now time.Time) *GenerationTicket {
	retry := q.ResetAt.Sub(now)
	if retry < 0 {
		retry = 0
	}
	return &GenerationTicket{
		Reason:     ReasonRateLimited,
		Message:    "daily generation limit reached",
		RetryAfter: retry,
		Tier:       q.Tier,
		Limit:      q.Limit,
		Used:       q.Used,
		Remaining:  q.Remaining,
	}
}

func consumeRejectedTicket(q *QuotaStatus, c *ConsumeResult) *GenerationTicket {
	return &GenerationTicket{
		Reason:    c.Reason,
		Message:   c.Message,
		Tier:      q.Tier,
		Limit:     q.Limit,
		Used:      q.Used,
		Remaining: q.Remaining,
		Balance:   c.Balance,
	}
}

func admittedTicket(q *QuotaStatus, c *ConsumeResult) *GenerationTicket {
	t := &GenerationTicket{
		Success:   true,
		Tier:      q.Tier,
		Limit:     q.Limit,
		Used:      q.Used,
		Remaining: q.Remaining,
	}
	if c != nil {
		t.Charged = c.Consumed
		t.Balance = c.Balance
		t.TransactionID = c.TransactionID
	}
	return t
}

func replayedTicket(q *QuotaStatus, c *ConsumeResult) *GenerationTicket {
	t := admittedTicket(q, c)
	t.replayed = true
	return t
}
