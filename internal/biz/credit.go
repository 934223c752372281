package biz

import (
	"context"
	"errors"
	"time"

	"wallet/internal/pkg/metrics"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
)

// 额度流水原因
const (
	CreditReasonRecharge   = "recharge"
	CreditReasonAdminGrant = "admin_grant"
	CreditReasonRefund     = "refund"
	CreditReasonExchange   = "points_exchange"
	CreditReasonReferral   = "referral_reward"
	CreditReasonGeneration = "comic_generation"
	CreditReasonConsume    = "consume"
)

var errInsufficientBalance = errors.New("insufficient credit balance")

// CreditAccount 用户额度账户
type CreditAccount struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID         int64     `gorm:"column:user_id;uniqueIndex;not null" json:"user_id"`
	Balance        int64     `gorm:"column:balance;not null;default:0" json:"balance"`
	TotalRecharged int64     `gorm:"column:total_recharged;not null;default:0" json:"total_recharged"`
	TotalConsumed  int64     `gorm:"column:total_consumed;not null;default:0" json:"total_consumed"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName 指定表名
func (CreditAccount) TableName() string {
	return "credit_account"
}

// CreditTransaction 额度流水，只追加不修改
type CreditTransaction struct {
	ID           int64     `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	UserID       int64     `gorm:"column:user_id;not null;uniqueIndex:uk_credit_tx_request,priority:1" json:"user_id"`
	Amount       int64     `gorm:"column:amount;not null" json:"amount"`
	BalanceAfter int64     `gorm:"column:balance_after;not null" json:"balance_after"`
	Reason       string    `gorm:"column:reason;size:64;not null" json:"reason"`
	RelatedID    *string   `gorm:"column:related_id;size:64" json:"related_id,omitempty"`
	Note         *string   `gorm:"column:note;size:255" json:"note,omitempty"`
	RequestID    *string   `gorm:"column:request_id;size:64;uniqueIndex:uk_credit_tx_request,priority:2" json:"request_id,omitempty"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
}

// TableName 指定表名
func (CreditTransaction) TableName() string {
	return "credit_transaction"
}

// CreditRepo 额度数据访问接口
type CreditRepo interface {
	// GetAccount 账户不存在时返回 nil, nil
	GetAccount(ctx context.Context, userID int64) (*CreditAccount, error)
	// LockAccount 读取并锁定账户行（事务内使用）
	LockAccount(ctx context.Context, userID int64) (*CreditAccount, error)
	EnsureAccount(ctx context.Context, userID int64) error
	// Debit 仅当余额充足时扣减，返回是否扣减成功
	Debit(ctx context.Context, userID, units int64) (bool, error)
	Credit(ctx context.Context, userID, units int64) error
	// CreateTransaction 幂等键冲突时返回 ErrDuplicateKey
	CreateTransaction(ctx context.Context, tx *CreditTransaction) error
	GetTransaction(ctx context.Context, userID, id int64) (*CreditTransaction, error)
	GetTransactionByRequestID(ctx context.Context, userID int64, requestID string) (*CreditTransaction, error)
	ListTransactions(ctx context.Context, userID int64, limit int) ([]*CreditTransaction, error)
}

// CreditBalance 余额视图
type CreditBalance struct {
	UserID         int64 `json:"user_id"`
	Balance        int64 `json:"balance"`
	TotalRecharged int64 `json:"total_recharged"`
	TotalConsumed  int64 `json:"total_consumed"`
	Exists         bool  `json:"exists"`
}

// BalanceCheck 余额是否足够
type BalanceCheck struct {
	Reason     Reason `json:"reason,omitempty"`
	Sufficient bool   `json:"sufficient"`
	Balance    int64  `json:"balance"`
	Required   int64  `json:"required"`
	Shortage   int64  `json:"shortage"`
}

// ConsumeRequest 扣减请求
type ConsumeRequest struct {
	UserID    int64
	Units     int64
	RelatedID string
	Reason    string
	Note      string
	RequestID string
}

// ConsumeResult 扣减结果
type ConsumeResult struct {
	Success       bool   `json:"success"`
	Reason        Reason `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	Balance       int64  `json:"balance"`
	Consumed      int64  `json:"consumed"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// GrantRequest 入账请求
type GrantRequest struct {
	UserID    int64
	Units     int64
	Reason    string
	RelatedID string
	Note      string
	RequestID string
}

// GrantResult 入账结果
type GrantResult struct {
	Success       bool   `json:"success"`
	Reason        Reason `json:"reason,omitempty"`
	Message       string `json:"message,omitempty"`
	Balance       int64  `json:"balance"`
	Granted       int64  `json:"granted"`
	TransactionID int64  `json:"transaction_id,omitempty"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// CreditUsecase 额度引擎
type CreditUsecase struct {
	repo     CreditRepo
	tx       Transaction
	settings *Settings
	metrics  *metrics.EconomyMetrics
	log      *log.Helper
}

func NewCreditUsecase(repo CreditRepo, tx Transaction, settings *Settings, logger log.Logger) *CreditUsecase {
	return &CreditUsecase{
		repo:     repo,
		tx:       tx,
		settings: settings,
		metrics:  metrics.Economy(),
		log:      log.NewHelper(logger),
	}
}

// GetBalance 查询余额，账户不存在时返回零值，不会创建账户
func (uc *CreditUsecase) GetBalance(ctx context.Context, userID int64) (*CreditBalance, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditUsecase.GetBalance")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": userID,
	})

	acc, err := uc.repo.GetAccount(ctx, userID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to get credit account for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	if acc == nil {
		return &CreditBalance{UserID: userID}, nil
	}
	return &CreditBalance{
		UserID:         userID,
		Balance:        acc.Balance,
		TotalRecharged: acc.TotalRecharged,
		TotalConsumed:  acc.TotalConsumed,
		Exists:         true,
	}, nil
}

// CheckBalance 判断余额是否满足 required
func (uc *CreditUsecase) CheckBalance(ctx context.Context, userID, required int64) (*BalanceCheck, error) {
	if required <= 0 {
		return &BalanceCheck{Reason: ReasonInvalidInput, Required: required}, nil
	}

	bal, err := uc.GetBalance(ctx, userID)
	if err != nil {
		return nil, err
	}

	check := &BalanceCheck{
		Sufficient: bal.Balance >= required,
		Balance:    bal.Balance,
		Required:   required,
	}
	if !check.Sufficient {
		check.Shortage = required - bal.Balance
		check.Reason = ReasonInsufficientBalance
	}
	return check, nil
}

// Consume 扣减额度：余额不足时整体失败，不做部分扣减
func (uc *CreditUsecase) Consume(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditUsecase.Consume")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id":    req.UserID,
		"units":      req.Units,
		"related_id": req.RelatedID,
	})

	if req.UserID <= 0 || req.Units <= 0 {
		return &ConsumeResult{Reason: ReasonInvalidInput, Message: "units must be positive"}, nil
	}
	if req.Reason == "" {
		req.Reason = CreditReasonGeneration
	}

	if req.RequestID != "" {
		replay, err := uc.replayConsume(ctx, req)
		if err != nil || replay != nil {
			return replay, err
		}
	}

	var result *ConsumeResult
	err := uc.tx.Exec(ctx, func(ctx context.Context) error {
		if err := uc.repo.EnsureAccount(ctx, req.UserID); err != nil {
			return err
		}
		acc, err := uc.repo.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}
		if acc.Balance < req.Units {
			return errInsufficientBalance
		}

		record := &CreditTransaction{
			UserID:       req.UserID,
			Amount:       -req.Units,
			BalanceAfter: acc.Balance - req.Units,
			Reason:       req.Reason,
			RelatedID:    optional(req.RelatedID),
			Note:         optional(req.Note),
			RequestID:    optional(req.RequestID),
		}
		if err := uc.repo.CreateTransaction(ctx, record); err != nil {
			return err
		}

		ok, err := uc.repo.Debit(ctx, req.UserID, req.Units)
		if err != nil {
			return err
		}
		if !ok {
			return errInsufficientBalance
		}

		result = &ConsumeResult{
			Success:       true,
			Balance:       record.BalanceAfter,
			Consumed:      req.Units,
			TransactionID: record.ID,
		}
		return nil
	})

	switch {
	case errors.Is(err, errInsufficientBalance):
		bal, berr := uc.GetBalance(ctx, req.UserID)
		if berr != nil {
			return nil, berr
		}
		uc.log.WithContext(ctx).Infof("Insufficient credits for user_id: %d, balance: %d, required: %d", req.UserID, bal.Balance, req.Units)
		return &ConsumeResult{
			Reason:  ReasonInsufficientBalance,
			Message: "insufficient credits",
			Balance: bal.Balance,
		}, nil
	case errors.Is(err, ErrDuplicateKey):
		replay, rerr := uc.replayConsume(ctx, req)
		if rerr != nil {
			return nil, rerr
		}
		if replay == nil {
			return nil, err
		}
		return replay, nil
	case err != nil:
		uc.log.WithContext(ctx).Errorf("Failed to consume credits for user_id: %d, error_reason: %v", req.UserID, err)
		return nil, err
	}

	uc.metrics.CreditsConsumed(req.Units)
	uc.log.WithContext(ctx).Infof("Consumed %d credits for user_id: %d, balance: %d", req.Units, req.UserID, result.Balance)
	return result, nil
}

func (uc *CreditUsecase) replayConsume(ctx context.Context, req *ConsumeRequest) (*ConsumeResult, error) {
	record, err := uc.repo.GetTransactionByRequestID(ctx, req.UserID, req.RequestID)
	if err != nil || record == nil {
		return nil, err
	}
	bal, err := uc.GetBalance(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	uc.log.WithContext(ctx).Infof("Replayed consume request_id: %s for user_id: %d", req.RequestID, req.UserID)
	return &ConsumeResult{
		Success:       record.Amount < 0,
		Balance:       bal.Balance,
		Consumed:      -record.Amount,
		TransactionID: record.ID,
		Replayed:      true,
	}, nil
}

// Grant 入账（充值、兑换、奖励、退款），同时累加 total_recharged
func (uc *CreditUsecase) Grant(ctx context.Context, req *GrantRequest) (*GrantResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditUsecase.Grant")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id": req.UserID,
		"units":   req.Units,
		"reason":  req.Reason,
	})

	if req.UserID <= 0 || req.Units <= 0 {
		return &GrantResult{Reason: ReasonInvalidInput, Message: "units must be positive"}, nil
	}
	if req.Reason == "" {
		req.Reason = CreditReasonRecharge
	}

	var result *GrantResult
	err := uc.tx.Exec(ctx, func(ctx context.Context) error {
		if err := uc.repo.EnsureAccount(ctx, req.UserID); err != nil {
			return err
		}
		acc, err := uc.repo.LockAccount(ctx, req.UserID)
		if err != nil {
			return err
		}

		record := &CreditTransaction{
			UserID:       req.UserID,
			Amount:       req.Units,
			BalanceAfter: acc.Balance + req.Units,
			Reason:       req.Reason,
			RelatedID:    optional(req.RelatedID),
			Note:         optional(req.Note),
			RequestID:    optional(req.RequestID),
		}
		if err := uc.repo.CreateTransaction(ctx, record); err != nil {
			return err
		}
		if err := uc.repo.Credit(ctx, req.UserID, req.Units); err != nil {
			return err
		}

		result = &GrantResult{
			Success:       true,
			Balance:       record.BalanceAfter,
			Granted:       req.Units,
			TransactionID: record.ID,
		}
		return nil
	})

	if errors.Is(err, ErrDuplicateKey) {
		record, rerr := uc.repo.GetTransactionByRequestID(ctx, req.UserID, req.RequestID)
		if rerr != nil {
			return nil, rerr
		}
		if record == nil {
			return nil, err
		}
		bal, berr := uc.GetBalance(ctx, req.UserID)
		if berr != nil {
			return nil, berr
		}
		return &GrantResult{
			Reason:        ReasonAlreadyDone,
			Message:       "already granted",
			Balance:       bal.Balance,
			Granted:       record.Amount,
			TransactionID: record.ID,
			Replayed:      true,
		}, nil
	}
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to grant credits for user_id: %d, error_reason: %v", req.UserID, err)
		return nil, err
	}

	uc.metrics.CreditsGranted(req.Reason, req.Units)
	uc.log.WithContext(ctx).Infof("Granted %d credits (%s) for user_id: %d, balance: %d", req.Units, req.Reason, req.UserID, result.Balance)
	return result, nil
}

// Refund 退回一笔扣减流水，同一笔流水只能退一次
func (uc *CreditUsecase) Refund(ctx context.Context, userID, transactionID int64) (*GrantResult, error) {
	return uc.refund(ctx, userID, transactionID, "")
}

// RefundGeneration 只退回生成扣费
func (uc *CreditUsecase) RefundGeneration(ctx context.Context, userID, transactionID int64) (*GrantResult, error) {
	return uc.refund(ctx, userID, transactionID, CreditReasonGeneration)
}

func (uc *CreditUsecase) refund(ctx context.Context, userID, transactionID int64, reason string) (*GrantResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditUsecase.Refund")
	defer span.End()

	tracing.AddSpanTags(ctx, map[string]interface{}{
		"user_id":        userID,
		"transaction_id": transactionID,
	})

	if userID <= 0 || transactionID <= 0 {
		return &GrantResult{Reason: ReasonInvalidInput, Message: "transaction id is required"}, nil
	}

	record, err := uc.repo.GetTransaction(ctx, userID, transactionID)
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to load credit transaction: %d, error_reason: %v", transactionID, err)
		return nil, err
	}
	if record == nil || record.Amount >= 0 {
		return &GrantResult{Reason: ReasonNotFound, Message: "consumption not found"}, nil
	}
	if reason != "" && record.Reason != reason {
		return &GrantResult{Reason: ReasonNotFound, Message: "consumption not found"}, nil
	}

	related := ""
	if record.RelatedID != nil {
		related = *record.RelatedID
	}
	return uc.Grant(ctx, &GrantRequest{
		UserID:    userID,
		Units:     -record.Amount,
		Reason:    CreditReasonRefund,
		RelatedID: related,
		Note:      "refund of transaction " + itoa(record.ID),
		RequestID: "refund:" + itoa(record.ID),
	})
}

// ListTransactions 最近的额度流水，按时间倒序
func (uc *CreditUsecase) ListTransactions(ctx context.Context, userID int64, limit int) ([]*CreditTransaction, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditUsecase.ListTransactions")
	defer span.End()

	items, err := uc.repo.ListTransactions(ctx, userID, uc.settings.ClampLimit(limit))
	if err != nil {
		uc.log.WithContext(ctx).Errorf("Failed to list credit transactions for user_id: %d, error_reason: %v", userID, err)
		return nil, err
	}
	return items, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
