package service

import (
	"context"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationCreditGetBalance       = "/wallet.v1.Credit/GetBalance"
	OperationCreditCheckBalance     = "/wallet.v1.Credit/CheckBalance"
	OperationCreditConsume          = "/wallet.v1.Credit/Consume"
	OperationCreditListTransactions = "/wallet.v1.Credit/ListTransactions"
	OperationCreditGrant            = "/wallet.v1.Credit/Grant"
	OperationCreditRefund           = "/wallet.v1.Credit/Refund"
)

// CheckBalanceRequest 余额是否足够
type CheckBalanceRequest struct {
	Units int64 `json:"units" validate:"gt=0"`
}

func (r *CheckBalanceRequest) Validate() error { return validate.Struct(r) }

// ConsumeRequest 扣减额度
type ConsumeRequest struct {
	Units     int64  `json:"units" validate:"gt=0"`
	RelatedID string `json:"related_id" validate:"max=64"`
	Note      string `json:"note" validate:"max=255"`
	RequestID string `json:"request_id" validate:"max=64"`
}

func (r *ConsumeRequest) Validate() error { return validate.Struct(r) }

// GrantRequest 管理员发放额度
type GrantRequest struct {
	UserID    int64  `json:"user_id" validate:"gt=0"`
	Units     int64  `json:"units" validate:"gt=0"`
	Reason    string `json:"reason" validate:"omitempty,oneof=recharge admin_grant"`
	Note      string `json:"note" validate:"max=255"`
	RequestID string `json:"request_id" validate:"max=64"`
}

func (r *GrantRequest) Validate() error { return validate.Struct(r) }

// RefundRequest 管理员退回一笔扣减
type RefundRequest struct {
	UserID        int64 `json:"user_id" validate:"gt=0"`
	TransactionID int64 `json:"transaction_id" validate:"gt=0"`
}

func (r *RefundRequest) Validate() error { return validate.Struct(r) }

// CreditService 额度接口
type CreditService struct {
	credits  *biz.CreditUsecase
	identity *IdentityResolver
	logger   *log.Helper
}

// NewCreditService 创建 CreditService 实例
func NewCreditService(credits *biz.CreditUsecase, identity *IdentityResolver, logger log.Logger) *CreditService {
	return &CreditService{credits: credits, identity: identity, logger: log.NewHelper(logger)}
}

// RegisterCreditHTTPServer 注册额度路由
func RegisterCreditHTTPServer(s *http.Server, srv *CreditService) {
	r := s.Route("/")
	r.GET("/v1/credits/balance", handle(OperationCreditGetBalance, nil, srv.GetBalance))
	r.GET("/v1/credits/check", handle(OperationCreditCheckBalance, bindQuery, srv.CheckBalance))
	r.POST("/v1/credits/consume", handle(OperationCreditConsume, bindBody, srv.Consume))
	r.GET("/v1/credits/transactions", handle(OperationCreditListTransactions, bindQuery, srv.ListTransactions))
	r.POST("/v1/admin/credits/grant", handle(OperationCreditGrant, bindBody, srv.Grant))
	r.POST("/v1/admin/credits/refund", handle(OperationCreditRefund, bindBody, srv.Refund))
}

// GetBalance 当前用户额度
func (s *CreditService) GetBalance(ctx context.Context, _ *Empty) (*biz.CreditBalance, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.GetBalance")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := s.credits.GetBalance(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "GetBalance", err)
	}
	return bal, nil
}

// CheckBalance 只读检查，不足时 sufficient=false
func (s *CreditService) CheckBalance(ctx context.Context, req *CheckBalanceRequest) (*biz.BalanceCheck, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.CheckBalance")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.credits.CheckBalance(ctx, id.UserID, req.Units)
	if err != nil {
		return nil, storeError(ctx, s.logger, "CheckBalance", err)
	}
	if res.Reason == biz.ReasonInvalidInput {
		return nil, MapReason(res.Reason, "units must be positive", nil)
	}
	return res, nil
}

// Consume 扣减额度
func (s *CreditService) Consume(ctx context.Context, req *ConsumeRequest) (*biz.ConsumeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.Consume")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Received Consume request for user_id: %d, units: %d", id.UserID, req.Units)

	res, err := s.credits.Consume(ctx, &biz.ConsumeRequest{
		UserID:    id.UserID,
		Units:     req.Units,
		RelatedID: req.RelatedID,
		Reason:    biz.CreditReasonConsume,
		Note:      req.Note,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, storeError(ctx, s.logger, "Consume", err)
	}
	if !res.Success {
		return nil, MapReason(res.Reason, res.Message, map[string]string{
			"balance":  itoa(res.Balance),
			"required": itoa(req.Units),
		})
	}
	return res, nil
}

// ListTransactions 额度流水
func (s *CreditService) ListTransactions(ctx context.Context, req *ListRequest) (*ListReply[*biz.CreditTransaction], error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.ListTransactions")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.credits.ListTransactions(ctx, id.UserID, req.Limit)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListTransactions", err)
	}
	return &ListReply[*biz.CreditTransaction]{Items: items}, nil
}

// Grant 管理员发放额度
func (s *CreditService) Grant(ctx context.Context, req *GrantRequest) (*biz.GrantResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.Grant")
	defer span.End()

	admin, err := s.identity.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	reason := req.Reason
	if reason == "" {
		reason = biz.CreditReasonAdminGrant
	}
	res, err := s.credits.Grant(ctx, &biz.GrantRequest{
		UserID:    req.UserID,
		Units:     req.Units,
		Reason:    reason,
		Note:      req.Note,
		RelatedID: "admin:" + itoa(admin.UserID),
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, storeError(ctx, s.logger, "Grant", err)
	}
	if !res.Success && !res.Replayed {
		return nil, MapReason(res.Reason, res.Message, nil)
	}
	s.logger.WithContext(ctx).Infof("Admin %d granted %d credits to user_id: %d", admin.UserID, req.Units, req.UserID)
	return res, nil
}

// Refund 管理员退回一笔扣减，重复退款返回原结果
func (s *CreditService) Refund(ctx context.Context, req *RefundRequest) (*biz.GrantResult, error) {
	ctx, span := tracing.StartSpan(ctx, "CreditService.Refund")
	defer span.End()

	admin, err := s.identity.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.credits.Refund(ctx, req.UserID, req.TransactionID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "Refund", err)
	}
	if !res.Success && !res.Replayed {
		return nil, MapReason(res.Reason, res.Message, nil)
	}
	s.logger.WithContext(ctx).Infof("Admin %d refunded transaction %d of user_id: %d", admin.UserID, req.TransactionID, req.UserID)
	return res, nil
}
