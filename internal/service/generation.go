package service

import (
	"context"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationGenerationQuota  = "/wallet.v1.Generation/Quota"
	OperationGenerationStart  = "/wallet.v1.Generation/Start"
	OperationGenerationFinish = "/wallet.v1.Generation/Finish"
)

// StartGenerationRequest 发起一次漫画生成
type StartGenerationRequest struct {
	ComicID   string `json:"comic_id" validate:"max=64"`
	Units     int64  `json:"units" validate:"gte=0"`
	RequestID string `json:"request_id" validate:"max=64"`
}

func (r *StartGenerationRequest) Validate() error { return validate.Struct(r) }

// FinishGenerationRequest 结束生成
type FinishGenerationRequest struct {
	Token         string `json:"token" validate:"required"`
	TransactionID int64  `json:"transaction_id" validate:"gte=0"`
	Succeeded     bool   `json:"succeeded"`
}

func (r *FinishGenerationRequest) Validate() error { return validate.Struct(r) }

// GenerationService 生成配额接口，匿名用户按IP计数
type GenerationService struct {
	generation *biz.GenerationUsecase
	identity   *IdentityResolver
	logger     *log.Helper
}

// NewGenerationService 创建 GenerationService 实例
func NewGenerationService(generation *biz.GenerationUsecase, identity *IdentityResolver, logger log.Logger) *GenerationService {
	return &GenerationService{generation: generation, identity: identity, logger: log.NewHelper(logger)}
}

// RegisterGenerationHTTPServer 注册生成路由
func RegisterGenerationHTTPServer(s *http.Server, srv *GenerationService) {
	r := s.Route("/")
	r.GET("/v1/generation/quota", handle(OperationGenerationQuota, nil, srv.Quota))
	r.POST("/v1/generation/start", handle(OperationGenerationStart, bindBody, srv.Start))
	r.POST("/v1/generation/finish", handle(OperationGenerationFinish, bindBody, srv.Finish))
}

// Quota 当前调用方今日配额
func (s *GenerationService) Quota(ctx context.Context, _ *Empty) (*biz.QuotaStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationService.Quota")
	defer span.End()

	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	q, err := s.generation.Quota(ctx, id)
	if err != nil {
		return nil, storeError(ctx, s.logger, "Quota", err)
	}
	if q.Reason == biz.ReasonIdentityUnresolved {
		return nil, MapReason(q.Reason, "cannot identify caller", nil)
	}
	return q, nil
}

// Start 占用配额并扣费
func (s *GenerationService) Start(ctx context.Context, req *StartGenerationRequest) (*biz.GenerationTicket, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationService.Start")
	defer span.End()

	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	ticket, err := s.generation.Start(ctx, &biz.StartGenerationRequest{
		Identity:  id,
		ComicID:   req.ComicID,
		Units:     req.Units,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, storeError(ctx, s.logger, "StartGeneration", err)
	}
	if ticket.Success {
		return ticket, nil
	}

	md := map[string]string{
		"tier":      string(ticket.Tier),
		"limit":     itoa(ticket.Limit),
		"used":      itoa(ticket.Used),
		"remaining": itoa(ticket.Remaining),
	}
	switch ticket.Reason {
	case biz.ReasonRateLimited:
		return nil, rateLimited(ticket.Message, ticket.RetryAfter, md)
	case biz.ReasonInsufficientBalance:
		md["balance"] = itoa(ticket.Balance)
	}
	return nil, MapReason(ticket.Reason, ticket.Message, md)
}

// Finish 释放进行中锁，失败时退款
func (s *GenerationService) Finish(ctx context.Context, req *FinishGenerationRequest) (*biz.FinishResult, error) {
	ctx, span := tracing.StartSpan(ctx, "GenerationService.Finish")
	defer span.End()

	id, err := s.identity.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.generation.Finish(ctx, &biz.FinishGenerationRequest{
		Identity:      id,
		Token:         req.Token,
		TransactionID: req.TransactionID,
		Succeeded:     req.Succeeded,
	})
	if err != nil {
		return nil, storeError(ctx, s.logger, "FinishGeneration", err)
	}
	if res.Reason == biz.ReasonIdentityUnresolved {
		return nil, MapReason(res.Reason, "cannot identify caller", nil)
	}
	return res, nil
}
