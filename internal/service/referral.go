package service

import (
	"context"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationReferralGetCode     = "/wallet.v1.Referral/GetCode"
	OperationReferralBind        = "/wallet.v1.Referral/Bind"
	OperationReferralStats       = "/wallet.v1.Referral/Stats"
	OperationReferralHandleEvent = "/wallet.v1.Referral/HandleEvent"
)

type BindReferralRequest struct {
	Code string `json:"code" validate:"required,alphanum,max=16"`
}

func (r *BindReferralRequest) Validate() error { return validate.Struct(r) }

// ReferralEventRequest 被邀请人完成的达标事件
type ReferralEventRequest struct {
	InviteeID int64  `json:"invitee_id" validate:"gt=0"`
	EventType string `json:"event_type" validate:"required,oneof=registered verified_email first_generation vip_purchase"`
}

func (r *ReferralEventRequest) Validate() error { return validate.Struct(r) }

// ReferralService 邀请接口
type ReferralService struct {
	referral *biz.ReferralUsecase
	identity *IdentityResolver
	logger   *log.Helper
}

// NewReferralService 创建 ReferralService 实例
func NewReferralService(referral *biz.ReferralUsecase, identity *IdentityResolver, logger log.Logger) *ReferralService {
	return &ReferralService{referral: referral, identity: identity, logger: log.NewHelper(logger)}
}

// RegisterReferralHTTPServer 注册邀请路由
func RegisterReferralHTTPServer(s *http.Server, srv *ReferralService) {
	r := s.Route("/")
	r.GET("/v1/referral/code", handle(OperationReferralGetCode, nil, srv.GetCode))
	r.POST("/v1/referral/bind", handle(OperationReferralBind, bindBody, srv.Bind))
	r.GET("/v1/referral/stats", handle(OperationReferralStats, nil, srv.Stats))
	r.POST("/v1/admin/referral/events", handle(OperationReferralHandleEvent, bindBody, srv.HandleEvent))
}

func (s *ReferralService) GetCode(ctx context.Context, _ *Empty) (*biz.ReferralCode, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralService.GetCode")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	code, err := s.referral.GetOrCreateCode(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "GetReferralCode", err)
	}
	return code, nil
}

func (s *ReferralService) Bind(ctx context.Context, req *BindReferralRequest) (*biz.BindResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralService.Bind")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.referral.Bind(ctx, id.UserID, req.Code)
	if err != nil {
		return nil, storeError(ctx, s.logger, "BindReferral", err)
	}
	if !res.Success {
		return nil, MapReason(res.Reason, res.Message, nil)
	}
	return res, nil
}

func (s *ReferralService) Stats(ctx context.Context, _ *Empty) (*biz.ReferralStats, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralService.Stats")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	stats, err := s.referral.Stats(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ReferralStats", err)
	}
	return stats, nil
}

// HandleEvent 内部事件入口，仅管理员可调用
func (s *ReferralService) HandleEvent(ctx context.Context, req *ReferralEventRequest) (*biz.ReferralEventResult, error) {
	ctx, span := tracing.StartSpan(ctx, "ReferralService.HandleEvent")
	defer span.End()

	if _, err := s.identity.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	res, err := s.referral.HandleEvent(ctx, req.InviteeID, req.EventType)
	if err != nil {
		return nil, storeError(ctx, s.logger, "HandleReferralEvent", err)
	}
	if !res.Success {
		return nil, MapReason(res.Reason, res.Message, nil)
	}
	return res, nil
}
