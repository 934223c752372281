package service

import (
	"context"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationVipListPlans     = "/wallet.v1.Vip/ListPlans"
	OperationVipGetStatus     = "/wallet.v1.Vip/GetStatus"
	OperationVipListOrders    = "/wallet.v1.Vip/ListOrders"
	OperationVipCreateOrder   = "/wallet.v1.Vip/CreateOrder"
	OperationVipSubmitPayment = "/wallet.v1.Vip/SubmitPayment"
	OperationVipMarkPaid      = "/wallet.v1.Vip/MarkPaid"
	OperationVipApprove       = "/wallet.v1.Vip/Approve"
	OperationVipReject        = "/wallet.v1.Vip/Reject"
)

type CreateOrderRequest struct {
	PlanID int64 `json:"plan_id" validate:"gt=0"`
}

func (r *CreateOrderRequest) Validate() error { return validate.Struct(r) }

// SubmitPaymentRequest 提交付款凭证
type SubmitPaymentRequest struct {
	OrderNo string `json:"order_no" validate:"required,max=32"`
	Proof   string `json:"proof" validate:"required,max=512"`
}

func (r *SubmitPaymentRequest) Validate() error { return validate.Struct(r) }

// OrderRequest 按订单号操作
type OrderRequest struct {
	OrderNo string `json:"order_no" validate:"required,max=32"`
}

func (r *OrderRequest) Validate() error { return validate.Struct(r) }

type RejectOrderRequest struct {
	OrderNo string `json:"order_no" validate:"required,max=32"`
	Reason  string `json:"reason" validate:"max=255"`
}

func (r *RejectOrderRequest) Validate() error { return validate.Struct(r) }

// VipService VIP 接口
type VipService struct {
	vip      *biz.VipUsecase
	identity *IdentityResolver
	logger   *log.Helper
}

// NewVipService 创建 VipService 实例
func NewVipService(vip *biz.VipUsecase, identity *IdentityResolver, logger log.Logger) *VipService {
	return &VipService{vip: vip, identity: identity, logger: log.NewHelper(logger)}
}

// RegisterVipHTTPServer 注册 VIP 路由
func RegisterVipHTTPServer(s *http.Server, srv *VipService) {
	r := s.Route("/")
	r.GET("/v1/vip/plans", handle(OperationVipListPlans, nil, srv.ListPlans))
	r.GET("/v1/vip/status", handle(OperationVipGetStatus, nil, srv.GetStatus))
	r.GET("/v1/vip/orders", handle(OperationVipListOrders, bindQuery, srv.ListOrders))
	r.POST("/v1/vip/orders", handle(OperationVipCreateOrder, bindBody, srv.CreateOrder))
	r.POST("/v1/vip/orders/{order_no}/submit", handle(OperationVipSubmitPayment, bindVarsAndBody, srv.SubmitPayment))
	r.POST("/v1/admin/vip/orders/{order_no}/paid", handle(OperationVipMarkPaid, bindVars, srv.MarkPaid))
	r.POST("/v1/admin/vip/orders/{order_no}/approve", handle(OperationVipApprove, bindVars, srv.Approve))
	r.POST("/v1/admin/vip/orders/{order_no}/reject", handle(OperationVipReject, bindVarsAndBody, srv.Reject))
}

func (s *VipService) ListPlans(ctx context.Context, _ *Empty) (*ListReply[*biz.VipPlan], error) {
	plans, err := s.vip.ListPlans(ctx)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListPlans", err)
	}
	return &ListReply[*biz.VipPlan]{Items: plans}, nil
}

func (s *VipService) GetStatus(ctx context.Context, _ *Empty) (*biz.VipView, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.GetStatus")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	view, err := s.vip.GetStatus(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "GetVipStatus", err)
	}
	return view, nil
}

func (s *VipService) ListOrders(ctx context.Context, req *ListRequest) (*ListReply[*biz.VipOrder], error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.ListOrders")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	orders, err := s.vip.ListOrders(ctx, id.UserID, req.Limit)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListVipOrders", err)
	}
	return &ListReply[*biz.VipOrder]{Items: orders}, nil
}

func (s *VipService) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*biz.VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.CreateOrder")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.orderReply(ctx, "CreateVipOrder")(s.vip.CreateOrder(ctx, id.UserID, req.PlanID))
}

func (s *VipService) SubmitPayment(ctx context.Context, req *SubmitPaymentRequest) (*biz.VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.SubmitPayment")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	return s.orderReply(ctx, "SubmitVipPayment")(s.vip.SubmitPayment(ctx, id.UserID, req.OrderNo, req.Proof))
}

func (s *VipService) MarkPaid(ctx context.Context, req *OrderRequest) (*biz.VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.MarkPaid")
	defer span.End()

	if _, err := s.identity.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.orderReply(ctx, "MarkVipOrderPaid")(s.vip.MarkPaid(ctx, req.OrderNo))
}

// Approve 审核通过并顺延到期时间
func (s *VipService) Approve(ctx context.Context, req *OrderRequest) (*biz.VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.Approve")
	defer span.End()

	admin, err := s.identity.RequireAdmin(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Admin %d approving vip order %s", admin.UserID, req.OrderNo)
	return s.orderReply(ctx, "ApproveVipOrder")(s.vip.Approve(ctx, req.OrderNo))
}

func (s *VipService) Reject(ctx context.Context, req *RejectOrderRequest) (*biz.VipOrderResult, error) {
	ctx, span := tracing.StartSpan(ctx, "VipService.Reject")
	defer span.End()

	if _, err := s.identity.RequireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.orderReply(ctx, "RejectVipOrder")(s.vip.Reject(ctx, req.OrderNo, req.Reason))
}

func (s *VipService) orderReply(ctx context.Context, op string) func(*biz.VipOrderResult, error) (*biz.VipOrderResult, error) {
	return func(res *biz.VipOrderResult, err error) (*biz.VipOrderResult, error) {
		if err != nil {
			return nil, storeError(ctx, s.logger, op, err)
		}
		if !res.Success {
			md := map[string]string{}
			if res.Order != nil {
				md["status"] = res.Order.Status
			}
			return nil, MapReason(res.Reason, res.Message, md)
		}
		return res, nil
	}
}
