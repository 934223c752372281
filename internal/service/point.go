package service

import (
	"context"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	OperationPointGetCheckInStatus = "/wallet.v1.Point/GetCheckInStatus"
	OperationPointCheckIn          = "/wallet.v1.Point/CheckIn"
	OperationPointListCheckIns     = "/wallet.v1.Point/ListCheckIns"
	OperationPointListRules        = "/wallet.v1.Point/ListCheckInRules"
	OperationPointGetBalance       = "/wallet.v1.Point/GetBalance"
	OperationPointListTransactions = "/wallet.v1.Point/ListTransactions"
	OperationPointListRates        = "/wallet.v1.Point/ListExchangeRates"
	OperationPointExchange         = "/wallet.v1.Point/Exchange"
)

// ListCheckInsRequest 签到日历区间，日期为 YYYY-MM-DD
type ListCheckInsRequest struct {
	From string `json:"from" validate:"required,datetime=2006-01-02"`
	To   string `json:"to" validate:"required,datetime=2006-01-02,gtefield=From"`
}

func (r *ListCheckInsRequest) Validate() error { return validate.Struct(r) }

// ExchangeRequest 积分兑换额度
type ExchangeRequest struct {
	RateID    int64  `json:"rate_id" validate:"gt=0"`
	Credits   int64  `json:"credits" validate:"gt=0"`
	RequestID string `json:"request_id" validate:"max=64"`
}

func (r *ExchangeRequest) Validate() error { return validate.Struct(r) }

// PointService 积分接口
type PointService struct {
	points   *biz.PointUsecase
	identity *IdentityResolver
	logger   *log.Helper
}

// NewPointService 创建 PointService 实例
func NewPointService(points *biz.PointUsecase, identity *IdentityResolver, logger log.Logger) *PointService {
	return &PointService{points: points, identity: identity, logger: log.NewHelper(logger)}
}

// RegisterPointHTTPServer 注册积分路由
func RegisterPointHTTPServer(s *http.Server, srv *PointService) {
	r := s.Route("/")
	r.GET("/v1/points/checkin", handle(OperationPointGetCheckInStatus, nil, srv.GetCheckInStatus))
	r.POST("/v1/points/checkin", handle(OperationPointCheckIn, nil, srv.CheckIn))
	r.GET("/v1/points/checkins", handle(OperationPointListCheckIns, bindQuery, srv.ListCheckIns))
	r.GET("/v1/points/rules", handle(OperationPointListRules, nil, srv.ListCheckInRules))
	r.GET("/v1/points/balance", handle(OperationPointGetBalance, nil, srv.GetBalance))
	r.GET("/v1/points/transactions", handle(OperationPointListTransactions, bindQuery, srv.ListTransactions))
	r.GET("/v1/points/rates", handle(OperationPointListRates, nil, srv.ListExchangeRates))
	r.POST("/v1/points/exchange", handle(OperationPointExchange, bindBody, srv.Exchange))
}

func (s *PointService) GetCheckInStatus(ctx context.Context, _ *Empty) (*biz.CheckInStatus, error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.GetCheckInStatus")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	status, err := s.points.GetStatus(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "GetCheckInStatus", err)
	}
	return status, nil
}

// CheckIn 每日签到；当天已签到返回 200 且 success=false
func (s *PointService) CheckIn(ctx context.Context, _ *Empty) (*biz.CheckInResult, error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.CheckIn")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	res, err := s.points.CheckIn(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "CheckIn", err)
	}
	if !res.Success && res.Reason != biz.ReasonAlreadyDone {
		return nil, MapReason(res.Reason, res.Message, nil)
	}
	return res, nil
}

func (s *PointService) ListCheckIns(ctx context.Context, req *ListCheckInsRequest) (*ListReply[*biz.PointCheckIn], error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.ListCheckIns")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.points.ListCheckIns(ctx, id.UserID, req.From, req.To)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListCheckIns", err)
	}
	return &ListReply[*biz.PointCheckIn]{Items: items}, nil
}

func (s *PointService) ListCheckInRules(ctx context.Context, _ *Empty) (*ListReply[*biz.CheckInRule], error) {
	items, err := s.points.ListCheckInRules(ctx)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListCheckInRules", err)
	}
	return &ListReply[*biz.CheckInRule]{Items: items}, nil
}

// GetBalance 积分余额与连续签到天数
func (s *PointService) GetBalance(ctx context.Context, _ *Empty) (*biz.PointBalance, error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.GetBalance")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	bal, err := s.points.GetBalance(ctx, id.UserID)
	if err != nil {
		return nil, storeError(ctx, s.logger, "GetPointBalance", err)
	}
	return bal, nil
}

func (s *PointService) ListTransactions(ctx context.Context, req *ListRequest) (*ListReply[*biz.PointTransaction], error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.ListTransactions")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	items, err := s.points.ListTransactions(ctx, id.UserID, req.Limit)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListPointTransactions", err)
	}
	return &ListReply[*biz.PointTransaction]{Items: items}, nil
}

func (s *PointService) ListExchangeRates(ctx context.Context, _ *Empty) (*ListReply[*biz.PointExchangeRate], error) {
	items, err := s.points.ListExchangeRates(ctx)
	if err != nil {
		return nil, storeError(ctx, s.logger, "ListExchangeRates", err)
	}
	return &ListReply[*biz.PointExchangeRate]{Items: items}, nil
}

// Exchange 积分兑换额度
func (s *PointService) Exchange(ctx context.Context, req *ExchangeRequest) (*biz.ExchangeResult, error) {
	ctx, span := tracing.StartSpan(ctx, "PointService.Exchange")
	defer span.End()

	id, err := s.identity.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.WithContext(ctx).Infof("Received Exchange request for user_id: %d, rate: %d, credits: %d", id.UserID, req.RateID, req.Credits)

	res, err := s.points.Exchange(ctx, &biz.ExchangeRequest{
		UserID:           id.UserID,
		RateID:           req.RateID,
		CreditsRequested: req.Credits,
		RequestID:        req.RequestID,
	})
	if err != nil {
		return nil, storeError(ctx, s.logger, "Exchange", err)
	}
	if !res.Success {
		md := map[string]string{}
		if res.Reason == biz.ReasonInsufficientPoints {
			md["points_needed"] = itoa(res.PointsNeeded)
			md["point_balance"] = itoa(res.PointBalance)
		}
		return nil, MapReason(res.Reason, res.Message, md)
	}
	return res, nil
}
