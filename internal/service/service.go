package service

import (
	"context"

	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/go-playground/validator/v10"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(
	NewIdentityResolver,
	NewCreditService,
	NewPointService,
	NewGenerationService,
	NewReferralService,
	NewVipService,
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Empty 无参数请求
type Empty struct{}

// ListRequest 分页数量，0 使用默认值
type ListRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

func (r *ListRequest) Validate() error { return validate.Struct(r) }

// ListReply 列表响应
type ListReply[T any] struct {
	Items []T `json:"items"`
}

type binder func(ctx http.Context, v interface{}) error

func bindBody(ctx http.Context, v interface{}) error { return ctx.Bind(v) }

func bindQuery(ctx http.Context, v interface{}) error { return ctx.BindQuery(v) }

func bindVars(ctx http.Context, v interface{}) error { return ctx.BindVars(v) }

func bindVarsAndBody(ctx http.Context, v interface{}) error {
	if err := ctx.Bind(v); err != nil {
		return err
	}
	return ctx.BindVars(v)
}

// handle 绑定请求、经过中间件链后调用业务方法
func handle[T any, R any](operation string, bind binder, call func(context.Context, *T) (R, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		var in T
		if bind != nil {
			if err := bind(ctx, &in); err != nil {
				return err
			}
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*T))
		})
		out, err := h(ctx, &in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out)
	}
}
