package server

import (
	"encoding/json"
	stdhttp "net/http"
	"time"

	"wallet/internal/conf"
	tracingpkg "wallet/internal/pkg/tracing"
	"wallet/internal/service"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	"github.com/go-kratos/kratos/v2/middleware/validate"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHTTPServer)

// 框架内置的参数错误原因
const (
	reasonValidator = "VALIDATOR"
	reasonCodec     = "CODEC"
)

// NewHTTPServer new an HTTP server.
func NewHTTPServer(
	c *conf.Bootstrap,
	credit *service.CreditService,
	point *service.PointService,
	generation *service.GenerationService,
	referral *service.ReferralService,
	vip *service.VipService,
	logger log.Logger,
) *http.Server {
	var opts = []http.ServerOption{
		http.Middleware(
			recovery.Recovery(),
			tracing.Server(),
			tracingpkg.ErrorResponseEnhancer(),
			logging.Server(logger),
			validate.Validator(),
		),
		http.Filter(cors.New(cors.Options{
			AllowedOrigins: c.Server.Http.Origins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"Retry-After", "X-Trace-ID"},
		}).Handler),
		http.ErrorEncoder(customErrorEncoder),
		http.Timeout(conf.ParseDuration(c.Server.Http.Timeout, 10*time.Second)),
	}
	if c.Server.Http.Network != "" {
		opts = append(opts, http.Network(c.Server.Http.Network))
	}
	if c.Server.Http.Addr != "" {
		opts = append(opts, http.Address(c.Server.Http.Addr))
	}
	srv := http.NewServer(opts...)

	service.RegisterCreditHTTPServer(srv, credit)
	service.RegisterPointHTTPServer(srv, point)
	service.RegisterGenerationHTTPServer(srv, generation)
	service.RegisterReferralHTTPServer(srv, referral)
	service.RegisterVipHTTPServer(srv, vip)

	srv.Route("/").GET("/health", func(ctx http.Context) error {
		return ctx.Result(200, map[string]string{"status": "ok", "service": "wallet"})
	})
	srv.Handle("/metrics", promhttp.Handler())
	return srv
}

func customErrorEncoder(w stdhttp.ResponseWriter, r *stdhttp.Request, err error) {
	se := kerrors.FromError(err)
	status := stdhttp.StatusInternalServerError
	response := map[string]interface{}{
		"code":    status,
		"reason":  service.ReasonStoreError,
		"message": service.GetFriendlyErrorMessage(service.ReasonStoreError),
	}

	if se != nil && se.Reason != "" {
		reason := se.Reason
		if reason == reasonValidator || reason == reasonCodec {
			reason = service.ReasonInvalidInput
			se = kerrors.BadRequest(reason, service.GetFriendlyErrorMessage(reason)).
				WithMetadata(mergeMetadata(se.Metadata, map[string]string{"detail": se.Message}))
		}
		status = mapErrorStatus(int(se.Code))
		response["code"] = status
		response["reason"] = se.Reason
		response["message"] = se.Message
		if len(se.Metadata) > 0 {
			response["metadata"] = se.Metadata
			if retry, ok := se.Metadata["retry_after"]; ok {
				w.Header().Set("Retry-After", retry)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

func mapErrorStatus(code int) int {
	if code >= 400 && code < 600 {
		return code
	}
	return stdhttp.StatusInternalServerError
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
