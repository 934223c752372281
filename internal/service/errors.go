package service

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"wallet/internal/biz"
	"wallet/internal/pkg/tracing"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
)

// 对外错误原因
const (
	ReasonInvalidInput        = string(biz.ReasonInvalidInput)
	ReasonInsufficientBalance = string(biz.ReasonInsufficientBalance)
	ReasonInsufficientPoints  = string(biz.ReasonInsufficientPoints)
	ReasonAlreadyDone         = string(biz.ReasonAlreadyDone)
	ReasonNotFound            = string(biz.ReasonNotFound)
	ReasonRateLimited         = string(biz.ReasonRateLimited)
	ReasonIdentityUnresolved  = string(biz.ReasonIdentityUnresolved)
	ReasonInvalidState        = string(biz.ReasonInvalidState)
	ReasonUnauthorized        = "UNAUTHORIZED"
	ReasonTokenInvalid        = "TOKEN_INVALID"
	ReasonForbidden           = "FORBIDDEN"
	ReasonStoreError          = "STORE_ERROR"
)

// ReasonStatus 错误原因到 HTTP 状态码
var ReasonStatus = map[string]int{
	ReasonInvalidInput:        http.StatusBadRequest,
	ReasonIdentityUnresolved:  http.StatusBadRequest,
	ReasonUnauthorized:        http.StatusUnauthorized,
	ReasonTokenInvalid:        http.StatusUnauthorized,
	ReasonInsufficientBalance: http.StatusPaymentRequired,
	ReasonInsufficientPoints:  http.StatusPaymentRequired,
	ReasonForbidden:           http.StatusForbidden,
	ReasonNotFound:            http.StatusNotFound,
	ReasonAlreadyDone:         http.StatusConflict,
	ReasonInvalidState:        http.StatusConflict,
	ReasonRateLimited:         http.StatusTooManyRequests,
	ReasonStoreError:          http.StatusInternalServerError,
}

// MapReason 把业务失败原因转换为 kratos 错误，detail 放入 metadata
func MapReason(reason biz.Reason, detail string, md map[string]string) *errors.Error {
	r := string(reason)
	status, ok := ReasonStatus[r]
	if !ok {
		status = http.StatusInternalServerError
		r = ReasonStoreError
	}
	meta := make(map[string]string, len(md)+1)
	for k, v := range md {
		meta[k] = v
	}
	if detail != "" {
		meta["detail"] = detail
	}
	return errors.New(status, r, GetFriendlyErrorMessage(r)).WithMetadata(meta)
}

// rateLimited 429，retry_after 以秒为单位
func rateLimited(detail string, retry time.Duration, md map[string]string) *errors.Error {
	meta := map[string]string{
		"retry_after": strconv.FormatInt(int64((retry+time.Second-1)/time.Second), 10),
	}
	for k, v := range md {
		meta[k] = v
	}
	return MapReason(biz.ReasonRateLimited, detail, meta)
}

// storeError 未预期的错误统一为 500 STORE_ERROR，已是 kratos 错误的原样返回
func storeError(ctx context.Context, logger *log.Helper, op string, err error) error {
	var se *errors.Error
	if stderrors.As(err, &se) {
		return se
	}
	se = tracing.WrapErrorWithTrace(ctx, errors.InternalServer(ReasonStoreError, GetFriendlyErrorMessage(ReasonStoreError)).WithCause(err))
	logger.WithContext(ctx).Errorf("%s failed: %s", op, tracing.FormatErrorWithTrace(se))
	return se
}

func unauthorized() *errors.Error {
	return errors.Unauthorized(ReasonUnauthorized, GetFriendlyErrorMessage(ReasonUnauthorized))
}

func forbidden() *errors.Error {
	return errors.Forbidden(ReasonForbidden, GetFriendlyErrorMessage(ReasonForbidden))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
