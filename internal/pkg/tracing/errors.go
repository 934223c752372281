package tracing

import (
	"context"
	"fmt"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/middleware"
	"github.com/go-kratos/kratos/v2/transport/http"
)

const (
	metadataTraceID = "traceid"
	metadataSpanID  = "spanid"
)

// ErrorResponseEnhancer 为错误响应补充 traceid/spanid，优先使用网关透传的请求头
func ErrorResponseEnhancer() middleware.Middleware {
	return func(handler middleware.Handler) middleware.Handler {
		return func(ctx context.Context, req interface{}) (interface{}, error) {
			reply, err := handler(ctx, req)
			if err == nil {
				return reply, nil
			}

			info := ExtractTraceInfo(ctx)
			if r, ok := http.RequestFromServerContext(ctx); ok {
				if id := r.Header.Get("X-Trace-ID"); id != "" {
					info.TraceID = id
					info.SpanID = r.Header.Get("X-Span-ID")
				}
			}
			RecordError(ctx, err)
			return reply, withTrace(errors.FromError(err), info)
		}
	}
}

// WrapErrorWithTrace 为已有错误添加当前上下文的追踪信息，保留原 metadata
func WrapErrorWithTrace(ctx context.Context, err *errors.Error) *errors.Error {
	if err == nil {
		return nil
	}
	return withTrace(err, ExtractTraceInfo(ctx))
}

// ExtractTraceInfoFromError 从错误中提取追踪信息
func ExtractTraceInfoFromError(err error) (string, string, bool) {
	if err == nil {
		return "", "", false
	}
	e := errors.FromError(err)
	traceID, ok := e.Metadata[metadataTraceID]
	if !ok {
		return "", "", false
	}
	return traceID, e.Metadata[metadataSpanID], true
}

// FormatErrorWithTrace 格式化错误信息，包含追踪信息
func FormatErrorWithTrace(err error) string {
	if err == nil {
		return "no error"
	}
	if traceID, spanID, ok := ExtractTraceInfoFromError(err); ok {
		return fmt.Sprintf("error: %s, traceid: %s, spanid: %s", err.Error(), traceID, spanID)
	}
	return fmt.Sprintf("error: %s", err.Error())
}

func withTrace(err *errors.Error, info TraceInfo) *errors.Error {
	if info.TraceID == "" {
		return err
	}
	if _, ok := err.Metadata[metadataTraceID]; ok {
		return err
	}
	md := make(map[string]string, len(err.Metadata)+2)
	for k, v := range err.Metadata {
		md[k] = v
	}
	md[metadataTraceID] = info.TraceID
	if info.SpanID != "" {
		md[metadataSpanID] = info.SpanID
	}
	return err.WithMetadata(md)
}
