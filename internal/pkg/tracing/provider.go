package tracing

import (
	"context"
	"fmt"
	"time"

	"wallet/internal/conf"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// NewProvider 创建并注册全局 TracerProvider；未配置 endpoint 时只在进程内生成 span
func NewProvider(c *conf.Trace, serviceName, version string) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		)),
	}

	sampler := 1.0
	if c != nil {
		if c.Sampler > 0 {
			sampler = c.Sampler
		}
		if c.Endpoint != "" {
			exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(c.Endpoint)))
			if err != nil {
				return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
			}
			opts = append(opts, sdktrace.WithBatcher(exp))
		}
	}
	opts = append(opts, sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampler))))

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Shutdown 刷新并关闭 TracerProvider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}
