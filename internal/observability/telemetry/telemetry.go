package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	xerrors "ActionFlow/internal/errors"
	"ActionFlow/pkg/logger"
)

// InstrumentationName 是本服务 tracer 的名称。
const InstrumentationName = "ActionFlow"

// Config 控制 OpenTelemetry 初始化。
type Config struct {
	Enabled      bool
	ServiceName  string
	OTLPEndpoint string
	Logger       *slog.Logger
}

// Init 配置全局 TracerProvider，返回的 shutdown 在进程退出前刷新导出器。
// 未启用时返回空操作。
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "actionflowd"
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Named("telemetry")
	}

	exp, err := newExporter(ctx, cfg.OTLPEndpoint, log)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 telemetry resource 失败")
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Error("关闭 telemetry 失败", slog.Any("error", err))
			return err
		}
		return nil
	}, nil
}

func newExporter(ctx context.Context, endpoint string, log *slog.Logger) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		log.Warn("未配置 OTLP endpoint，使用 stdout trace 导出器")
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpointURL(endpoint)}
	if !strings.Contains(endpoint, "://") {
		opts = []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure()}
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 OTLP 导出器失败")
	}
	log.Info("已配置 OTLP trace 导出器", slog.String("endpoint", endpoint))
	return exp, nil
}

// Tracer 返回当前全局 TracerProvider 下的服务 tracer。
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}

// ActionAttributes 返回描述一次操作的 span 属性。
func ActionAttributes(actionID, actionType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("action.id", actionID),
		attribute.String("action.type", actionType),
	}
}

// End 结束 span 并记录错误。
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("error.code", string(xerrors.CodeOf(err))))
	} else {
		span.SetStatus(codes.Ok, codes.Ok.String())
	}
	span.End()
}
