package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// observe 为每个请求记录访问日志、指标和 span。
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}

		ctx, span := s.tracer.Start(c.Request.Context(), c.Request.Method+" "+route,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", route),
			))
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		span.SetAttributes(attribute.Int("http.status_code", status))
		if status >= 500 {
			span.SetStatus(codes.Error, c.Errors.String())
		}
		span.End()

		s.opts.Metrics.ObserveHTTPRequest(route, c.Request.Method, status, elapsed)

		attrs := []any{
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", status),
			slog.Duration("latency", elapsed),
			slog.String("client_ip", c.ClientIP()),
		}
		switch {
		case status >= 500:
			s.logger.Error("HTTP 请求失败", append(attrs, slog.String("errors", c.Errors.String()))...)
		case status >= 400:
			s.logger.Warn("HTTP 请求被拒绝", attrs...)
		default:
			s.logger.Debug("HTTP 请求完成", attrs...)
		}
	}
}
