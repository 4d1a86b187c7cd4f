package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"knowledgehub/pkg/auth"

	"github.com/gin-gonic/gin"
	"github.com/go-kratos/kratos/v2/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("task-engine")

// TracingMiddleware OpenTelemetry 追踪中间件
func TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		spanName := fmt.Sprintf("%s %s", c.Request.Method, c.FullPath())
		ctx, span := tracer.Start(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.route", c.FullPath()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		if len(c.Errors) > 0 {
			span.SetStatus(codes.Error, c.Errors.String())
			span.RecordError(c.Errors.Last())
		}
	}
}

// LoggingMiddleware 结构化日志中间件
func LoggingMiddleware(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		_ = log.WithContext(c.Request.Context(), logger).Log(
			log.LevelInfo,
			"method", method,
			"path", path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"ip", c.ClientIP(),
		)
	}
}

// RecoveryMiddleware 恢复中间件
func RecoveryMiddleware(logger log.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				_ = log.WithContext(c.Request.Context(), logger).Log(
					log.LevelError,
					"panic", fmt.Sprintf("%v", err),
					"path", c.Request.URL.Path,
				)

				span := trace.SpanFromContext(c.Request.Context())
				if span.IsRecording() {
					span.SetStatus(codes.Error, "panic recovered")
					span.RecordError(fmt.Errorf("panic: %v", err))
				}

				c.JSON(http.StatusInternalServerError, Response{
					Code:    500,
					Message: "internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

// AuthMiddleware 认证中间件：解析Bearer token，把user_id和角色放进请求上下文。
// WebSocket握手无法携带header时允许query参数传token
func AuthMiddleware(jwtManager *auth.JWTManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Code:    401,
				Message: "missing credentials",
			})
			return
		}

		claims, err := jwtManager.ValidateToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, Response{
				Code:    401,
				Message: err.Error(),
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("roles", claims.Roles)
		c.Set("is_admin", claims.IsAdmin())
		c.Next()
	}
}

// AdminRequired 管理端路由守卫
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, Response{
				Code:    403,
				Message: "admin role required",
			})
			return
		}
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return c.Query("token")
}

// UserID 当前请求的认证用户
func UserID(c *gin.Context) string {
	if uid, exists := c.Get("user_id"); exists {
		return uid.(string)
	}
	return ""
}

// Roles 当前请求token携带的角色
func Roles(c *gin.Context) []string {
	if v, exists := c.Get("roles"); exists {
		if roles, ok := v.([]string); ok {
			return roles
		}
	}
	return nil
}

// IsAdmin 当前请求是否具备管理员角色
func IsAdmin(c *gin.Context) bool {
	if v, exists := c.Get("is_admin"); exists {
		return v.(bool)
	}
	return false
}
