package server

import (
	"errors"
	"net/http"

	"knowledgehub/cmd/task-engine/internal/domain"

	"github.com/gin-gonic/gin"
)

// Response 统一响应格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "created",
		Data:    data,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Code:    400,
		Message: message,
	})
}

// Error 错误响应
func Error(c *gin.Context, err error) {
	statusCode, code := parseError(err)
	c.JSON(statusCode, Response{
		Code:    code,
		Message: err.Error(),
	})
}

// parseError 解析领域错误并返回相应的 HTTP 状态码
func parseError(err error) (statusCode, code int) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownKind):
		return http.StatusBadRequest, 400
	case errors.Is(err, domain.ErrNotOwner):
		return http.StatusForbidden, 403
	case errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrBudgetNotFound):
		return http.StatusNotFound, 404
	case errors.Is(err, domain.ErrNotCancellable):
		return http.StatusConflict, 409
	case errors.Is(err, domain.ErrBudgetExceeded):
		return http.StatusPaymentRequired, 402
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, 503
	default:
		return http.StatusInternalServerError, 500
	}
}
