package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ResponseSuccess 返回成功响应
func ResponseSuccess(c *gin.Context, data any) {
	c.JSON(http.StatusOK, SuccessResponse(data))
}

// ResponseCreated 返回创建成功响应（201）
func ResponseCreated(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, SuccessResponse(data))
}

// ResponseError 返回错误响应，业务状态码映射到 HTTP 状态码
func ResponseError(c *gin.Context, code int, message string) {
	status := http.StatusOK
	switch code {
	case CodeInvalidRequest:
		status = http.StatusBadRequest
	case CodeUnauthorized:
		status = http.StatusUnauthorized
	case CodeForbidden:
		status = http.StatusForbidden
	case CodeNotFound:
		status = http.StatusNotFound
	case CodeConflict:
		status = http.StatusConflict
	case CodeUpstreamError:
		status = http.StatusServiceUnavailable
	case CodeInternalError:
		status = http.StatusInternalServerError
	}
	c.JSON(status, ErrorResponse(code, message))
}

// AbortWithError 中断并返回错误
func AbortWithError(c *gin.Context, code int, message string) {
	ResponseError(c, code, message)
	c.Abort()
}
