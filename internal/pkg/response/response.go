package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
)

// Response 统一响应结构
type Response struct {
	Code    int         `json:"code"`              // 业务错误码（0 表示成功）
	Message string      `json:"message,omitempty"` // 提示信息
	Data    interface{} `json:"data"`              // 实际数据（可能为空对象 {}）
}

func write(c *gin.Context, httpStatus int, data interface{}) {
	if data == nil {
		data = struct{}{}
	}
	c.JSON(httpStatus, Response{Code: apperrors.Success, Data: data})
}

// Success 成功响应（200）
func Success(c *gin.Context, data interface{}) {
	write(c, http.StatusOK, data)
}

// Accepted 已受理，结果异步产生（202）
func Accepted(c *gin.Context, data interface{}) {
	write(c, http.StatusAccepted, data)
}

// HandleError 统一错误处理（使用 AppError）
func HandleError(c *gin.Context, err error) {
	if err == nil {
		return
	}

	code := apperrors.ExtractCode(err)
	c.Error(err)
	c.AbortWithStatusJSON(apperrors.GetHTTPStatus(code), Response{
		Code:    code,
		Message: apperrors.FormatError(code, apperrors.GetDetails(err)),
		Data:    struct{}{},
	})
}

// ErrorWithCode 使用错误码的错误响应
func ErrorWithCode(c *gin.Context, code int, details ...string) {
	c.AbortWithStatusJSON(apperrors.GetHTTPStatus(code), Response{
		Code:    code,
		Message: apperrors.FormatError(code, details...),
		Data:    struct{}{},
	})
}
