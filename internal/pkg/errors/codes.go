package errors

import (
	"fmt"
	"net/http"
)

// Code 错误码定义：业务码、HTTP 状态、文案
type Code struct {
	Code    int
	Status  int
	Message string
}

const (
	Success = 0

	// 通用错误 (1000-1999)
	ErrInternalServer = 1000
	ErrInvalidParams  = 1001
	ErrNotFound       = 1002
	ErrConflict       = 1005
	ErrBadRequest     = 1007
	ErrServiceUnavail = 1008

	// 流式生成错误 (6000-6999)
	ErrStreamProtocolViolation = 6000
	ErrStreamCorrelationMiss   = 6001
	ErrStreamTransportFailure  = 6002
	ErrStreamEmpty             = 6003
	ErrStreamCancelled         = 6004
	ErrConversationInvalid     = 6005

	// 侧表错误 (7000-7999)
	ErrSideTableFailed = 7000
)

var codeMap = map[int]Code{
	Success: {Success, http.StatusOK, "Success"},

	ErrInternalServer: {ErrInternalServer, http.StatusInternalServerError, "Internal server error"},
	ErrInvalidParams:  {ErrInvalidParams, http.StatusBadRequest, "Invalid parameters"},
	ErrNotFound:       {ErrNotFound, http.StatusNotFound, "Resource not found"},
	ErrConflict:       {ErrConflict, http.StatusConflict, "Resource conflict"},
	ErrBadRequest:     {ErrBadRequest, http.StatusBadRequest, "Bad request"},
	ErrServiceUnavail: {ErrServiceUnavail, http.StatusServiceUnavailable, "Service unavailable"},

	ErrStreamProtocolViolation: {ErrStreamProtocolViolation, http.StatusUnprocessableEntity, "Stream protocol violation"},
	ErrStreamCorrelationMiss:   {ErrStreamCorrelationMiss, http.StatusUnprocessableEntity, "Tool result has no matching tool use"},
	ErrStreamTransportFailure:  {ErrStreamTransportFailure, http.StatusBadGateway, "Stream transport failure"},
	ErrStreamEmpty:             {ErrStreamEmpty, http.StatusBadGateway, "Stream completed without content"},
	ErrStreamCancelled:         {ErrStreamCancelled, http.StatusConflict, "Stream cancelled"},
	ErrConversationInvalid:     {ErrConversationInvalid, http.StatusBadRequest, "Invalid conversation"},

	ErrSideTableFailed: {ErrSideTableFailed, http.StatusInternalServerError, "Side table operation failed"},
}

// GetCode returns the Code for a business code, falling back to internal error
func GetCode(code int) Code {
	if c, ok := codeMap[code]; ok {
		return c
	}
	return codeMap[ErrInternalServer]
}

// GetHTTPStatus returns HTTP status for a given error code
func GetHTTPStatus(code int) int {
	return GetCode(code).Status
}

// GetMessage returns the message for a given error code
func GetMessage(code int) string {
	return GetCode(code).Message
}

// IsRetryable 用户可通过重新发起流恢复的错误
func IsRetryable(code int) bool {
	return code == ErrStreamTransportFailure || code == ErrStreamEmpty
}

// FormatError formats an error message with code
func FormatError(code int, details ...string) string {
	msg := GetMessage(code)
	if len(details) > 0 && details[0] != "" {
		return fmt.Sprintf("%s: %s", msg, details[0])
	}
	return msg
}
