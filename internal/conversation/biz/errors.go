package biz

import (
	"fmt"

	apperrors "github.com/lk2023060901/enterprise-search-backend/internal/pkg/errors"
)

// ProtocolViolation 事件不符合约定（例如 text_delta 指向 tool_use 块），丢弃该事件，流继续
func ProtocolViolation(format string, args ...interface{}) error {
	return apperrors.New(apperrors.ErrStreamProtocolViolation, fmt.Sprintf(format, args...))
}

// CorrelationMiss tool_result 找不到对应的 tool_use，丢弃结果，流继续
func CorrelationMiss(toolUseID string) error {
	return apperrors.New(apperrors.ErrStreamCorrelationMiss, "tool_use_id="+toolUseID)
}

// TransportFailure 连接错误、非 2xx 或提前关闭，流以 failed 结束
func TransportFailure(err error, details ...string) error {
	if err == nil {
		return apperrors.New(apperrors.ErrStreamTransportFailure, details...)
	}
	return apperrors.Wrap(err, apperrors.ErrStreamTransportFailure, details...)
}

// EmptyStreamFailure 流正常结束但没有任何内容事件
func EmptyStreamFailure() error {
	return apperrors.New(apperrors.ErrStreamEmpty)
}

func IsProtocolViolation(err error) bool {
	return apperrors.Is(err, apperrors.ErrStreamProtocolViolation)
}

func IsCorrelationMiss(err error) bool {
	return apperrors.Is(err, apperrors.ErrStreamCorrelationMiss)
}

func IsTransportFailure(err error) bool {
	return apperrors.Is(err, apperrors.ErrStreamTransportFailure)
}

func IsEmptyStreamFailure(err error) bool {
	return apperrors.Is(err, apperrors.ErrStreamEmpty)
}
